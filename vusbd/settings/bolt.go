package settings

import (
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

// BoltStore persists the settings tree in a bbolt database, with inner nodes
// as nested buckets and leaves as keys.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bbolt backed settings store.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("Failed to open settings database %q: %w", path, err)
	}

	return &BoltStore{db: db}, nil
}

// descend walks to the bucket holding the last path segment.
// Returns the bucket, the leaf name and whether the walk succeeded.
func descend(tx *bolt.Tx, segments []string) (*bolt.Bucket, string, bool) {
	if len(segments) == 0 {
		return nil, "", false
	}

	var b *bolt.Bucket
	for _, segment := range segments[:len(segments)-1] {
		if b == nil {
			b = tx.Bucket([]byte(segment))
		} else {
			b = b.Bucket([]byte(segment))
		}

		if b == nil {
			return nil, "", false
		}
	}

	return b, segments[len(segments)-1], true
}

// List returns the child names of a node.
func (s *BoltStore) List(path string) ([]string, error) {
	segments := splitPath(path)

	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		var b *bolt.Bucket
		for _, segment := range segments {
			if b == nil {
				b = tx.Bucket([]byte(segment))
			} else {
				b = b.Bucket([]byte(segment))
			}

			if b == nil {
				return ErrNotFound
			}
		}

		cursor := func(k []byte, v []byte) error {
			names = append(names, string(k))
			return nil
		}

		if b == nil {
			return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
				names = append(names, string(name))
				return nil
			})
		}

		return b.ForEach(cursor)
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(names)
	return names, nil
}

// Get returns the value of a leaf.
func (s *BoltStore) Get(path string) (string, error) {
	segments := splitPath(path)

	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, leaf, ok := descend(tx, segments)
		if !ok || b == nil {
			return ErrNotFound
		}

		value = b.Get([]byte(leaf))
		if value == nil {
			return ErrNotFound
		}

		return nil
	})
	if err != nil {
		return "", err
	}

	return string(value), nil
}

// Set writes a leaf, creating intermediate buckets as needed.
func (s *BoltStore) Set(path string, value string) error {
	segments := splitPath(path)
	if len(segments) < 2 {
		return fmt.Errorf("Invalid settings path %q", path)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(segments[0]))
		if err != nil {
			return err
		}

		for _, segment := range segments[1 : len(segments)-1] {
			b, err = b.CreateBucketIfNotExists([]byte(segment))
			if err != nil {
				return err
			}
		}

		return b.Put([]byte(segments[len(segments)-1]), []byte(value))
	})
}

// Remove deletes a leaf or a whole subtree.
func (s *BoltStore) Remove(path string) error {
	segments := splitPath(path)
	if len(segments) == 0 {
		return fmt.Errorf("Invalid settings path %q", path)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if len(segments) == 1 {
			err := tx.DeleteBucket([]byte(segments[0]))
			if err == bolt.ErrBucketNotFound {
				return nil
			}

			return err
		}

		b, leaf, ok := descend(tx, segments)
		if !ok || b == nil {
			return nil
		}

		if b.Bucket([]byte(leaf)) != nil {
			return b.DeleteBucket([]byte(leaf))
		}

		return b.Delete([]byte(leaf))
	})
}

// Close releases the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
