package xenstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Client used by tests. It
// keeps the tree in a flat path map and fires watches synchronously on
// mutation, which is enough to script the full attach handshake.
type MemoryStore struct {
	mu      sync.Mutex
	nodes   map[string]string
	perms   map[string][]Permission
	watches map[string]map[string]bool // path -> tokens
	watchCh chan WatchEvent

	// ConflictNext makes the next transaction commit fail with ErrAgain,
	// simulating a race with another store writer.
	ConflictNext bool

	inTx    bool
	txNodes map[string]string
	txPerms map[string][]Permission
	txDead  map[string]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   map[string]string{},
		perms:   map[string][]Permission{},
		watches: map[string]map[string]bool{},
		watchCh: make(chan WatchEvent, 256),
	}
}

func (s *MemoryStore) fireLocked(path string) {
	for watched, tokens := range s.watches {
		if path != watched && !strings.HasPrefix(path, watched+"/") {
			continue
		}

		for token := range tokens {
			select {
			case s.watchCh <- WatchEvent{Path: path, Token: token}:
			default:
			}
		}
	}
}

func (s *MemoryStore) setLocked(path string, value string) {
	if s.inTx {
		s.txNodes[path] = value
		delete(s.txDead, path)
		return
	}

	s.nodes[path] = value
	s.fireLocked(path)
}

func (s *MemoryStore) getLocked(path string) (string, bool) {
	if s.inTx {
		if s.txDead[path] {
			return "", false
		}

		v, ok := s.txNodes[path]
		if ok {
			return v, true
		}
	}

	v, ok := s.nodes[path]
	return v, ok
}

// Read returns the value of a key.
func (s *MemoryStore) Read(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.getLocked(path)
	if !ok {
		return "", ErrNotFound
	}

	return v, nil
}

// Write sets the value of a key.
func (s *MemoryStore) Write(path string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(path, value)
	return nil
}

// Mkdir creates a directory node.
func (s *MemoryStore) Mkdir(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.getLocked(path)
	if !ok {
		s.setLocked(path, "")
	}

	return nil
}

// SetPermissions replaces the permissions of a node.
func (s *MemoryStore) SetPermissions(path string, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.getLocked(path)
	if !ok {
		return ErrNotFound
	}

	if s.inTx {
		s.txPerms[path] = perms
	} else {
		s.perms[path] = perms
	}

	return nil
}

// Permissions returns the stored permissions of a node, for test assertions.
func (s *MemoryStore) Permissions(path string) []Permission {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.perms[path]
}

// Remove deletes a node and all its children.
func (s *MemoryStore) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inTx {
		for p := range s.nodes {
			if p == path || strings.HasPrefix(p, path+"/") {
				s.txDead[p] = true
			}
		}

		for p := range s.txNodes {
			if p == path || strings.HasPrefix(p, path+"/") {
				delete(s.txNodes, p)
				s.txDead[p] = true
			}
		}

		return nil
	}

	for p := range s.nodes {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(s.nodes, p)
			delete(s.perms, p)
			s.fireLocked(p)
		}
	}

	return nil
}

// List returns the names of the children of a node.
func (s *MemoryStore) List(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := path + "/"
	seen := map[string]bool{}
	for p := range s.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}

		name, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		seen[name] = true
	}

	if len(seen) == 0 {
		_, ok := s.getLocked(path)
		if !ok {
			return nil, ErrNotFound
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

// Watch registers a watch on a node.
func (s *MemoryStore) Watch(path string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.watches[path]
	if !ok {
		tokens = map[string]bool{}
		s.watches[path] = tokens
	}

	tokens[token] = true

	// The store fires a synthetic event on registration so that watchers
	// always observe the current state at least once.
	select {
	case s.watchCh <- WatchEvent{Path: path, Token: token}:
	default:
	}

	return nil
}

// Unwatch removes a previously registered watch.
func (s *MemoryStore) Unwatch(path string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, ok := s.watches[path]
	if !ok {
		return nil
	}

	delete(tokens, token)
	if len(tokens) == 0 {
		delete(s.watches, path)
	}

	return nil
}

// WatchEvents returns the channel carrying watch notifications.
func (s *MemoryStore) WatchEvents() <-chan WatchEvent {
	return s.watchCh
}

// TransactionStart opens a transaction.
func (s *MemoryStore) TransactionStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inTx {
		return fmt.Errorf("Transaction already open")
	}

	s.inTx = true
	s.txNodes = map[string]string{}
	s.txPerms = map[string][]Permission{}
	s.txDead = map[string]bool{}

	return nil
}

// TransactionEnd closes the current transaction.
func (s *MemoryStore) TransactionEnd(commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inTx {
		return fmt.Errorf("No transaction open")
	}

	s.inTx = false

	if !commit {
		return nil
	}

	if s.ConflictNext {
		s.ConflictNext = false
		return ErrAgain
	}

	for p := range s.txDead {
		delete(s.nodes, p)
		delete(s.perms, p)
		s.fireLocked(p)
	}

	for p, v := range s.txNodes {
		s.nodes[p] = v
		s.fireLocked(p)
	}

	for p, perms := range s.txPerms {
		s.perms[p] = perms
	}

	return nil
}

// GetDomainPath returns the store path of a domain's tree.
func (s *MemoryStore) GetDomainPath(domid int) string {
	return fmt.Sprintf("/local/domain/%d", domid)
}

// Close releases the store.
func (s *MemoryStore) Close() error {
	return nil
}
