// Package xenstore talks to the hypervisor's shared coordination store.
//
// The daemon only needs the small slice of the store API that the
// paravirtualised USB handshake uses: key read/write, directory creation with
// permissions, recursive removal, watches and optimistic transactions. The
// Client interface captures that slice; the socket implementation speaks the
// xenstored wire protocol and the memory implementation backs the tests.
package xenstore

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when reading or listing a path that doesn't exist.
var ErrNotFound = errors.New("Path not found in the shared store")

// ErrAgain is returned by TransactionEnd when the transaction conflicted with
// a concurrent mutation and has to be restarted.
var ErrAgain = errors.New("Transaction conflict, try again")

// Permission access values, matching the store's letter encoding.
const (
	PermNone      = "n"
	PermRead      = "r"
	PermWrite     = "w"
	PermReadWrite = "b"
)

// Permission grants a domain access to a node. The first permission entry of
// a node names its owner, and its access letter applies to every domain not
// listed explicitly.
type Permission struct {
	DomID  int
	Access string
}

// String renders the permission in wire form ("r5", "n0", ...).
func (p Permission) String() string {
	return fmt.Sprintf("%s%d", p.Access, p.DomID)
}

// WatchEvent is delivered on the watch channel when a watched node or any of
// its descendants changes.
type WatchEvent struct {
	// Path that triggered the event
	Path string

	// Token passed to Watch
	Token string
}

// Client is the store access interface used by the attach protocol engine.
type Client interface {
	// Read returns the value of a key.
	Read(path string) (string, error)

	// Write sets the value of a key, creating it if needed.
	Write(path string, value string) error

	// Mkdir creates a directory node.
	Mkdir(path string) error

	// SetPermissions replaces the permissions of a node.
	SetPermissions(path string, perms []Permission) error

	// Remove deletes a node and all its children.
	Remove(path string) error

	// List returns the names of the children of a node.
	List(path string) ([]string, error)

	// Watch registers a watch on a node. Events for all registered
	// watches are delivered on the channel returned by WatchEvents.
	Watch(path string, token string) error

	// Unwatch removes a previously registered watch.
	Unwatch(path string, token string) error

	// WatchEvents returns the channel carrying watch notifications.
	WatchEvents() <-chan WatchEvent

	// TransactionStart opens a transaction. Until TransactionEnd is
	// called, mutations are only visible to this client and are applied
	// atomically on commit.
	TransactionStart() error

	// TransactionEnd closes the current transaction. With commit set, it
	// returns ErrAgain when the transaction raced with another writer.
	TransactionEnd(commit bool) error

	// GetDomainPath returns the store path of a domain's tree.
	GetDomainPath(domid int) string

	// Close releases the connection.
	Close() error
}
