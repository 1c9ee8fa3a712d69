package xenstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/canonical/vusbd/shared/logger"
)

// Wire message types, from the store protocol definition.
const (
	opDirectory        = 1
	opRead             = 2
	opGetPerms         = 3
	opWatch            = 4
	opUnwatch          = 5
	opTransactionStart = 6
	opTransactionEnd   = 7
	opGetDomainPath    = 10
	opWrite            = 11
	opMkdir            = 12
	opRm               = 13
	opSetPerms         = 14
	opWatchEvent       = 15
	opError            = 16
)

// SocketPath is the default xenstored unix socket.
const SocketPath = "/run/xenstored/socket"

type wireHeader struct {
	Type   uint32
	ReqID  uint32
	TxID   uint32
	Length uint32
}

type pendingReply struct {
	ch chan wireReply
}

type wireReply struct {
	op      uint32
	payload []byte
}

// SocketClient implements Client over the store daemon's unix socket.
type SocketClient struct {
	conn net.Conn

	mu      sync.Mutex
	reqID   uint32
	txID    uint32
	pending map[uint32]*pendingReply

	watchCh chan WatchEvent
	closed  chan struct{}
}

// Dial connects to the store daemon. An empty path uses the default socket,
// overridable through the VUSBD_XENSTORED_SOCKET environment variable.
func Dial(path string) (*SocketClient, error) {
	if path == "" {
		path = os.Getenv("VUSBD_XENSTORED_SOCKET")
	}

	if path == "" {
		path = SocketPath
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("Failed to connect to the shared store at %q: %w", path, err)
	}

	c := &SocketClient{
		conn:    conn,
		pending: map[uint32]*pendingReply{},
		watchCh: make(chan WatchEvent, 64),
		closed:  make(chan struct{}),
	}

	go c.reader()

	return c, nil
}

// reader demultiplexes replies and watch events coming off the socket.
func (c *SocketClient) reader() {
	for {
		var hdr wireHeader

		err := binary.Read(c.conn, binary.LittleEndian, &hdr)
		if err != nil {
			c.fail(err)
			return
		}

		payload := make([]byte, hdr.Length)
		_, err = io.ReadFull(c.conn, payload)
		if err != nil {
			c.fail(err)
			return
		}

		if hdr.Type == opWatchEvent {
			parts := splitPayload(payload)
			if len(parts) >= 2 {
				select {
				case c.watchCh <- WatchEvent{Path: parts[0], Token: parts[1]}:
				default:
					// Watchers drain on wakeup, a full queue only
					// ever drops coalesced duplicates.
					logger.Debug("Shared store watch queue full, dropping event", logger.Ctx{"path": parts[0]})
				}
			}

			continue
		}

		c.mu.Lock()
		p := c.pending[hdr.ReqID]
		delete(c.pending, hdr.ReqID)
		c.mu.Unlock()

		if p != nil {
			p.ch <- wireReply{op: hdr.Type, payload: payload}
		}
	}
}

// fail terminates all outstanding requests after a connection error.
func (c *SocketClient) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	for id, p := range c.pending {
		delete(c.pending, id)
		close(p.ch)
	}
}

// roundTrip sends one request and waits for its reply.
func (c *SocketClient) roundTrip(op uint32, args ...string) ([]byte, error) {
	return c.roundTripRaw(op, joinPayload(args))
}

func (c *SocketClient) roundTripRaw(op uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, fmt.Errorf("Shared store connection is closed")
	default:
	}

	c.reqID++
	id := c.reqID
	p := &pendingReply{ch: make(chan wireReply, 1)}
	c.pending[id] = p

	hdr := wireHeader{Type: op, ReqID: id, TxID: c.txID, Length: uint32(len(payload))}
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, hdr)
	buf.Write(payload)

	_, err := c.conn.Write(buf.Bytes())
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("Failed to write to the shared store: %w", err)
	}

	reply, ok := <-p.ch
	if !ok {
		return nil, fmt.Errorf("Shared store connection lost")
	}

	if reply.op == opError {
		return nil, wireError(reply.payload)
	}

	return reply.payload, nil
}

// wireError maps the store's errno-name payloads onto the package errors.
func wireError(payload []byte) error {
	name := strings.TrimRight(string(payload), "\x00")
	switch name {
	case "ENOENT":
		return ErrNotFound
	case "EAGAIN":
		return ErrAgain
	}

	return fmt.Errorf("Shared store error: %s", name)
}

func joinPayload(args []string) []byte {
	buf := &bytes.Buffer{}
	for _, arg := range args {
		buf.WriteString(arg)
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func splitPayload(payload []byte) []string {
	parts := strings.Split(strings.TrimRight(string(payload), "\x00"), "\x00")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}

	return parts
}

// Read returns the value of a key.
func (c *SocketClient) Read(path string) (string, error) {
	payload, err := c.roundTrip(opRead, path)
	if err != nil {
		return "", err
	}

	return string(payload), nil
}

// Write sets the value of a key.
func (c *SocketClient) Write(path string, value string) error {
	// The path is NUL terminated, the value is raw trailing data.
	_, err := c.roundTripRaw(opWrite, append(append([]byte(path), 0), []byte(value)...))
	return err
}

// Mkdir creates a directory node.
func (c *SocketClient) Mkdir(path string) error {
	_, err := c.roundTrip(opMkdir, path)
	return err
}

// SetPermissions replaces the permissions of a node.
func (c *SocketClient) SetPermissions(path string, perms []Permission) error {
	args := []string{path}
	for _, perm := range perms {
		args = append(args, perm.String())
	}

	_, err := c.roundTrip(opSetPerms, args...)
	return err
}

// Remove deletes a node and all its children.
func (c *SocketClient) Remove(path string) error {
	_, err := c.roundTrip(opRm, path)
	return err
}

// List returns the names of the children of a node.
func (c *SocketClient) List(path string) ([]string, error) {
	payload, err := c.roundTrip(opDirectory, path)
	if err != nil {
		return nil, err
	}

	return splitPayload(payload), nil
}

// Watch registers a watch on a node.
func (c *SocketClient) Watch(path string, token string) error {
	_, err := c.roundTrip(opWatch, path, token)
	return err
}

// Unwatch removes a previously registered watch.
func (c *SocketClient) Unwatch(path string, token string) error {
	_, err := c.roundTrip(opUnwatch, path, token)
	return err
}

// WatchEvents returns the channel carrying watch notifications.
func (c *SocketClient) WatchEvents() <-chan WatchEvent {
	return c.watchCh
}

// TransactionStart opens a transaction.
func (c *SocketClient) TransactionStart() error {
	payload, err := c.roundTrip(opTransactionStart, "")
	if err != nil {
		return err
	}

	id, err := strconv.ParseUint(strings.TrimRight(string(payload), "\x00"), 10, 32)
	if err != nil {
		return fmt.Errorf("Invalid transaction ID from the shared store: %w", err)
	}

	c.mu.Lock()
	c.txID = uint32(id)
	c.mu.Unlock()

	return nil
}

// TransactionEnd closes the current transaction.
func (c *SocketClient) TransactionEnd(commit bool) error {
	arg := "F"
	if commit {
		arg = "T"
	}

	_, err := c.roundTrip(opTransactionEnd, arg)

	c.mu.Lock()
	c.txID = 0
	c.mu.Unlock()

	return err
}

// GetDomainPath returns the store path of a domain's tree.
func (c *SocketClient) GetDomainPath(domid int) string {
	payload, err := c.roundTrip(opGetDomainPath, strconv.Itoa(domid))
	if err != nil {
		// The store computes the path without consulting the domain,
		// failure means the connection itself is gone.
		return fmt.Sprintf("/local/domain/%d", domid)
	}

	return strings.TrimRight(string(payload), "\x00")
}

// Close releases the connection.
func (c *SocketClient) Close() error {
	c.fail(nil)
	return c.conn.Close()
}
