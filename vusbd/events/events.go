// Package events broadcasts daemon notifications to connected listeners.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
)

// Server is the daemon side of the events socket.
type Server struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

// NewServer returns a new event server.
func NewServer() *Server {
	return &Server{listeners: map[string]*Listener{}}
}

// AddListener attaches a websocket connection as an event listener,
// filtered to the given event types (nil for all).
func (s *Server) AddListener(conn *websocket.Conn, types []string) (*Listener, error) {
	listener := &Listener{
		id:     uuid.New().String(),
		conn:   conn,
		types:  types,
		active: make(chan struct{}),
	}

	s.mu.Lock()
	s.listeners[listener.id] = listener
	s.mu.Unlock()

	go listener.heartbeat(s)

	return listener, nil
}

// Send broadcasts an event to every interested listener.
func (s *Server) Send(eventType string, metadata any) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("Failed to encode event metadata: %w", err)
	}

	event := api.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Metadata:  encoded,
	}

	s.mu.Lock()
	listeners := make([]*Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		listeners = append(listeners, listener)
	}
	s.mu.Unlock()

	for _, listener := range listeners {
		if !listener.wants(eventType) {
			continue
		}

		err := listener.write(event)
		if err != nil {
			logger.Debug("Disconnecting stale event listener", logger.Ctx{"listener": listener.id, "err": err})
			s.remove(listener)
		}
	}

	return nil
}

// SendLifecycle broadcasts a lifecycle event.
func (s *Server) SendLifecycle(action string, ctx map[string]any) {
	err := s.Send(api.EventTypeLifecycle, api.EventLifecycle{Action: action, Context: ctx})
	if err != nil {
		logger.Warn("Failed to broadcast lifecycle event", logger.Ctx{"action": action, "err": err})
	}
}

func (s *Server) remove(listener *Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found := s.listeners[listener.id]
	if !found {
		return
	}

	delete(s.listeners, listener.id)
	close(listener.active)
	_ = listener.conn.Close()
}

// Listener is one connected event consumer.
type Listener struct {
	id     string
	conn   *websocket.Conn
	types  []string
	active chan struct{}

	writeMu sync.Mutex
}

func (l *Listener) wants(eventType string) bool {
	if len(l.types) == 0 {
		return true
	}

	for _, t := range l.types {
		if t == eventType {
			return true
		}
	}

	return false
}

func (l *Listener) write(event api.Event) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	return l.conn.WriteJSON(event)
}

// heartbeat detects dead peers so that Send doesn't accumulate them.
func (l *Listener) heartbeat(s *Server) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-l.active:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			l.writeMu.Unlock()
			if err != nil {
				s.remove(l)
				return
			}
		}
	}
}

// Wait blocks until the listener disconnects or the context ends.
func (l *Listener) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-l.active:
	}
}
