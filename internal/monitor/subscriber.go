package monitor

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn abstracts a WebSocket connection for testability.
// This interface is satisfied by *websocket.Conn from gorilla/websocket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// subscriber is one feed connection. Events are queued and written by a
// single goroutine; a subscriber that falls behind loses events.
type subscriber struct {
	ID          string
	ConnectedAt time.Time

	conn    Conn
	queue   chan []byte
	dropped int

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSubscriber(conn Conn, queueSize int) *subscriber {
	return &subscriber{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
		queue:       make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
}

// Send queues an event without blocking. It reports false if the event was
// dropped.
func (s *subscriber) Send(ev *Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- data:
		return true
	default:
		s.dropped++
		return false
	}
}

// writeLoop drains the queue and pings every pingInterval until Close
func (s *subscriber) writeLoop(writeTimeout, pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Close closes the connection
func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return s.conn.Close()
}

// Dropped returns how many events were lost to a full queue
func (s *subscriber) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// IsClosed returns whether the connection is closed
func (s *subscriber) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
