package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrSocketNotOpen = errors.New("websocket not connected")

// Socket is one WebSocket attempt. A closed Socket is never reopened; the connection
// asks the factory for a fresh one.
type Socket interface {
	Open(ctx context.Context) error
	// Read blocks until the next text frame or until the socket closes.
	Read() (string, error)
	Write(frame string) error
	Close() error
}

type SocketFactory func(url string) Socket

// GorillaSockets dials with websocket.DefaultDialer.
func GorillaSockets(url string) Socket {
	return NewGorillaSocket(url, websocket.DefaultDialer)
}

type GorillaSocket struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewGorillaSocket(url string, dialer *websocket.Dialer) *GorillaSocket {
	return &GorillaSocket{url: websocketURL(url), dialer: dialer}
}

// websocketURL maps http(s) to ws(s).
func websocketURL(u string) string {
	if strings.HasPrefix(u, "http") {
		return "ws" + strings.TrimPrefix(u, "http")
	}
	return u
}

func (s *GorillaSocket) Open(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *GorillaSocket) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *GorillaSocket) Read() (string, error) {
	conn := s.current()
	if conn == nil {
		return "", ErrSocketNotOpen
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *GorillaSocket) Write(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrSocketNotOpen
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *GorillaSocket) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
