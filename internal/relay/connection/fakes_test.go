package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/quantumauth-io/walletlink-client/internal/cipher"
	"github.com/quantumauth-io/walletlink-client/internal/constants"
)

const testSecret = "c356fe708ea7bbf7b1cc9ff9813c32772b6e0d16332da4c031ba9ea88be9b5ed"

type testCreds struct{}

func (testCreds) ID() string  { return "0123456789abcdef0123456789abcdef" }
func (testCreds) Key() string { return "derived-key" }

// responder answers a client frame; returning "" sends nothing.
type responder func(msgType string, id int64, frame string) string

type fakeSocket struct {
	url      string
	respond  responder
	incoming chan string
	closed   chan struct{}
	once     sync.Once

	mu     sync.Mutex
	writes []string
}

func (s *fakeSocket) Open(context.Context) error { return nil }

func (s *fakeSocket) Read() (string, error) {
	select {
	case f := <-s.incoming:
		return f, nil
	case <-s.closed:
		return "", io.EOF
	}
}

func (s *fakeSocket) Write(frame string) error {
	select {
	case <-s.closed:
		return errors.New("closed")
	default:
	}
	s.mu.Lock()
	s.writes = append(s.writes, frame)
	s.mu.Unlock()

	if s.respond == nil || frame == "h" {
		return nil
	}
	var head struct {
		Type string `json:"type"`
		ID   int64  `json:"id"`
	}
	_ = json.Unmarshal([]byte(frame), &head)
	if reply := s.respond(head.Type, head.ID, frame); reply != "" {
		s.incoming <- reply
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) push(frame string) { s.incoming <- frame }

// drop simulates the server closing the socket.
func (s *fakeSocket) drop() { _ = s.Close() }

func (s *fakeSocket) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *fakeSocket) writtenTypes() []string {
	var out []string
	for _, f := range s.written() {
		if f == "h" {
			out = append(out, "h")
			continue
		}
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal([]byte(f), &head)
		out = append(out, head.Type)
	}
	return out
}

type fakeRelay struct {
	respond responder

	mu      sync.Mutex
	sockets []*fakeSocket
}

func (r *fakeRelay) factory(url string) Socket {
	s := &fakeSocket{url: url, respond: r.respond, incoming: make(chan string, 64), closed: make(chan struct{})}
	r.mu.Lock()
	r.sockets = append(r.sockets, s)
	r.mu.Unlock()
	return s
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

func (r *fakeRelay) socket(i int) *fakeSocket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sockets[i]
}

// okRelay accepts the host session, reports the given link state, and acknowledges
// everything else.
func okRelay(linked bool) responder {
	return func(msgType string, id int64, _ string) string {
		switch msgType {
		case "HostSession", "SetSessionConfig":
			return reply(map[string]any{"type": "OK", "id": id, "sessionId": testCreds{}.ID()})
		case "IsLinked":
			return reply(map[string]any{"type": "IsLinkedOK", "id": id, "linked": linked, "onlineGuests": 0})
		case "GetSessionConfig":
			return reply(map[string]any{"type": "GetSessionConfigOK", "id": id, "metadata": map[string]string{}})
		case "PublishEvent":
			return reply(map[string]any{"type": "PublishEventOK", "id": id, "eventId": "ev-1"})
		}
		return ""
	}
}

// authOnly accepts the host session and ignores everything else, so no reply can
// arrive late and touch the heartbeat clock.
func authOnly(msgType string, id int64, _ string) string {
	if msgType == "HostSession" {
		return reply(map[string]any{"type": "OK", "id": id})
	}
	return ""
}

func reply(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type fakeEvents struct {
	calls  atomic.Int32
	events []Event
}

func (f *fakeEvents) FetchUnseenEvents(context.Context) ([]Event, error) {
	f.calls.Add(1)
	return f.events, nil
}

type harness struct {
	conn   *Connection
	clock  *clock.Mock
	relay  *fakeRelay
	events *fakeEvents
	cipher *cipher.AESGCM

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, respond responder) *harness {
	t.Helper()
	c, err := cipher.New(testSecret)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	h := &harness{
		clock:  mock,
		relay:  &fakeRelay{respond: respond},
		events: &fakeEvents{},
		cipher: c,
	}
	h.conn = New(testCreds{}, Options{
		LinkAPIURL: "https://relay.test/",
		Cipher:     c,
		Sockets:    h.relay.factory,
		Events:     h.events,
		Clock:      h.clock,
	})
	h.conn.OnStateChange(func(s State) {
		h.mu.Lock()
		h.states = append(h.states, s)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) seenStates() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// connectAndAuth connects and waits until authentication has finished.
func (h *harness) connectAndAuth(t *testing.T) *fakeSocket {
	t.Helper()
	require.NoError(t, h.conn.Connect(context.Background()))
	before := h.events.calls.Load()
	require.Eventually(t, func() bool { return h.events.calls.Load() > before }, time.Second, time.Millisecond)
	return h.relay.socket(h.relay.count() - 1)
}

func (h *harness) encrypt(t *testing.T, plain string) string {
	t.Helper()
	out, err := h.cipher.Encrypt(plain)
	require.NoError(t, err)
	return out
}

func hasType(types []string, want string) bool {
	for _, ty := range types {
		if strings.EqualFold(ty, want) {
			return true
		}
	}
	return false
}

// heartbeats counts the heartbeat frames written to sock.
func heartbeats(sock *fakeSocket) int {
	n := 0
	for _, ty := range sock.writtenTypes() {
		if ty == "h" {
			n++
		}
	}
	return n
}

// tick advances the clock by one heartbeat interval and waits until the heartbeat
// has gone out, which also means the next one is scheduled.
func (h *harness) tick(t *testing.T, sock *fakeSocket) {
	t.Helper()
	want := heartbeats(sock) + 1
	h.clock.Add(constants.HeartbeatInterval)
	require.Eventually(t, func() bool { return heartbeats(sock) == want }, time.Second, time.Millisecond)
}
