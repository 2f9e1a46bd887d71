package http

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/walletlink-client/internal/provider"
)

const (
	eventsBuffer       = 64
	eventsWriteTimeout = 10 * time.Second
	eventsPingInterval = 30 * time.Second
)

var streamedEvents = []string{
	provider.EventConnect,
	provider.EventDisconnect,
	provider.EventAccountsChanged,
	provider.EventChainChanged,
	provider.EventMessage,
}

type eventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(allowedOrigins, normalizeOrigin(origin))
		},
	}
}

// Events streams provider events to a websocket until either side goes away. A
// client that falls behind by more than eventsBuffer frames is dropped.
func (h *Handler) Events(upgrader *websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn("events upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		frames := make(chan eventFrame, eventsBuffer)
		overflow := make(chan struct{})
		var overflowOnce sync.Once
		offs := make([]func(), 0, len(streamedEvents))
		for _, name := range streamedEvents {
			offs = append(offs, h.provider.On(name, func(payload any) {
				select {
				case frames <- eventFrame{Event: name, Payload: payload}:
				default:
					overflowOnce.Do(func() { close(overflow) })
				}
			}))
		}
		defer func() {
			for _, off := range offs {
				off()
			}
		}()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(eventsPingInterval)
		defer ping.Stop()
		for {
			select {
			case f := <-frames:
				_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
				if err := conn.WriteJSON(f); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
					return
				}
			case <-overflow:
				log.Warn("events client too slow, closing", "remote", c.Request.RemoteAddr)
				return
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
