// Package notify streams ledger fallback alerts to operators over a
// loopback-only websocket.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blastguard.ai/internal/protocol"
	"blastguard.ai/internal/telemetry"
)

type Server struct {
	hub *telemetry.Hub
	log *slog.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(hub *telemetry.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.Validate(msg)
		if err != nil || base.Type != protocol.TypeSubscribe || base.ProtocolVersion != protocol.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		var sub protocol.SubscribeMsg
		_ = json.Unmarshal(msg, &sub)
		normalizeSubscribe(&sub)

		sid := fmt.Sprintf("N%d", s.nextID.Add(1))
		events, unsubscribe := s.hub.Subscribe(sub.Buffer)
		defer unsubscribe()
		log := s.log.With("session", sid)
		log.Info("operator subscribed", "buffer", sub.Buffer)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case n, ok := <-events:
					if !ok {
						writeErr <- nil
						return
					}
					b, err := json.Marshal(fallbackMsg(n))
					if err != nil {
						log.Error("encode fallback", "err", err)
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: the stream is one-way; reads only detect the close.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("operator unsubscribed")
	}
}

func fallbackMsg(n telemetry.Notification) protocol.FallbackMsg {
	ev := n.Event
	return protocol.FallbackMsg{
		Type:            protocol.TypeFallback,
		ProtocolVersion: protocol.Version,
		IncidentID:      ev.ID,
		At:              ev.At,
		World:           ev.Coord.World,
		Pos:             [3]int{ev.Coord.X, ev.Coord.Y, ev.Coord.Z},
		Kind:            string(ev.Kind),
		Error:           ev.Err,
		Suppressed:      n.Suppressed,
	}
}

func normalizeSubscribe(sub *protocol.SubscribeMsg) {
	if sub.Buffer <= 0 {
		sub.Buffer = 64
	}
	if sub.Buffer > 4096 {
		sub.Buffer = 4096
	}
}

// IsLoopbackRemote reports whether a request's RemoteAddr is a loopback
// address. Operator endpoints are refused for everything else.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
