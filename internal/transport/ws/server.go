// Package ws serves the host connection: the game server sends each explosion
// block list and operator command here and waits for the verdict.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blastguard.ai/internal/admin"
	"blastguard.ai/internal/explosion"
	"blastguard.ai/internal/guard"
	"blastguard.ai/internal/ledger"
	"blastguard.ai/internal/protocol"
	"blastguard.ai/internal/transport/notify"
)

// Guard is the service a host session drives.
type Guard interface {
	Filter(ctx context.Context, ev *explosion.Event) []explosion.Block
	Command(ctx context.Context, s admin.Sender, args []string) admin.Reply
	State(ctx context.Context) guard.State
}

type Options struct {
	// Token is the shared host secret expected in HELLO. When empty, only
	// loopback hosts are accepted.
	Token  string
	Logger *slog.Logger
}

type Server struct {
	guard Guard
	token string
	log   *slog.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	sessions atomic.Int64
}

func NewServer(g Guard, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		guard: g,
		token: strings.TrimSpace(opts.Token),
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // hosts are not browsers
		},
	}
}

// Sessions is the number of connected hosts.
func (s *Server) Sessions() int64 { return s.sessions.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.token == "" && !notify.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, out := s.handshake(r.Context(), conn, r.RemoteAddr)
		if out == nil {
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		log := s.log.With("host", hello.HostName, "remote", r.RemoteAddr)
		log.Info("host connected", "host_version", hello.HostVersion)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Requests are answered in order; the host blocks on each
		// explosion until FILTERED arrives.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			reply := s.handle(ctx, log, msg)
			if reply == nil {
				continue
			}
			b, err := json.Marshal(reply)
			if err != nil {
				log.Error("encode reply", "err", err)
				b, _ = json.Marshal(protocol.NewError("", protocol.ErrInternal, "encode reply"))
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}

		cancel()
		<-done
		log.Info("host disconnected")
	}
}

func (s *Server) handle(ctx context.Context, log *slog.Logger, msg []byte) any {
	base, err := protocol.Validate(msg)
	if err != nil {
		code := protocol.ErrProtoBadRequest
		if errors.Is(err, protocol.ErrUnsupportedType) {
			code = protocol.ErrProtoUnsupported
		}
		log.Warn("rejected host message", "type", base.Type, "err", err)
		return protocol.NewError(base.ID, code, err.Error())
	}
	if base.ProtocolVersion != protocol.Version {
		return protocol.NewError(base.ID, protocol.ErrProtoBadVersion, "protocol_version must be "+protocol.Version)
	}

	switch base.Type {
	case protocol.TypeExplosion:
		var m protocol.ExplosionMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ID, protocol.ErrProtoBadRequest, err.Error())
		}
		return s.explosion(ctx, m)
	case protocol.TypeCommand:
		var m protocol.CommandMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ID, protocol.ErrProtoBadRequest, err.Error())
		}
		return s.command(ctx, m)
	default:
		return protocol.NewError(base.ID, protocol.ErrProtoUnsupported, fmt.Sprintf("%s not accepted after HELLO", base.Type))
	}
}

func (s *Server) explosion(ctx context.Context, m protocol.ExplosionMsg) any {
	cause, err := explosion.ParseCause(m.Cause)
	if err != nil {
		return protocol.NewError(m.ID, protocol.ErrProtoBadRequest, err.Error())
	}
	ev := &explosion.Event{Cause: cause, Source: m.Source, Blocks: make([]explosion.Block, 0, len(m.Blocks))}
	for _, b := range m.Blocks {
		ev.Blocks = append(ev.Blocks, explosion.Block{
			Coord:    ledger.Coord{World: b.World, X: b.X, Y: b.Y, Z: b.Z},
			Material: b.Material,
		})
	}

	kept := s.guard.Filter(ctx, ev)
	resp := protocol.FilteredMsg{
		Type:            protocol.TypeFiltered,
		ProtocolVersion: protocol.Version,
		ID:              m.ID,
		Protected:       make([]protocol.BlockRef, 0, len(kept)),
		Remaining:       len(ev.Blocks),
	}
	for _, b := range kept {
		resp.Protected = append(resp.Protected, protocol.BlockRef{
			World: b.Coord.World, X: b.Coord.X, Y: b.Coord.Y, Z: b.Coord.Z, Material: b.Material,
		})
	}
	return resp
}

func (s *Server) command(ctx context.Context, m protocol.CommandMsg) any {
	sender := admin.Sender{
		Name:        m.Sender,
		Permissions: m.Permissions,
		Locale:      m.Locale,
	}
	reply := s.guard.Command(ctx, sender, m.Args)
	resp := protocol.CommandResultMsg{
		Type:            protocol.TypeCommandResult,
		ProtocolVersion: protocol.Version,
		ID:              m.ID,
		OK:              reply.OK(),
		Lines:           reply.Lines,
	}
	if resp.Lines == nil {
		resp.Lines = []string{}
	}
	switch {
	case reply.OK():
	case errors.Is(reply.Err, admin.ErrPermissionDenied):
		resp.Code = protocol.ErrNoPermission
	default:
		resp.Code = protocol.ErrBadRequest
	}
	return resp
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, remote string) (protocol.HelloMsg, chan []byte) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, nil
	}

	base, err := protocol.Validate(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return hello, nil
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return hello, nil
	}
	if s.token != "" && subtle.ConstantTimeCompare([]byte(hello.Token), []byte(s.token)) != 1 {
		s.log.Warn("host rejected: bad token", "host", hello.HostName, "remote", remote)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad token"), time.Now().Add(time.Second))
		return hello, nil
	}
	hello.HostName = strings.TrimSpace(hello.HostName)

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}

	st := s.guard.State(ctx)
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       fmt.Sprintf("H%d", s.nextID.Add(1)),
		Enabled:         st.Enabled,
		LedgerBackend:   st.Ledger.Name,
		LedgerAPI:       st.Ledger.APIVersion,
		CatalogDigest:   st.Catalog,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return hello, nil
	}
	return hello, make(chan []byte, maxQ)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
