package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/protocol"
)

// Backend is the host engine the server exposes.
type Backend interface {
	game.Provider
	game.Launcher
	ListServers(ctx context.Context) ([]game.ServerState, error)
}

type Server struct {
	backend Backend
	engine  string
	log     *zap.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
}

func NewServer(b Backend, engine string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		backend: b,
		engine:  engine,
		log:     logger,
		conns:   map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

const maxInflight = 32

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		defer s.untrack(conn)

		session := s.handshake(conn)
		if session == "" {
			return
		}
		log := s.log.With(zap.String("session_id", session))
		log.Info("controller connected", zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, maxInflight)

		// Writer goroutine.
		go func() {
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

		// Reader loop. Requests are served in arrival order; the controller
		// may idle for a whole batch cycle, so there is no read deadline.
		_ = conn.SetReadDeadline(time.Time{})
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			resp := s.serve(ctx, msg)
			b, err := json.Marshal(resp)
			if err != nil {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				break
			}
		}
		log.Info("controller disconnected")
	}
}

// Close drops every live session. Handlers started afterwards are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := s.conns
	s.conns = map[*websocket.Conn]struct{}{}
	s.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

func (s *Server) track(c *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return ""
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		Engine:          s.engine,
		ServerCapabilities: protocol.ServerCapabilities{
			Ops:         protocol.Ops,
			MaxInflight: maxInflight,
		},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return welcome.SessionID
}

func (s *Server) serve(ctx context.Context, msg []byte) protocol.RespMsg {
	var req protocol.ReqMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		return protocol.NewErrResp(0, protocol.ErrProtoBadRequest, "malformed json")
	}
	if req.Type != protocol.TypeReq {
		return protocol.NewErrResp(req.ID, protocol.ErrProtoBadRequest, "expected REQ")
	}
	if req.ProtocolVersion != protocol.Version {
		return protocol.NewErrResp(req.ID, protocol.ErrProtoBadRequest, "bad protocol_version")
	}

	result, code, err := s.dispatch(ctx, req)
	if err != nil {
		if code == "" {
			code = codeFor(err)
		}
		s.log.Debug("request failed", zap.String("op", req.Op), zap.String("code", code), zap.Error(err))
		return protocol.NewErrResp(req.ID, code, err.Error())
	}
	resp, err := protocol.NewResp(req.ID, result)
	if err != nil {
		return protocol.NewErrResp(req.ID, protocol.ErrInternal, err.Error())
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req protocol.ReqMsg) (any, string, error) {
	switch req.Op {
	case protocol.OpServerState:
		v, err := s.backend.ServerState(ctx, req.Target)
		return v, "", err
	case protocol.OpHostCapacity:
		v, err := s.backend.HostCapacity(ctx, req.Host)
		return v, "", err
	case protocol.OpPlayerState:
		v, err := s.backend.PlayerState(ctx)
		return v, "", err
	case protocol.OpListServers:
		v, err := s.backend.ListServers(ctx)
		return protocol.ListServersResult{Servers: v}, "", err
	case protocol.OpIsAlive:
		ok, err := s.backend.IsAlive(ctx, game.Handle(req.Handle))
		return protocol.AliveResult{Alive: ok}, "", err
	case protocol.OpExec:
		kind, err := game.ParsePhaseKind(req.Kind)
		if err != nil {
			return nil, protocol.ErrBadRequest, err
		}
		h, err := s.backend.Launch(ctx, game.LaunchRequest{
			Kind:        kind,
			Host:        req.Host,
			Threads:     req.Threads,
			Target:      req.Target,
			StartOffset: time.Duration(req.StartOffsetMs) * time.Millisecond,
		})
		return protocol.ExecResult{Handle: int(h)}, "", err
	}
	return nil, protocol.ErrUnknownOp, errors.New("unknown op " + req.Op)
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, game.ErrUnknownServer):
		return protocol.ErrUnknownServer
	case errors.Is(err, game.ErrUnknownHost):
		return protocol.ErrUnknownHost
	}
	return protocol.ErrInternal
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
