package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"hwgw.ai/internal/game"
	"hwgw.ai/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected to host engine")
	ErrClosed       = errors.New("client closed")
)

type ClientConfig struct {
	URL  string
	Name string
	// Timeout bounds one request round trip. Defaults to 5s.
	Timeout time.Duration
	// RatePerSec caps outgoing requests; zero disables the limiter.
	RatePerSec float64
	Burst      int
	Logger     *zap.Logger
}

// Client is a game.Provider and game.Launcher backed by a remote host
// engine. It reconnects on its own; calls made while disconnected fail fast
// with ErrNotConnected.
type Client struct {
	cfg     ClientConfig
	log     *zap.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	welcome   protocol.WelcomeMsg
	lastErr   string
	pending   map[uint64]chan protocol.RespMsg

	nextID  atomic.Uint64
	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type ClientStatus struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
	Engine    string `json:"engine,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Dial starts the connection loop and waits for the first WELCOME.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("ws: empty url")
	}
	if cfg.Name == "" {
		cfg.Name = "hwgw-controller"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger.With(zap.String("url", cfg.URL)),
		pending: map[uint64]chan protocol.RespMsg{},
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	go c.run()

	select {
	case <-c.ready:
		return c, nil
	case <-ctx.Done():
		st := c.Status()
		c.Close()
		if st.LastError != "" {
			return nil, fmt.Errorf("dial %s: %w (last error: %s)", cfg.URL, ctx.Err(), st.LastError)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, ctx.Err())
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.disconnect(ErrClosed)
		<-c.done
	})
}

func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStatus{
		Connected: c.connected,
		SessionID: c.welcome.SessionID,
		Engine:    c.welcome.Engine,
		LastError: c.lastErr,
	}
}

func (c *Client) ServerState(ctx context.Context, target string) (game.ServerState, error) {
	var out game.ServerState
	err := c.call(ctx, protocol.ReqMsg{Op: protocol.OpServerState, Target: target}, &out)
	return out, err
}

func (c *Client) HostCapacity(ctx context.Context, host string) (game.HostCapacity, error) {
	var out game.HostCapacity
	err := c.call(ctx, protocol.ReqMsg{Op: protocol.OpHostCapacity, Host: host}, &out)
	return out, err
}

func (c *Client) PlayerState(ctx context.Context) (game.PlayerState, error) {
	var out game.PlayerState
	err := c.call(ctx, protocol.ReqMsg{Op: protocol.OpPlayerState}, &out)
	return out, err
}

func (c *Client) ListServers(ctx context.Context) ([]game.ServerState, error) {
	var out protocol.ListServersResult
	err := c.call(ctx, protocol.ReqMsg{Op: protocol.OpListServers}, &out)
	return out.Servers, err
}

func (c *Client) Launch(ctx context.Context, req game.LaunchRequest) (game.Handle, error) {
	var out protocol.ExecResult
	err := c.call(ctx, protocol.ReqMsg{
		Op:            protocol.OpExec,
		Kind:          req.Kind.String(),
		Host:          req.Host,
		Threads:       req.Threads,
		Target:        req.Target,
		StartOffsetMs: req.StartOffset.Milliseconds(),
	}, &out)
	return game.Handle(out.Handle), err
}

func (c *Client) IsAlive(ctx context.Context, h game.Handle) (bool, error) {
	var out protocol.AliveResult
	err := c.call(ctx, protocol.ReqMsg{Op: protocol.OpIsAlive, Handle: int(h)}, &out)
	return out.Alive, err
}

func (c *Client) call(ctx context.Context, req protocol.ReqMsg, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", req.Op, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req.Type = protocol.TypeReq
	req.ProtocolVersion = protocol.Version
	req.ID = c.nextID.Add(1)
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan protocol.RespMsg, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", req.Op, ErrNotConnected)
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer c.forget(req.ID)

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err = conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", req.Op, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", req.Op, ErrNotConnected)
		}
		if !resp.OK {
			return respError(req.Op, resp)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", req.Op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", req.Op, ctx.Err())
	case <-c.stop:
		return fmt.Errorf("%s: %w", req.Op, ErrClosed)
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// respError keeps lookup failures comparable with errors.Is across the wire.
func respError(op string, resp protocol.RespMsg) error {
	perr := &protocol.Error{Op: op, Code: resp.Code, Message: resp.Message}
	switch resp.Code {
	case protocol.ErrUnknownServer:
		return fmt.Errorf("%w: %w", game.ErrUnknownServer, perr)
	case protocol.ErrUnknownHost:
		return fmt.Errorf("%w: %w", game.ErrUnknownHost, perr)
	}
	return perr
}

func (c *Client) disconnect(cause error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	if cause != nil {
		c.lastErr = cause.Error()
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) run() {
	defer close(c.done)

	backoff := 200 * time.Millisecond
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := c.connectAndReadLoop()
		select {
		case <-c.stop:
			return
		default:
		}
		c.disconnect(err)
		c.log.Warn("host engine connection lost", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-c.stop:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (c *Client) connectAndReadLoop() error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(c.cfg.URL, http.Header{})
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      c.cfg.Name,
		Capabilities:    protocol.HelloCapabilities{MaxInflight: 1},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return err
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return fmt.Errorf("expected WELCOME")
	}
	if w.ProtocolVersion != protocol.Version {
		_ = conn.Close()
		return fmt.Errorf("unsupported protocol_version %q", w.ProtocolVersion)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	select {
	case <-c.stop:
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.connected = true
	c.welcome = w
	c.lastErr = ""
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	c.log.Info("connected to host engine", zap.String("session_id", w.SessionID), zap.String("engine", w.Engine))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var r protocol.RespMsg
		if err := json.Unmarshal(msg, &r); err != nil || r.Type != protocol.TypeResp {
			continue
		}
		c.mu.Lock()
		ch := c.pending[r.ID]
		delete(c.pending, r.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- r
		}
	}
}
