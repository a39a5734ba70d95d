package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/sipeed/onebridge/pkg/logger"
)

// State is the connection lifecycle state of a Socket.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Reconnection policy defaults.
const (
	DefaultReconnectBase = 3 * time.Second
	DefaultReconnectMax  = 60 * time.Second
	DefaultMaxAttempts   = 10
	defaultDialTimeout   = 15 * time.Second
	reconnectMultiplier  = 1.5
)

// ErrReconnectExhausted is the terminal error reported when the
// reconnect attempt budget runs out. The socket stays down until an
// external restart.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// SocketConfig configures one persistent connection.
type SocketConfig struct {
	URL           string
	Token         string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
}

func (c *SocketConfig) applyDefaults() {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// SocketHandlers are the owner's callbacks. OnMessage receives raw
// message-event frames in arrival order; OnResponse receives decoded
// action responses; OnClosed fires on every unintentional close before
// a reconnect is scheduled; OnTerminal fires once when reconnection is
// given up.
type SocketHandlers struct {
	OnOpen     func(*Socket)
	OnMessage  func([]byte)
	OnResponse func(*ActionResponse)
	OnClosed   func()
	OnTerminal func(error)
}

// Socket manages one persistent connection to the IM endpoint: connect,
// demux inbound frames, reconnect with capped exponential backoff.
type Socket struct {
	cfg      SocketConfig
	handlers SocketHandlers
	tag      string

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	attempts int
	bo       *backoff.ExponentialBackOff

	stopOnce sync.Once
}

// NewSocket builds a socket; tag names the owning account in logs.
func NewSocket(cfg SocketConfig, tag string, handlers SocketHandlers) *Socket {
	cfg.applyDefaults()
	return &Socket{
		cfg:      cfg,
		handlers: handlers,
		tag:      tag,
		bo:       newReconnectBackoff(cfg.ReconnectBase, cfg.ReconnectMax),
	}
}

// newReconnectBackoff builds the deterministic reconnect schedule:
// base, base*1.5, base*1.5^2, ... capped at max per attempt.
func newReconnectBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = reconnectMultiplier
	bo.MaxInterval = max
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// State returns the current lifecycle state.
func (s *Socket) State() State {
	return State(s.state.Load())
}

// Start launches the connection machinery. It returns immediately; the
// first connection attempt happens on the socket's own goroutine.
func (s *Socket) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run()
}

// Stop closes the connection intentionally. Idempotent; guarantees no
// further reconnect attempts or handler callbacks fire afterwards.
func (s *Socket) Stop() {
	s.stopOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		if s.cancel != nil {
			s.cancel()
		}
		s.closeConn()
		if s.done != nil {
			<-s.done
		}
		s.state.Store(int32(StateDisconnected))
	})
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

func (s *Socket) run() {
	defer close(s.done)

	for {
		if s.State() == StateClosing {
			return
		}
		s.state.Store(int32(StateConnecting))

		conn, err := s.dial()
		if err != nil {
			if s.State() == StateClosing {
				return
			}
			s.state.Store(int32(StateDisconnected))
			logger.WarnCF(s.tag, "Socket connect failed", map[string]interface{}{
				"url":   s.cfg.URL,
				"error": err.Error(),
			})
			if !s.waitReconnect() {
				return
			}
			continue
		}

		s.setConn(conn)
		s.resetReconnect()
		s.state.Store(int32(StateConnected))
		logger.InfoCF(s.tag, "Socket connected", map[string]interface{}{
			"url": s.cfg.URL,
		})

		if s.handlers.OnOpen != nil {
			s.handlers.OnOpen(s)
		}

		s.readLoop(conn)
		s.clearConn()

		if s.State() == StateClosing {
			return
		}
		s.state.Store(int32(StateDisconnected))
		logger.WarnC(s.tag, "Socket connection lost")
		if s.handlers.OnClosed != nil {
			s.handlers.OnClosed()
		}
		if !s.waitReconnect() {
			return
		}
	}
}

func (s *Socket) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	ctx, cancel := context.WithTimeout(s.ctx, defaultDialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", s.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// nextReconnectDelay advances the attempt counter and returns the delay
// before the next attempt, or false when the budget is exhausted.
func (s *Socket) nextReconnectDelay() (time.Duration, bool) {
	s.attempts++
	if s.attempts > s.cfg.MaxAttempts {
		return 0, false
	}
	return s.bo.NextBackOff(), true
}

func (s *Socket) resetReconnect() {
	s.attempts = 0
	s.bo.Reset()
}

// waitReconnect sleeps until the next attempt is due. Returns false
// when the socket should give up (stopped or budget exhausted).
func (s *Socket) waitReconnect() bool {
	delay, ok := s.nextReconnectDelay()
	if !ok {
		logger.ErrorCF(s.tag, "Giving up on reconnection", map[string]interface{}{
			"attempts": s.attempts - 1,
		})
		if s.handlers.OnTerminal != nil {
			s.handlers.OnTerminal(ErrReconnectExhausted)
		}
		return false
	}

	logger.InfoCF(s.tag, "Reconnecting", map[string]interface{}{
		"attempt": s.attempts,
		"delay":   delay.String(),
	})

	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// ---------------------------------------------------------------------------
// Frame handling
// ---------------------------------------------------------------------------

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.State() != StateClosing {
				logger.DebugCF(s.tag, "Socket read error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
		s.dispatch(data)
	}
}

func (s *Socket) dispatch(data []byte) {
	switch ClassifyFrame(data) {
	case FrameInvalid:
		logger.WarnCF(s.tag, "Dropping unparseable frame", map[string]interface{}{
			"size": len(data),
		})

	case FrameResponse:
		var resp ActionResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logger.WarnCF(s.tag, "Dropping malformed response frame", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if s.handlers.OnResponse != nil {
			s.handlers.OnResponse(&resp)
		}

	case FrameMessage:
		if s.handlers.OnMessage != nil {
			s.handlers.OnMessage(data)
		}

	case FrameMeta:
		var meta MetaEvent
		if err := json.Unmarshal(data, &meta); err == nil {
			logger.DebugCF(s.tag, "Meta event", map[string]interface{}{
				"type":     meta.MetaEventType,
				"sub_type": meta.SubType,
			})
		}

	case FrameOther:
		logger.DebugC(s.tag, "Ignoring unhandled event frame")
	}
}

// ---------------------------------------------------------------------------
// Frame writing
// ---------------------------------------------------------------------------

func (s *Socket) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Socket) clearConn() {
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *Socket) closeConn() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// WriteFrame sends one JSON frame over the live connection. Fails with
// ErrSocketClosed when the socket is not connected.
func (s *Socket) WriteFrame(v any) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil || s.State() != StateConnected {
		return ErrSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}
