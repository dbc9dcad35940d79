package stream

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/rforum/rforum-go/internal/observability"
	"github.com/rforum/rforum-go/internal/protocol/envelope"
)

// State is the connection lifecycle position of one Conn.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateAwaitingRetry
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAwaitingRetry:
		return "awaiting_retry"
	}
	return "unknown"
}

// StateHandler observes connection state transitions.
type StateHandler func(State)

const (
	sendQueueSize = 16
	readLimit     = 512 * 1024
)

// Conn owns at most one live websocket per session code and drives the
// connect/retry/heartbeat state machine. Connect, Send, and Close never
// block the caller; outcomes surface through dispatched events and
// state transitions.
type Conn struct {
	cfg     Config
	code    string
	url     string
	events  Handler
	logger  zerolog.Logger
	rng     *rand.Rand
	done    chan struct{}

	mu      sync.Mutex
	state   State
	stateFn StateHandler
	ws      *websocket.Conn
	out     chan []byte
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// NewConn builds a manager for one session code. The events handler
// receives every decoded frame; wire it to a Dispatcher.
func NewConn(cfg Config, code string, events Handler, logger zerolog.Logger) (*Conn, error) {
	cfg = cfg.WithDefaults()
	code = strings.TrimSpace(code)
	url, err := cfg.URL(code)
	if err != nil {
		return nil, err
	}
	return &Conn{
		cfg:    cfg,
		code:   code,
		url:    url,
		events: events,
		logger: logger.With().Str("session_code", code).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		done:   make(chan struct{}),
	}, nil
}

// OnStateChange registers the transition observer. Call before Connect.
func (c *Conn) OnStateChange(fn StateHandler) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection loop has fully stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Connect starts the connection loop. Calling it again while the loop
// is live is a no-op; calling it after Close is a no-op as well, a
// closed Conn is terminal.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Send enqueues one outgoing frame while Open and silently drops it
// otherwise. This is a best-effort control channel; nothing is buffered
// across disconnects.
func (c *Conn) Send(tag string, payload any) {
	c.mu.Lock()
	out := c.out
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || out == nil {
		c.logger.Debug().Str("tag", tag).Msg("send dropped: not open")
		return
	}
	raw, err := envelope.Encode(tag, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("tag", tag).Msg("send dropped: encode failed")
		return
	}
	select {
	case out <- raw:
	default:
		c.logger.Warn().Str("tag", tag).Msg("send dropped: queue full")
	}
}

// Close transitions to Closed terminally and synchronously cancels the
// retry and heartbeat timers so no late Connecting transition can ever
// follow.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	cancel := c.cancel
	ws := c.ws
	c.ws = nil
	c.out = nil
	fn := c.stateFn
	started := c.started
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !started {
		close(c.done)
	}
	observability.RecordStateTransition(StateClosed.String())
	if fn != nil {
		fn(StateClosed)
	}
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	attempt := 0
	for {
		if !c.setState(StateConnecting) {
			return
		}
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			observability.RecordStreamConnect("error")
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			if c.cfg.MaxConnectAttempts > 0 && attempt >= c.cfg.MaxConnectAttempts {
				c.logger.Error().Int("attempts", attempt).Msg("connect attempts exhausted")
				c.Close()
				return
			}
			if !c.setState(StateAwaitingRetry) {
				return
			}
			if !c.sleepBackoff(ctx, attempt) {
				return
			}
			continue
		}

		observability.RecordStreamConnect("ok")
		attempt = 0
		out := make(chan []byte, sendQueueSize)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = ws.Close(websocket.StatusNormalClosure, "client disconnect")
			return
		}
		c.ws = ws
		c.out = out
		c.mu.Unlock()
		c.setState(StateOpen)

		connCtx, connCancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.heartbeat(connCtx)
		}()
		go func() {
			defer wg.Done()
			c.writeLoop(connCtx, ws, out)
		}()
		err = c.readLoop(connCtx, ws)
		connCancel()
		wg.Wait()

		c.mu.Lock()
		c.ws = nil
		c.out = nil
		c.mu.Unlock()
		_ = ws.CloseNow()

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("stream closed")
		attempt++
		if !c.setState(StateAwaitingRetry) {
			return
		}
		if !c.sleepBackoff(ctx, attempt) {
			return
		}
	}
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		typ, raw, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := envelope.Decode(raw)
		if err != nil {
			observability.RecordFrameDecode("error")
			c.logger.Warn().Err(err).Msg("frame discarded")
			continue
		}
		observability.RecordFrameDecode("ok")
		if c.events != nil {
			c.events(ev)
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-out:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := ws.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				// Uniform recovery path: force-close and let the read
				// loop observe it.
				c.logger.Warn().Err(err).Msg("write failed")
				_ = ws.CloseNow()
				return
			}
		}
	}
}

// heartbeat sends a ping frame on a fixed interval while the connection
// is open. No response is expected; the transport's own close signal is
// the liveness authority.
func (c *Conn) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(envelope.TagPing, time.Now().UnixMilli())
		}
	}
}

func (c *Conn) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) setState(next State) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.state == next {
		c.mu.Unlock()
		return true
	}
	prev := c.state
	c.state = next
	fn := c.stateFn
	c.mu.Unlock()

	observability.RecordStateTransition(next.String())
	c.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")
	if fn != nil {
		fn(next)
	}
	return true
}
