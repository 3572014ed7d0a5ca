package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State identifies where a connection is in its lifecycle. Exactly one
// state is live per connection at any time.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// StatusUpdate reports a shard's state transition to the manager.
type StatusUpdate struct {
	Shard ShardID
	State State
}

// PermitRequest asks the shard manager for an identify slot. The manager
// replies on Reply once the shared identify gate admits this shard.
// Resumes never request a permit.
type PermitRequest struct {
	Shard ShardID
	Reply chan error
}

// Backoff controls the delay curve between failed connection attempts.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Cap     time.Duration
	Jitter  time.Duration // max random addition per attempt
}

// Config configures a single gateway connection.
type Config struct {
	URL            string
	Token          string
	Shard          ShardID
	Compress       bool
	LargeThreshold int
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Backoff        Backoff
}

// Conn runs one shard's connection to the gateway.
type Conn struct {
	cfg    Config
	logger *slog.Logger

	events   chan<- Event
	permits  chan<- PermitRequest
	statusCh chan<- StatusUpdate

	signals chan struct{} // reconnect requests from the manager
	sendCh  chan payload  // outbound control payloads

	// Write serialization
	writeMu sync.Mutex

	state atomic.Int32

	mu      sync.Mutex
	session *Session
}

// NewConn creates a connection for one shard. Events, permits, and status
// channels are owned by the shard manager; permits and status may be nil
// for standalone use.
func NewConn(cfg Config, events chan<- Event, permits chan<- PermitRequest, status chan<- StatusUpdate, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Conn{
		cfg:      cfg,
		logger:   logger.With("shard", cfg.Shard.String()),
		events:   events,
		permits:  permits,
		statusCh: status,
		signals:  make(chan struct{}, 1),
		sendCh:   make(chan payload, 16),
	}
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Session returns a copy of the active session, if any.
func (c *Conn) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// RequestReconnect asks the connection to drop and re-establish its socket,
// preserving the session. Never blocks.
func (c *Conn) RequestReconnect() {
	select {
	case c.signals <- struct{}{}:
	default:
	}
}

// Send queues a control payload (presence update, guild members request)
// for delivery once the connection is ready.
func (c *Conn) Send(op Opcode, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- payload{Op: op, Data: raw}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// connResult tells the outer loop how one connection lifetime ended.
type connResult int

const (
	resShutdown connResult = iota // ctx cancelled, clean stop
	resFatal                      // permanent rejection, stop reconnecting
	resRetry                      // connection was established; reset backoff
	resRetryBackoff               // connection failed early; escalate backoff
)

// Run drives the connection until ctx is cancelled or a fatal close code is
// received. Transient failures are absorbed into reconnect attempts and
// never surface to the caller.
func (c *Conn) Run(ctx context.Context) error {
	delay := c.cfg.Backoff.Initial
	for {
		res, err := c.runOnce(ctx)
		switch res {
		case resShutdown:
			c.setState(StateDisconnected)
			return nil
		case resFatal:
			c.setState(StateClosed)
			return err
		case resRetry:
			delay = c.cfg.Backoff.Initial
		}

		c.setState(StateReconnecting)
		wait := delay
		if j := c.cfg.Backoff.Jitter; j > 0 {
			wait += time.Duration(rand.Int64N(int64(j)))
		}
		c.logger.Info("reconnecting", "wait", wait)
		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			return nil
		case <-time.After(wait):
		}
		if res == resRetryBackoff {
			delay = time.Duration(float64(delay) * c.cfg.Backoff.Factor)
			if delay > c.cfg.Backoff.Cap {
				delay = c.cfg.Backoff.Cap
			}
		}
	}
}

// runOnce runs a single connection lifetime: dial, hello, identify or
// resume, then the connected read/heartbeat loop.
func (c *Conn) runOnce(ctx context.Context) (connResult, error) {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	ws, _, err := dialer.DialContext(ctx, c.gatewayURL(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return resShutdown, nil
		}
		c.logger.Warn("gateway dial failed", "error", err)
		return resRetryBackoff, nil
	}
	defer ws.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var dec *Decoder
	if c.cfg.Compress {
		dec = NewDecoder()
		defer dec.Close()
	}

	done := make(chan struct{})
	defer close(done)

	readErr := make(chan error, 1)
	direct := make(chan json.RawMessage, 16)
	packets := (<-chan json.RawMessage)(direct)
	if dec != nil {
		packets = dec.Payloads()
	}
	go c.readPump(ws, dec, direct, readErr, done)

	c.setState(StateAwaitingHello)
	helloTimer := time.NewTimer(c.cfg.ConnectTimeout)
	defer helloTimer.Stop()
	helloC := helloTimer.C

	var hb *heartbeatMonitor
	var beats, zombie <-chan struct{}
	var sendQ <-chan payload
	established := false

	retry := func() (connResult, error) {
		if established {
			return resRetry, nil
		}
		return resRetryBackoff, nil
	}

	for {
		select {
		case <-ctx.Done():
			c.closeSocket(ws, websocket.CloseNormalClosure)
			return resShutdown, nil

		case <-c.signals:
			c.logger.Info("reconnect requested")
			c.closeSocket(ws, websocket.CloseServiceRestart)
			return retry()

		case <-helloC:
			c.logger.Warn("handshake failed", "error", ErrHelloTimeout, "timeout", c.cfg.ConnectTimeout)
			return resRetryBackoff, nil

		case <-beats:
			if err := c.sendHeartbeat(ws); err != nil {
				c.logger.Warn("heartbeat send failed", "error", err)
				return retry()
			}

		case <-zombie:
			c.logger.Warn("connection zombied", "error", ErrHeartbeatTimeout)
			return retry()

		case p := <-sendQ:
			if err := c.writePayload(ws, p); err != nil {
				c.logger.Warn("control payload send failed", "op", p.Op, "error", err)
				return retry()
			}

		case err := <-readErr:
			return c.handleReadError(err, established)

		case raw, ok := <-packets:
			if !ok {
				if dec != nil {
					if derr := dec.Err(); derr != nil {
						// Decompression state is unrecoverable mid-stream.
						c.logger.Error("transport decode failed", "error", derr)
						c.clearSession()
						return retry()
					}
				}
				packets = nil
				continue
			}

			var pl payload
			if err := json.Unmarshal(raw, &pl); err != nil {
				c.logger.Error("malformed payload", "error", err)
				c.clearSession()
				return retry()
			}

			switch pl.Op {
			case OpHello:
				if c.State() != StateAwaitingHello {
					c.logger.Debug("ignoring duplicate hello")
					continue
				}
				var hello helloData
				if err := json.Unmarshal(pl.Data, &hello); err != nil {
					c.logger.Error("malformed hello", "error", err)
					return resRetryBackoff, nil
				}
				helloTimer.Stop()
				helloC = nil
				hb = newHeartbeatMonitor(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
				beats, zombie = hb.beats, hb.zombie
				go hb.run(connCtx)
				if err := c.beginHandshake(ctx, ws); err != nil {
					if ctx.Err() != nil {
						return resShutdown, nil
					}
					c.logger.Warn("handshake send failed", "error", err)
					return resRetryBackoff, nil
				}

			case OpDispatch:
				sendQ = c.handleDispatch(pl, &established)

			case OpHeartbeat:
				// Server asked for an immediate beat.
				if err := c.sendHeartbeat(ws); err != nil {
					return retry()
				}

			case OpHeartbeatACK:
				if hb != nil {
					hb.Ack()
				}

			case OpReconnect:
				c.logger.Info("server requested reconnect")
				c.closeSocket(ws, websocket.CloseServiceRestart)
				return retry()

			case OpInvalidSession:
				var resumable bool
				if len(pl.Data) > 0 {
					json.Unmarshal(pl.Data, &resumable)
				}
				// An invalid session answering our identify is a permanent
				// rejection, not a session loss.
				if c.State() == StateIdentifying {
					c.logger.Error("identify rejected", "error", ErrIdentifyRejected)
					return resFatal, ErrIdentifyRejected
				}
				if !resumable {
					c.clearSession()
				}
				c.logger.Warn("session invalidated", "resumable", resumable)
				// The gateway wants a short pause before the next attempt.
				wait := time.Duration((rand.Float64()*4 + 1) * float64(time.Second))
				select {
				case <-ctx.Done():
					return resShutdown, nil
				case <-time.After(wait):
				}
				if err := c.beginHandshake(ctx, ws); err != nil {
					if ctx.Err() != nil {
						return resShutdown, nil
					}
					return resRetryBackoff, nil
				}

			default:
				c.logger.Debug("ignoring unexpected opcode", "op", int(pl.Op))
			}
		}
	}
}

// beginHandshake sends identify or resume depending on whether a session
// survives from a previous connection. Identifies wait for a permit from
// the shared identify gate; resumes do not.
func (c *Conn) beginHandshake(ctx context.Context, ws *websocket.Conn) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil {
		c.setState(StateResuming)
		c.logger.Info("resuming", "session_id", session.ID, "seq", session.Seq)
		return c.writePayloadData(ws, OpResume, resumeData{
			Token:     c.cfg.Token,
			SessionID: session.ID,
			Seq:       session.Seq,
		})
	}

	c.setState(StateIdentifying)
	if err := c.awaitIdentifyPermit(ctx); err != nil {
		return err
	}
	c.logger.Info("identifying")
	return c.writePayloadData(ws, OpIdentify, identifyData{
		Token: c.cfg.Token,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "discordlink",
			Device:  "discordlink",
		},
		Compress:       false,
		LargeThreshold: c.cfg.LargeThreshold,
		Shard:          c.cfg.Shard,
	})
}

// handleDispatch records the sequence and forwards the event. The sequence
// is recorded before the event is offered downstream so resume stays
// correct even when the caller cannot keep up. Returns the send queue to
// arm once the connection is ready.
func (c *Conn) handleDispatch(pl payload, established *bool) <-chan payload {
	c.mu.Lock()
	switch pl.Type {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(pl.Data, &ready); err == nil {
			c.session = &Session{ID: ready.SessionID, Seq: pl.Seq, ResumeURL: ready.ResumeGatewayURL}
		}
	case "RESUMED":
		if c.session != nil {
			c.session.advance(pl.Seq)
		}
	default:
		if c.session != nil {
			c.session.advance(pl.Seq)
		}
	}
	c.mu.Unlock()

	if !*established {
		*established = true
		c.setState(StateConnected)
		c.logger.Info("connected", "event", pl.Type)
	}

	ev := Event{Shard: c.cfg.Shard, Seq: pl.Seq, Type: pl.Type, Data: pl.Data}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event buffer full, dropping event", "type", pl.Type, "seq", pl.Seq)
	}
	return c.sendCh
}

// handleReadError classifies a socket failure into the reconnect taxonomy.
func (c *Conn) handleReadError(err error, established bool) (connResult, error) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case isFatalCloseCode(ce.Code):
			c.clearSession()
			ferr := &FatalError{Code: ce.Code, Reason: ce.Text}
			c.logger.Error("gateway closed permanently", "code", ce.Code, "reason", ce.Text)
			return resFatal, ferr
		case !canResumeCloseCode(ce.Code):
			c.clearSession()
		}
		c.logger.Warn("gateway closed", "code", ce.Code, "reason", ce.Text)
	} else {
		c.logger.Warn("transport error", "error", err)
	}
	if established {
		return resRetry, nil
	}
	return resRetryBackoff, nil
}

// readPump reads socket frames and routes them through the decoder.
func (c *Conn) readPump(ws *websocket.Conn, dec *Decoder, direct chan<- json.RawMessage, readErr chan<- error, done <-chan struct{}) {
	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			case <-done:
			}
			if dec != nil {
				dec.Close()
			}
			return
		}

		switch typ {
		case websocket.BinaryMessage:
			if dec != nil {
				if err := dec.Push(data); err != nil {
					return
				}
				continue
			}
			select {
			case direct <- data:
			case <-done:
				return
			}
		case websocket.TextMessage:
			if dec != nil {
				select {
				case readErr <- errors.New("text frame on compressed transport"):
				case <-done:
				}
				return
			}
			select {
			case direct <- data:
			case <-done:
				return
			}
		}
	}
}

func (c *Conn) awaitIdentifyPermit(ctx context.Context) error {
	if c.permits == nil {
		return nil
	}
	req := PermitRequest{Shard: c.cfg.Shard, Reply: make(chan error, 1)}
	select {
	case c.permits <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) sendHeartbeat(ws *websocket.Conn) error {
	var seq any
	c.mu.Lock()
	if c.session != nil {
		seq = c.session.Seq
	}
	c.mu.Unlock()
	return c.writePayloadData(ws, OpHeartbeat, seq)
}

func (c *Conn) writePayloadData(ws *websocket.Conn, op Opcode, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.writePayload(ws, payload{Op: op, Data: raw})
}

func (c *Conn) writePayload(ws *websocket.Conn, p payload) error {
	buf, err := json.Marshal(struct {
		Op   Opcode          `json:"op"`
		Data json.RawMessage `json:"d"`
	}{p.Op, p.Data})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, buf)
}

func (c *Conn) closeSocket(ws *websocket.Conn, code int) {
	c.writeMu.Lock()
	ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
}

func (c *Conn) clearSession() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
	if c.statusCh != nil {
		select {
		case c.statusCh <- StatusUpdate{Shard: c.cfg.Shard, State: s}:
		default:
		}
	}
}

// gatewayURL builds the dial target. A live session's resume URL takes
// precedence over the configured gateway URL.
func (c *Conn) gatewayURL() string {
	base := c.cfg.URL
	c.mu.Lock()
	if c.session != nil && c.session.ResumeURL != "" {
		base = c.session.ResumeURL
	}
	c.mu.Unlock()

	query := "v=6&encoding=json"
	if c.cfg.Compress {
		query += "&compress=zlib-stream"
	}
	if strings.Contains(base, "?") {
		return base + "&" + query
	}
	return base + "?" + query
}
