// Package shard runs a pool of gateway connections and coordinates the
// resources they share: the identify rate gate, the merged event stream,
// and lifecycle fan-in.
package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calebgardner/discordlink/internal/gateway"
)

// Config configures the shard pool.
type Config struct {
	GatewayURL       string
	Token            string
	ShardCount       int
	Compress         bool
	LargeThreshold   int
	ConnectTimeout   time.Duration
	IdentifyInterval time.Duration
	EventBufferSize  int
	Backoff          gateway.Backoff
}

// ShardStatus is a point-in-time snapshot of one shard.
type ShardStatus struct {
	ID        gateway.ShardID
	State     gateway.State
	SessionID string
	Seq       int64
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Shards    []ShardStatus
	Connected int
}

// Manager owns the shard pool. Events from every shard are merged onto one
// channel; identifies across shards are serialized through a shared rate
// gate so a reconnect storm cannot trip the gateway's session start limit.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	conns   []*gateway.Conn
	events  chan gateway.Event
	permits chan gateway.PermitRequest
	status  chan gateway.StatusUpdate
	errs    chan error

	limiter *rate.Limiter

	mu     sync.Mutex
	states map[int]gateway.State

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager creates an unstarted pool. ShardCount must be at least 1;
// discovery of the recommended count happens before the manager is built.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if cfg.ShardCount < 1 {
		return nil, fmt.Errorf("shard count must be at least 1, got %d", cfg.ShardCount)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdentifyInterval <= 0 {
		cfg.IdentifyInterval = 5 * time.Second
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 1024
	}

	m := &Manager{
		cfg:     cfg,
		logger:  logger.With("component", "shard_manager"),
		events:  make(chan gateway.Event, cfg.EventBufferSize),
		permits: make(chan gateway.PermitRequest),
		status:  make(chan gateway.StatusUpdate, cfg.ShardCount*8),
		errs:    make(chan error, cfg.ShardCount),
		limiter: rate.NewLimiter(rate.Every(cfg.IdentifyInterval), 1),
		states:  make(map[int]gateway.State),
	}

	for i := 0; i < cfg.ShardCount; i++ {
		id := gateway.ShardID{Index: i, Count: cfg.ShardCount}
		conn := gateway.NewConn(gateway.Config{
			URL:            cfg.GatewayURL,
			Token:          cfg.Token,
			Shard:          id,
			Compress:       cfg.Compress,
			LargeThreshold: cfg.LargeThreshold,
			ConnectTimeout: cfg.ConnectTimeout,
			Backoff:        cfg.Backoff,
		}, m.events, m.permits, m.status, logger)
		m.conns = append(m.conns, conn)
	}
	return m, nil
}

// Start launches every shard and the coordinator. It returns immediately;
// connection progress is observable through Stats and Errors.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.coordinate(runCtx)

	for _, conn := range m.conns {
		m.wg.Add(1)
		go func(c *gateway.Conn) {
			defer m.wg.Done()
			if err := c.Run(runCtx); err != nil {
				select {
				case m.errs <- err:
				default:
				}
				// A permanent rejection for one shard (bad token, wrong
				// shard count) dooms the rest; stop the pool.
				m.logger.Error("shard failed permanently, stopping pool", "error", err)
				cancel()
			}
		}(conn)
	}

	m.logger.Info("shard pool started", "shards", m.cfg.ShardCount)
	return nil
}

// coordinate services identify permits through the shared rate gate and
// tracks shard state transitions.
func (m *Manager) coordinate(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.permits:
			if err := m.limiter.Wait(ctx); err != nil {
				req.Reply <- err
				continue
			}
			m.logger.Debug("identify permit granted", "shard", req.Shard.String())
			req.Reply <- nil
		case su := <-m.status:
			m.mu.Lock()
			prev := m.states[su.Shard.Index]
			m.states[su.Shard.Index] = su.State
			m.mu.Unlock()
			if prev != su.State {
				m.logger.Info("shard state changed",
					"shard", su.Shard.String(),
					"from", prev.String(),
					"to", su.State.String())
			}
		}
	}
}

// Events returns the merged dispatch stream for all shards.
func (m *Manager) Events() <-chan gateway.Event {
	return m.events
}

// Errors surfaces permanent shard failures. The channel never closes.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// Shard exposes one shard's connection for control payloads such as
// presence updates.
func (m *Manager) Shard(index int) (*gateway.Conn, error) {
	if index < 0 || index >= len(m.conns) {
		return nil, fmt.Errorf("shard index %d out of range [0,%d)", index, len(m.conns))
	}
	return m.conns[index], nil
}

// Broadcast queues a control payload on every shard. The first failure is
// returned but remaining shards are still attempted.
func (m *Manager) Broadcast(op gateway.Opcode, data any) error {
	var firstErr error
	for i, conn := range m.conns {
		if err := conn.Send(op, data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return firstErr
}

// Stats snapshots every shard's state and session.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Shards: make([]ShardStatus, 0, len(m.conns))}
	for i, conn := range m.conns {
		st := ShardStatus{
			ID:    gateway.ShardID{Index: i, Count: m.cfg.ShardCount},
			State: conn.State(),
		}
		if s, ok := conn.Session(); ok {
			st.SessionID = s.ID
			st.Seq = s.Seq
		}
		if st.State == gateway.StateConnected {
			stats.Connected++
		}
		stats.Shards = append(stats.Shards, st)
	}
	return stats
}

// Stop shuts the pool down and waits for every shard to exit, up to the
// context deadline.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("shard pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown deadline exceeded: %w", ctx.Err())
	}
}
