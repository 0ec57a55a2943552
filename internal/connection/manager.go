// Package connection owns the platform session lifecycle. The Manager is the
// only component that creates or replaces the session connection; everything
// else calls EnsureConnected before network work and reads the session handle.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/chanvault/chanvault/internal/platform"
)

// State is the connection lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateReconnecting  State = "reconnecting"
	StateFailed        State = "failed"
)

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State         State         `json:"state"`
	LastErrorKind platform.Kind `json:"last_error_kind,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	ConnectedAt   *time.Time    `json:"connected_at,omitempty"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	Attempts      int           `json:"attempts"`
}

// Options tune the reconnection policy.
type Options struct {
	// ConnectTimeout bounds each individual connect attempt so a hung dial
	// cannot hold the reconnection lock.
	ConnectTimeout time.Duration
	// HealthInterval is the period of the background health loop.
	HealthInterval time.Duration
	// MaxReconnectRetries bounds one health-loop reconnection cycle; on
	// exhaustion the manager enters the terminal failed state.
	MaxReconnectRetries int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 5 * time.Minute
	}
	if o.MaxReconnectRetries <= 0 {
		o.MaxReconnectRetries = 5
	}
	return o
}

// Manager drives the session state machine across uninitialized, connecting,
// connected, disconnected, reconnecting and failed. Failed is terminal; an
// operator restart leaves it.
type Manager struct {
	logger  *slog.Logger
	session platform.Session
	opts    Options

	group singleflight.Group
	cron  *cron.Cron

	mu            sync.Mutex
	state         State
	lastErr       error
	connectedAt   *time.Time
	lastAttemptAt *time.Time
	attempts      int
	handler       platform.EventHandler
	subscribed    bool
}

// NewManager creates a Manager over the single process-wide session.
func NewManager(log *slog.Logger, session platform.Session, opts Options) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		logger:  log.With(slog.String("component", "connection")),
		session: session,
		opts:    opts.withDefaults(),
		state:   StateUninitialized,
	}
}

// Session returns the session handle. Callers must go through EnsureConnected
// before using it for network operations.
func (m *Manager) Session() platform.Session {
	return m.session
}

// OnEvent registers the live-message handler delivered to the session once it
// first reaches connected. Must be called before Start.
func (m *Manager) OnEvent(handler platform.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Start performs the initial connection attempt and launches the background
// health loop. Credential problems move straight to failed: the process has
// no terminal attached, so there is nothing interactive to fall back to.
// Start never returns an error for transient failures; the health loop keeps
// retrying those.
func (m *Manager) Start(ctx context.Context) error {
	m.transition(StateConnecting, nil)
	if err := m.connectOnce(ctx); err != nil {
		if platform.Terminal(err) {
			m.logger.Error("initial connect failed permanently",
				slog.String("kind", string(platform.KindOf(err))),
				slog.Any("error", err),
			)
		} else {
			m.logger.Warn("initial connect failed, health loop will retry", slog.Any("error", err))
		}
	}

	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.opts.HealthInterval)
	if _, err := m.cron.AddFunc(spec, func() { m.healthCheck(context.Background()) }); err != nil {
		return fmt.Errorf("schedule health loop: %w", err)
	}
	m.cron.Start()
	m.logger.Info("health loop started", slog.Duration("interval", m.opts.HealthInterval))
	return nil
}

// Shutdown stops the health loop and closes the session.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cron != nil {
		stopCtx := m.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	return m.session.Close(ctx)
}

// EnsureConnected returns immediately when connected; otherwise it performs a
// single reconnect attempt. Concurrent callers during a disconnect share one
// in-flight attempt instead of issuing parallel authentication calls, which
// the platform can treat as credential abuse.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	state := m.state
	lastErr := m.lastErr
	m.mu.Unlock()

	if state == StateConnected && m.session.Connected() {
		return nil
	}
	if state == StateFailed {
		if lastErr != nil {
			return lastErr
		}
		return platform.Errorf(platform.KindUnknown, "connection.ensure", "connection is in failed state")
	}
	return m.connectOnce(ctx)
}

// connectOnce runs one connect attempt through the single-flight group. The
// attempt is detached from the caller's cancellation so that one impatient
// caller cannot abort the attempt other callers are awaiting; the configured
// connect timeout bounds it instead.
func (m *Manager) connectOnce(ctx context.Context) error {
	_, err, _ := m.group.Do("connect", func() (any, error) {
		m.mu.Lock()
		if m.state == StateConnected && m.session.Connected() {
			m.mu.Unlock()
			return nil, nil
		}
		from := m.state
		now := time.Now().UTC()
		m.lastAttemptAt = &now
		m.attempts++
		m.mu.Unlock()

		if from == StateUninitialized || from == StateConnecting {
			m.transition(StateConnecting, nil)
		} else {
			m.transition(StateReconnecting, nil)
		}

		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
		defer cancel()
		if err := m.session.Connect(attemptCtx); err != nil {
			if platform.Terminal(err) {
				m.transition(StateFailed, err)
			} else {
				m.transition(StateDisconnected, err)
			}
			return nil, err
		}

		m.mu.Lock()
		handler := m.handler
		needSubscribe := !m.subscribed && handler != nil
		if needSubscribe {
			m.subscribed = true
		}
		connected := time.Now().UTC()
		m.connectedAt = &connected
		m.mu.Unlock()
		if needSubscribe {
			m.session.SubscribeEvents(handler)
		}
		m.transition(StateConnected, nil)
		return nil, nil
	})
	return err
}

// healthCheck is the background loop body: reconcile the observed transport
// state, then retry reconnection with exponential backoff and jitter until it
// succeeds or the bounded policy is exhausted. It never stops the process.
func (m *Manager) healthCheck(ctx context.Context) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch state {
	case StateFailed:
		return
	case StateConnected:
		if m.session.Connected() {
			m.logger.Debug("health check ok")
			return
		}
		m.transition(StateDisconnected, platform.Errorf(platform.KindNetworkTransient, "connection.health", "transport dropped"))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), uint64(m.opts.MaxReconnectRetries-1)), ctx)
	err := backoff.Retry(func() error {
		err := m.connectOnce(ctx)
		if err != nil && platform.Terminal(err) {
			return backoff.Permanent(err)
		}
		// Honor platform-specified backoff before the next attempt.
		if wait := platform.RetryAfterOf(err); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
		}
		return err
	}, policy)
	if err == nil {
		return
	}
	if !platform.Terminal(err) {
		// Bounded policy exhausted: give up until an operator intervenes.
		m.transition(StateFailed, err)
	}
	m.logger.Error("reconnection exhausted",
		slog.String("kind", string(platform.KindOf(err))),
		slog.Any("error", err),
	)
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		State:         m.state,
		ConnectedAt:   m.connectedAt,
		LastAttemptAt: m.lastAttemptAt,
		Attempts:      m.attempts,
	}
	if m.lastErr != nil {
		s.LastErrorKind = platform.KindOf(m.lastErr)
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Healthy reports whether the connection is usable, for liveness probes.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *Manager) transition(to State, cause error) {
	m.mu.Lock()
	from := m.state
	m.state = to
	if cause != nil {
		m.lastErr = cause
	} else if to == StateConnected {
		m.lastErr = nil
	}
	m.mu.Unlock()
	if from == to {
		return
	}
	attrs := []any{slog.String("from", string(from)), slog.String("to", string(to))}
	if cause != nil {
		attrs = append(attrs,
			slog.String("kind", string(platform.KindOf(cause))),
			slog.Any("error", cause),
		)
	}
	m.logger.Info("state transition", attrs...)
}
