package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MatthewCash/discord-autoclient/internal/backoff"
	"github.com/MatthewCash/discord-autoclient/internal/observability"
	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

// ClientConfig configures the reconnect loop for one account.
type ClientConfig struct {
	Identity presence.Identity

	// Dialer opens connections. Defaults to NewWebsocketDialer().
	Dialer Dialer

	// DialBackoff spaces retries when Dialer returns an error without the
	// context ending. Defaults to backoff.DefaultPolicy().
	DialBackoff backoff.Policy

	WriteTimeout time.Duration
	Jitter       func() float64

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// ClientStatus is a snapshot of a client's reconnect loop.
type ClientStatus struct {
	Account      string
	State        State
	Connections  int
	LastSequence int64
	HasSequence  bool
	ConnectedAt  time.Time
	LastError    error
}

// Client keeps one account connected to the gateway, opening a new
// connection and re-identifying every time the previous one ends.
type Client struct {
	config ClientConfig
	logger *slog.Logger

	mu          sync.Mutex
	presence    presence.Presence
	session     *Session
	connections int
	connectedAt time.Time
	lastErr     error
}

// NewClient validates the identity and prepares a client. Configuration
// faults are returned as CONFIG_ERROR.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.Identity.Validate(); err != nil {
		return nil, ErrConfig("invalid identity", err)
	}
	if config.Dialer == nil {
		config.Dialer = NewWebsocketDialer()
	}
	if config.DialBackoff.Initial <= 0 {
		config.DialBackoff = backoff.DefaultPolicy()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:   config,
		logger:   logger.With("account", config.Identity.Name),
		presence: config.Identity.Presence,
	}, nil
}

// Run connects and reconnects until ctx is cancelled. There is no retry
// limit and no delay between a closed connection and the next dial. It
// returns ctx.Err(), or a dial error that is not retryable.
func (c *Client) Run(ctx context.Context) error {
	name := c.config.Identity.Name
	c.config.Metrics.SessionStarted(name)
	defer c.config.Metrics.SessionStopped(name)
	defer c.closeSession()

	dialFailures := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := c.config.Dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			dialFailures++
			c.config.Metrics.ConnectionFailed(name)
			c.setLastError(err)
			if !retryable(err) {
				c.logger.Error("gateway dial failed permanently", "attempt", attempt, "error", err)
				return err
			}
			delay := c.config.DialBackoff.Delay(dialFailures)
			c.logger.Warn("gateway dial failed", "attempt", attempt, "retry_in", delay, "error", err)
			if err := backoff.Sleep(ctx, delay); err != nil {
				return err
			}
			continue
		}
		dialFailures = 0
		c.config.Metrics.ConnectionOpened(name)

		err = c.runConnection(ctx, conn, attempt)
		if ctx.Err() != nil {
			c.logger.Info("gateway client stopped")
			return ctx.Err()
		}

		code, reason, _ := CloseInfo(err)
		c.logger.Warn("gateway disconnected, reconnecting",
			"close_code", code,
			"reason", reason,
			"error", err,
		)
	}
}

// runConnection drives one session to completion.
func (c *Client) runConnection(ctx context.Context, conn Conn, attempt int) error {
	connectionID := uuid.NewString()
	ctx, span := c.config.Tracer.TraceConnection(ctx, c.config.Identity.Name, connectionID, attempt)
	defer span.End()

	c.mu.Lock()
	if c.session != nil {
		c.session.Close()
	}
	p := c.presence
	session := NewSession(conn, SessionConfig{
		Identity:     c.config.Identity,
		Presence:     &p,
		WriteTimeout: c.config.WriteTimeout,
		Jitter:       c.config.Jitter,
		Logger:       c.logger.With("connection_id", connectionID, "trace_id", observability.GetTraceID(ctx)),
		Metrics:      c.config.Metrics,
	})
	c.session = session
	c.connections++
	c.connectedAt = time.Now()
	c.mu.Unlock()

	start := time.Now()
	err := session.Run(ctx)
	session.Close()

	c.setLastError(err)
	code, _, _ := CloseInfo(err)
	c.config.Metrics.Disconnected(c.config.Identity.Name, code, time.Since(start).Seconds())
	if ctx.Err() == nil {
		observability.RecordError(span, err)
	}
	return err
}

// UpdatePresence sends a presence update on the live connection, if any,
// and uses p for every later identify.
func (c *Client) UpdatePresence(ctx context.Context, p presence.Presence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return ErrConfig("invalid presence", err)
	}

	c.mu.Lock()
	c.presence = p
	session := c.session
	c.mu.Unlock()

	if session == nil || session.State() == StateClosed {
		return nil
	}
	if err := session.UpdatePresence(p); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	return nil
}

// Status returns a snapshot of the client.
func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := ClientStatus{
		Account:     c.config.Identity.Name,
		State:       StateConnecting,
		Connections: c.connections,
		ConnectedAt: c.connectedAt,
		LastError:   c.lastErr,
	}
	if c.session != nil {
		status.State = c.session.State()
		status.LastSequence, status.HasSequence = c.session.LastSequence()
	}
	return status
}

func (c *Client) setLastError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Client) closeSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.Close()
	}
}
