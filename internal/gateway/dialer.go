package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MatthewCash/discord-autoclient/internal/backoff"
)

const (
	// DefaultMaxMessageBytes bounds a single inbound frame.
	DefaultMaxMessageBytes int64 = 1_000_000_000

	defaultHandshakeTimeout = 30 * time.Second
)

// Dialer opens transport connections to the gateway.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebsocketDialer dials the gateway over WebSocket. Handshake failures are
// retried with exponential backoff until one succeeds or ctx ends, so callers
// only ever see a connected transport or a cancellation.
type WebsocketDialer struct {
	URL              string
	UserAgent        string
	MaxMessageBytes  int64
	HandshakeTimeout time.Duration
	Backoff          backoff.Policy

	Logger *slog.Logger

	// OnAttempt is called after every handshake with its outcome.
	OnAttempt func(err error)
}

// NewWebsocketDialer returns a dialer with the gateway defaults filled in.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{
		URL:              DefaultURL,
		UserAgent:        UserAgent,
		MaxMessageBytes:  DefaultMaxMessageBytes,
		HandshakeTimeout: defaultHandshakeTimeout,
		Backoff:          backoff.DefaultPolicy(),
	}
}

// Dial blocks until a connection is established or ctx is done.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	policy := d.Backoff
	if policy.Initial <= 0 {
		policy = backoff.DefaultPolicy()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if d.UserAgent != "" {
		header.Set("User-Agent", d.UserAgent)
	}

	for attempt := 1; ; attempt++ {
		conn, resp, err := dialer.DialContext(ctx, d.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if d.OnAttempt != nil {
			d.OnAttempt(err)
		}
		if err == nil {
			if d.MaxMessageBytes > 0 {
				conn.SetReadLimit(d.MaxMessageBytes)
			}
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := policy.Delay(attempt)
		logger.Warn("gateway handshake failed", "attempt", attempt, "retry_in", delay, "error", err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}
