package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MatthewCash/discord-autoclient/internal/backoff"
	"github.com/MatthewCash/discord-autoclient/internal/observability"
	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

// fakeGateway is an in-process gateway that sends hello, acknowledges
// heartbeats and closes each connection after closeAfter heartbeats.
type fakeGateway struct {
	upgrader   websocket.Upgrader
	interval   int
	closeAfter int

	mu         sync.Mutex
	identifies []IdentifyData
	updates    []PresenceData
	beats      [][]time.Time
	sequences  []string
	userAgents []string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	g.mu.Lock()
	idx := len(g.beats)
	g.beats = append(g.beats, nil)
	g.userAgents = append(g.userAgents, r.Header.Get("User-Agent"))
	g.mu.Unlock()

	hello := fmt.Sprintf(`{"op":10,"d":{"heartbeat_interval":%d}}`, g.interval)
	_ = conn.WriteMessage(websocket.TextMessage, []byte(hello))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":0,"s":1,"t":"READY","d":{}}`))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame struct {
			Op int             `json:"op"`
			D  json.RawMessage `json:"d"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}

		switch frame.Op {
		case OpIdentify:
			var d IdentifyData
			_ = json.Unmarshal(frame.D, &d)
			g.mu.Lock()
			g.identifies = append(g.identifies, d)
			g.mu.Unlock()
		case OpPresenceUpdate:
			var d PresenceData
			_ = json.Unmarshal(frame.D, &d)
			g.mu.Lock()
			g.updates = append(g.updates, d)
			g.mu.Unlock()
		case OpHeartbeat:
			g.mu.Lock()
			g.beats[idx] = append(g.beats[idx], time.Now())
			g.sequences = append(g.sequences, string(frame.D))
			n := len(g.beats[idx])
			g.mu.Unlock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":11}`))
			if g.closeAfter > 0 && n >= g.closeAfter {
				msg := websocket.FormatCloseMessage(4000, "session timed out")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		}
	}
}

func (g *fakeGateway) snapshot() (identifies []IdentifyData, beats [][]time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	identifies = append(identifies, g.identifies...)
	for _, b := range g.beats {
		beats = append(beats, append([]time.Time(nil), b...))
	}
	return identifies, beats
}

// startClient runs a client until the returned stop function is called, or
// until the test ends. stop cancels the client and returns Run's result; it
// may be called more than once.
func startClient(t *testing.T, config ClientConfig) (*Client, func() error) {
	t.Helper()
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	var (
		once   sync.Once
		result error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(2 * time.Second):
				result = errors.New("client did not stop")
			}
		})
		return result
	}
	t.Cleanup(func() {
		if err := stop(); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v", err)
		}
	})
	return client, stop
}

func testDialer(srv *httptest.Server) *WebsocketDialer {
	return &WebsocketDialer{
		URL:       wsURL(srv),
		UserAgent: UserAgent,
		Backoff:   backoff.Policy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
	}
}

func TestClient_ReconnectsAndReidentifies(t *testing.T) {
	gw := &fakeGateway{interval: 30, closeAfter: 3}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client, stop := startClient(t, ClientConfig{
		Identity: testIdentity(),
		Dialer:   testDialer(srv),
		Jitter:   func() float64 { return 0.5 },
	})

	waitFor(t, 3*time.Second, func() bool {
		identifies, _ := gw.snapshot()
		return len(identifies) >= 2
	})
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}

	identifies, beats := gw.snapshot()
	if len(beats) < 2 {
		t.Fatalf("expected a second connection, got %d", len(beats))
	}
	if len(identifies) < len(beats)-1 || len(identifies) > len(beats) {
		t.Errorf("identifies = %d for %d connections; want one per connection", len(identifies), len(beats))
	}
	for i, d := range identifies {
		if d.Token != "t" {
			t.Errorf("identify %d token = %q", i, d.Token)
		}
	}

	first := beats[0]
	if len(first) != 3 {
		t.Fatalf("first connection saw %d heartbeats, want 3", len(first))
	}
	for i := 1; i < len(first); i++ {
		gap := first[i].Sub(first[i-1])
		if gap < 20*time.Millisecond || gap > 120*time.Millisecond {
			t.Errorf("heartbeat gap %d = %v, want about 30ms", i, gap)
		}
	}

	gw.mu.Lock()
	ua := gw.userAgents[0]
	gw.mu.Unlock()
	if ua != UserAgent {
		t.Errorf("User-Agent = %q", ua)
	}
	if status := client.Status(); status.Connections < 2 {
		t.Errorf("Status().Connections = %d, want at least 2", status.Connections)
	}
}

func TestClient_DisconnectRecordsCloseCode(t *testing.T) {
	gw := &fakeGateway{interval: 10, closeAfter: 1}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	client, _ := startClient(t, ClientConfig{
		Identity: testIdentity(),
		Dialer:   testDialer(srv),
		Jitter:   func() float64 { return 0 },
		Metrics:  metrics,
	})

	waitFor(t, 3*time.Second, func() bool {
		return testutil.ToFloat64(metrics.Disconnects.WithLabelValues("a", "4000")) >= 1
	})

	code, reason, ok := CloseInfo(client.Status().LastError)
	if !ok || code != 4000 || reason != "session timed out" {
		t.Errorf("CloseInfo(LastError) = %d, %q, %v", code, reason, ok)
	}
	if got := testutil.ToFloat64(metrics.ConnectionAttempts.WithLabelValues("a", "success")); got < 1 {
		t.Errorf("connection attempts = %v", got)
	}
}

func TestClient_UpdatePresence(t *testing.T) {
	gw := &fakeGateway{interval: 1000}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	client, _ := startClient(t, ClientConfig{
		Identity: testIdentity(),
		Dialer:   testDialer(srv),
	})
	waitFor(t, 2*time.Second, func() bool { return client.Status().State == StateAlive })

	idle := presence.Presence{Status: presence.StatusIdle, Text: presence.String("away")}
	if err := client.UpdatePresence(context.Background(), idle); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.updates) == 1
	})
	gw.mu.Lock()
	update := gw.updates[0]
	gw.mu.Unlock()
	if update.Status != "idle" {
		t.Errorf("update status = %q, want idle", update.Status)
	}

	if err := client.UpdatePresence(context.Background(), presence.Presence{}); GetErrorCode(err) != ErrCodeConfig {
		t.Errorf("UpdatePresence(invalid) = %v, want config error", err)
	}
}

// connQueue hands out fake connections and lets tests end them.
type connQueue struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (q *connQueue) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := newFakeConn()
	q.mu.Lock()
	q.conns = append(q.conns, c)
	q.mu.Unlock()
	return c, nil
}

func (q *connQueue) get(i int) *fakeConn {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i >= len(q.conns) {
		return nil
	}
	return q.conns[i]
}

func (q *connQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.conns)
}

func TestClient_OneNewConnectionPerClose(t *testing.T) {
	q := &connQueue{}
	client, _ := startClient(t, ClientConfig{Identity: testIdentity(), Dialer: q})

	waitFor(t, time.Second, func() bool { c := q.get(0); return c != nil && len(c.frames(OpIdentify)) == 1 })

	// A presence set between connections is announced by the next identify.
	idle := presence.Presence{Status: presence.StatusIdle}
	if err := client.UpdatePresence(context.Background(), idle); err != nil {
		t.Fatalf("UpdatePresence: %v", err)
	}
	q.get(0).Close()

	waitFor(t, time.Second, func() bool { c := q.get(1); return c != nil && len(c.frames(OpIdentify)) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := q.count(); n != 2 {
		t.Fatalf("dialed %d connections after one close, want 2", n)
	}

	var d IdentifyData
	raw := q.get(1).frames(OpIdentify)[0].D.(json.RawMessage)
	if err := json.Unmarshal(raw, &d); err != nil {
		t.Fatalf("decode identify: %v", err)
	}
	if d.Presence.Status != "idle" {
		t.Errorf("re-identify status = %q, want idle", d.Presence.Status)
	}
}

func TestClient_DialErrorsBackOff(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	var mu sync.Mutex
	calls := 0
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls <= 2 {
			return nil, errors.New("connection refused")
		}
		return newFakeConn(), nil
	})

	client, _ := startClient(t, ClientConfig{
		Identity:    testIdentity(),
		Dialer:      dialer,
		DialBackoff: backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		Metrics:     metrics,
	})

	waitFor(t, time.Second, func() bool { return client.Status().State == StateAlive })
	if got := testutil.ToFloat64(metrics.ConnectionAttempts.WithLabelValues("a", "error")); got != 2 {
		t.Errorf("failed attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions.WithLabelValues("a")); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
}

func TestNewClient_InvalidIdentity(t *testing.T) {
	_, err := NewClient(ClientConfig{Identity: presence.Identity{Name: "broken"}})
	if GetErrorCode(err) != ErrCodeConfig {
		t.Fatalf("NewClient() = %v, want config error", err)
	}
}

func TestClient_PermanentDialErrorEndsRun(t *testing.T) {
	calls := 0
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		calls++
		return nil, ErrConfig("bad gateway url", nil)
	})
	client, err := NewClient(ClientConfig{
		Identity:    testIdentity(),
		Dialer:      dialer,
		DialBackoff: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.Run(ctx)
	if GetErrorCode(err) != ErrCodeConfig {
		t.Fatalf("Run() = %v, want config error", err)
	}
	if calls != 1 {
		t.Fatalf("dialed %d times, want 1", calls)
	}
	if status := client.Status(); status.LastError == nil {
		t.Error("Status().LastError not recorded")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain transport error", errors.New("connection refused"), true},
		{"connection", ErrConnection("dial", nil), true},
		{"heartbeat", ErrHeartbeat("send", nil), true},
		{"wrapped config", fmt.Errorf("dial: %w", ErrConfig("bad url", nil)), false},
		{"protocol", ErrProtocol("encode", nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
