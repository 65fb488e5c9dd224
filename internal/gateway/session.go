package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MatthewCash/discord-autoclient/internal/observability"
	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

const defaultWriteTimeout = 10 * time.Second

// State is a session's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateIdentifying
	StateAlive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateAlive:
		return "alive"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the transport a session drives. *websocket.Conn implements it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionConfig configures one connection's session.
type SessionConfig struct {
	Identity presence.Identity

	// Presence is announced on identify. Defaults to Identity.Presence.
	Presence *presence.Presence

	// WriteTimeout bounds each outbound frame. Defaults to 10s.
	WriteTimeout time.Duration

	// Jitter is passed to every heartbeat task the session starts.
	Jitter func() float64

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Session owns one gateway connection: it identifies, tracks the sequence
// number, and runs the heartbeat announced by the server.
type Session struct {
	config SessionConfig
	conn   Conn
	logger *slog.Logger

	state   atomic.Int32
	writeMu sync.Mutex

	seqMu  sync.Mutex
	seq    int64
	hasSeq bool

	// presMu guards presence and identified. It is held across the identify
	// send so an update is either carried by identify or sent after it.
	presMu     sync.Mutex
	presence   presence.Presence
	identified bool

	hbMu      sync.Mutex
	heartbeat *Heartbeat
	liveBeats atomic.Int32
	maxBeats  atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	failMu    sync.Mutex
	failErr   error
}

// NewSession wraps a freshly handshaken connection.
func NewSession(conn Conn, config SessionConfig) *Session {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.Presence == nil {
		p := config.Identity.Presence
		config.Presence = &p
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		config:   config,
		conn:     conn,
		logger:   logger,
		presence: *config.Presence,
		closed:   make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// LastSequence returns the newest sequence number seen on this connection.
func (s *Session) LastSequence() (int64, bool) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.seq, s.hasSeq
}

// Run identifies and then processes inbound frames in arrival order until the
// connection ends or ctx is cancelled. The returned error says why the
// session ended. The heartbeat task is stopped and the connection closed on
// every exit path.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.fail(ctx.Err()) })
	defer stop()

	s.state.Store(int32(StateIdentifying))
	if err := s.identify(); err != nil {
		s.fail(err)
		return s.cause(err)
	}
	s.logger.Info("gateway session identified")
	s.state.Store(int32(StateAlive))

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return s.cause(ErrConnection("read frame", err))
		}
		s.handle(ctx, data)
	}
}

func (s *Session) handle(ctx context.Context, data []byte) {
	frame, ok := DecodeControlFrame(data)
	if !ok {
		s.config.Metrics.FrameSkipped(s.config.Identity.Name)
		s.logger.Debug("skipping undecodable frame", "bytes", len(data))
		return
	}
	s.config.Metrics.FrameReceived(s.config.Identity.Name, frame.Op)

	if frame.Sequence != nil {
		s.seqMu.Lock()
		s.seq = *frame.Sequence
		s.hasSeq = true
		s.seqMu.Unlock()
		s.config.Metrics.SequenceObserved(s.config.Identity.Name, *frame.Sequence)
	}

	switch frame.Op {
	case OpHello:
	case OpHeartbeatAck:
		s.logger.Debug("heartbeat acknowledged")
		return
	default:
		return
	}
	interval, ok := frame.HeartbeatInterval()
	if !ok {
		s.logger.Debug("hello without heartbeat interval")
		return
	}
	s.logger.Debug("hello received", "heartbeat_interval_ms", interval.Milliseconds())
	s.restartHeartbeat(ctx, interval)
}

func (s *Session) restartHeartbeat(ctx context.Context, interval time.Duration) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	s.stopHeartbeatLocked()
	if s.isClosed() {
		return
	}

	live := s.liveBeats.Add(1)
	if live > s.maxBeats.Load() {
		s.maxBeats.Store(live)
	}
	hb := StartHeartbeat(ctx, HeartbeatConfig{
		Interval: interval,
		Jitter:   s.config.Jitter,
		Send:     s.sendHeartbeat,
		OnError: func(err error) {
			s.fail(ErrHeartbeat("send heartbeat", err))
		},
	})
	s.heartbeat = hb
	s.logger.Debug("heartbeat scheduled", "first_beat_in", hb.FirstDelay())
}

// stopHeartbeatLocked waits for the current task to exit. hbMu must be held.
func (s *Session) stopHeartbeatLocked() {
	if s.heartbeat == nil {
		return
	}
	s.heartbeat.Stop()
	s.heartbeat = nil
	s.liveBeats.Add(-1)
}

func (s *Session) sendHeartbeat(context.Context) error {
	var frame Frame
	if seq, ok := s.LastSequence(); ok {
		frame = EncodeHeartbeat(&seq)
	} else {
		frame = EncodeHeartbeat(nil)
	}
	if err := s.send(frame); err != nil {
		return err
	}
	s.config.Metrics.HeartbeatSent(s.config.Identity.Name)
	s.logger.Debug("heartbeat sent", "sequence", frame.D)
	return nil
}

func (s *Session) identify() error {
	s.presMu.Lock()
	defer s.presMu.Unlock()
	if err := s.send(EncodeIdentify(s.config.Identity, s.presence)); err != nil {
		return err
	}
	s.identified = true
	return nil
}

// UpdatePresence announces p on this connection. Before identify has been
// sent, p replaces the presence identify will carry and nothing else is sent.
func (s *Session) UpdatePresence(p presence.Presence) error {
	s.presMu.Lock()
	s.presence = p
	identified := s.identified
	s.presMu.Unlock()

	if !identified {
		return nil
	}
	return s.send(EncodePresenceUpdate(p))
}

func (s *Session) send(frame Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return ErrConnection("set write deadline", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return ErrConnection("write frame", err)
	}
	return nil
}

// fail records the first cause of termination and closes the connection so
// the read loop unblocks.
func (s *Session) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.closeConn()
}

// cause prefers the recorded failure over the read error it provoked.
func (s *Session) cause(readErr error) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	return readErr
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("close connection", "error", err)
		}
	})
}

// Close stops the heartbeat and closes the connection. It is safe to call
// more than once and from any goroutine.
func (s *Session) Close() {
	s.closeConn()

	s.hbMu.Lock()
	s.stopHeartbeatLocked()
	s.hbMu.Unlock()

	s.state.Store(int32(StateClosed))
}
