// Package fleet runs one gateway client per account and keeps them isolated
// from each other.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/MatthewCash/discord-autoclient/internal/gateway"
	"github.com/MatthewCash/discord-autoclient/internal/presence"
)

// Runner is a long-lived per-account task. gateway.Client implements it.
type Runner interface {
	Run(ctx context.Context) error
}

// ClientFactory builds the gateway runner for one identity.
type ClientFactory func(id presence.Identity) (Runner, error)

// Account is one fleet member.
type Account struct {
	Identity presence.Identity

	// Companion, when set, builds the account's browser session. It receives
	// a debug port from the supervisor's allocator and runs on its own
	// lifecycle.
	Companion func(port int) (Runner, error)
}

// State is a fleet member's lifecycle position.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionStatus describes one fleet member.
type SessionStatus struct {
	Name    string
	State   State
	Err     error
	Gateway *gateway.ClientStatus

	HasCompanion bool
	Companion    State
}

// Config configures a Supervisor.
type Config struct {
	// NewClient builds each account's gateway runner. Defaults to a
	// gateway.Client with default transport settings.
	NewClient ClientFactory

	// Ports supplies companion debug ports. Defaults to ports from 9222.
	Ports *PortAllocator

	Logger *slog.Logger
}

// Supervisor fans out one runner per account. A failure in one member,
// including a panic, is recorded on that member only.
type Supervisor struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	order   []string
	members map[string]*member
	wg      sync.WaitGroup
}

type member struct {
	name   string
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	errMu sync.Mutex
	err   error

	companion *companion
}

type companion struct {
	port  int
	state atomic.Int32
	done  chan struct{}
}

type statusReporter interface {
	Status() gateway.ClientStatus
}

// New creates a supervisor.
func New(config Config) *Supervisor {
	if config.Ports == nil {
		config.Ports = NewPortAllocator(9222, 0)
	}
	if config.NewClient == nil {
		config.NewClient = func(id presence.Identity) (Runner, error) {
			return gateway.NewClient(gateway.ClientConfig{Identity: id, Logger: config.Logger})
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		config:  config,
		logger:  logger.With("component", "fleet"),
		members: make(map[string]*member),
	}
}

// Start launches every account concurrently. It returns immediately; use
// Wait or Shutdown to join. Accounts whose name is still running are
// skipped. A member that has stopped or failed is replaced in place.
func (s *Supervisor) Start(ctx context.Context, accounts []Account) {
	for _, account := range accounts {
		s.startMember(ctx, account)
	}
}

func (s *Supervisor) startMember(parent context.Context, account Account) {
	name := account.Identity.Name

	s.mu.Lock()
	existing, exists := s.members[name]
	if exists && !existing.exited() {
		s.mu.Unlock()
		s.logger.Warn("account already running", "account", name)
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m := &member{name: name, cancel: cancel, done: make(chan struct{})}
	m.state.Store(int32(StateStarting))
	if account.Companion != nil {
		s.startCompanion(ctx, m, account.Companion)
	}
	s.members[name] = m
	if !exists {
		s.order = append(s.order, name)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(m.done)
		s.runMember(ctx, m, account.Identity)
	}()
}

func (s *Supervisor) runMember(ctx context.Context, m *member, id presence.Identity) {
	logger := s.logger.With("account", m.name)
	defer func() {
		if rec := recover(); rec != nil {
			m.fail(fmt.Errorf("session panicked: %v", rec))
			logger.Error("session panicked", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	runner, err := s.config.NewClient(id)
	if err != nil {
		m.fail(err)
		logger.Error("session failed to start", "error", err)
		return
	}
	m.errMu.Lock()
	m.runner = runner
	m.errMu.Unlock()

	m.state.Store(int32(StateRunning))
	err = runner.Run(ctx)
	if err != nil && ctx.Err() == nil {
		m.fail(err)
		logger.Error("session ended", "error", err)
		return
	}
	m.state.Store(int32(StateStopped))
}

func (s *Supervisor) startCompanion(ctx context.Context, m *member, build func(port int) (Runner, error)) {
	logger := s.logger.With("account", m.name, "component", "companion")

	port, err := s.config.Ports.Acquire()
	if err != nil {
		logger.Error("companion not started", "error", err)
		return
	}
	c := &companion{port: port, done: make(chan struct{})}
	c.state.Store(int32(StateStarting))
	m.companion = c

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(c.done)
		defer s.config.Ports.Release(port)
		defer func() {
			if rec := recover(); rec != nil {
				c.state.Store(int32(StateFailed))
				logger.Error("companion panicked", "panic", rec, "stack", string(debug.Stack()))
			}
		}()

		runner, err := build(port)
		if err != nil {
			c.state.Store(int32(StateFailed))
			logger.Error("companion failed to start", "error", err)
			return
		}
		c.state.Store(int32(StateRunning))
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			c.state.Store(int32(StateFailed))
			logger.Error("companion ended", "error", err)
			return
		}
		c.state.Store(int32(StateStopped))
	}()
}

// exited reports whether the member and its companion have both returned.
func (m *member) exited() bool {
	select {
	case <-m.done:
	default:
		return false
	}
	if m.companion != nil {
		select {
		case <-m.companion.done:
		default:
			return false
		}
	}
	return true
}

func (m *member) fail(err error) {
	m.errMu.Lock()
	m.err = err
	m.errMu.Unlock()
	m.state.Store(int32(StateFailed))
}

// Sessions returns the status of every member in start order.
func (s *Supervisor) Sessions() []SessionStatus {
	s.mu.Lock()
	members := make([]*member, 0, len(s.order))
	for _, name := range s.order {
		members = append(members, s.members[name])
	}
	s.mu.Unlock()

	out := make([]SessionStatus, 0, len(members))
	for _, m := range members {
		m.errMu.Lock()
		status := SessionStatus{
			Name:  m.name,
			State: State(m.state.Load()),
			Err:   m.err,
		}
		runner := m.runner
		m.errMu.Unlock()

		if r, ok := runner.(statusReporter); ok {
			gs := r.Status()
			status.Gateway = &gs
		}
		if m.companion != nil {
			status.HasCompanion = true
			status.Companion = State(m.companion.state.Load())
		}
		out = append(out, status)
	}
	return out
}

// Stop cancels one member and its companion and waits for both to exit. It
// reports whether the name was known.
func (s *Supervisor) Stop(name string) bool {
	s.mu.Lock()
	m, ok := s.members[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	m.cancel()
	<-m.done
	if m.companion != nil {
		<-m.companion.done
	}
	return true
}

// Wait blocks until every member and companion has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown cancels all members and waits for them, or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, m := range s.members {
		m.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
