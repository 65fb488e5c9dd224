package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// HeartbeatConfig configures a heartbeat task.
type HeartbeatConfig struct {
	// Interval is the server-announced time between beats.
	Interval time.Duration

	// Jitter returns a value in [0, 1) scaling the delay before the first beat.
	// Defaults to math/rand.
	Jitter func() float64

	// Send transmits one heartbeat frame.
	Send func(ctx context.Context) error

	// OnError is called once if Send fails. The task stops afterwards.
	OnError func(err error)
}

// Heartbeat is a running keep-alive task. At most one beat is in flight and
// no beat fires after Stop returns.
type Heartbeat struct {
	config   HeartbeatConfig
	cancel   context.CancelFunc
	done     chan struct{}
	firstDue time.Duration

	mu    sync.Mutex
	beats int
	err   error
}

// StartHeartbeat launches a heartbeat task. The first beat fires after
// Interval*Jitter(), then every Interval until the task is stopped, ctx is
// cancelled, or a send fails.
func StartHeartbeat(ctx context.Context, config HeartbeatConfig) *Heartbeat {
	if config.Jitter == nil {
		config.Jitter = rand.Float64 // #nosec G404 -- jitter does not require cryptographic randomness
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Heartbeat{
		config:   config,
		cancel:   cancel,
		done:     make(chan struct{}),
		firstDue: firstBeatDelay(config.Interval, config.Jitter()),
	}
	go h.run(ctx)
	return h
}

func firstBeatDelay(interval time.Duration, jitter float64) time.Duration {
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	return time.Duration(float64(interval) * jitter)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	next := time.Now().Add(h.firstDue)
	timer := time.NewTimer(h.firstDue)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		// A cancelled task must not beat even if its timer fired first.
		if ctx.Err() != nil {
			return
		}

		if err := h.config.Send(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			if h.config.OnError != nil {
				h.config.OnError(err)
			}
			return
		}

		h.mu.Lock()
		h.beats++
		h.mu.Unlock()

		next = next.Add(h.config.Interval)
		timer.Reset(time.Until(next))
	}
}

// Stop cancels the task and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the task has exited.
func (h *Heartbeat) Done() <-chan struct{} {
	return h.done
}

// FirstDelay is the jittered delay chosen for the first beat.
func (h *Heartbeat) FirstDelay() time.Duration {
	return h.firstDue
}

// Beats returns the number of heartbeats sent so far.
func (h *Heartbeat) Beats() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.beats
}

// Err returns the send failure that ended the task, if any.
func (h *Heartbeat) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
