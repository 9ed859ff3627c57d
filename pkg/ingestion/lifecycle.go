package ingestion

import (
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/checkpoint-pipeline/internal/metrics"
)

// State is the running state of a component.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Lifecycle guards start/stop transitions of a component. A transition is
// acquired under the lock and committed by releasing the returned token.
type Lifecycle struct {
	component string
	now       func() time.Time

	mu    sync.Mutex
	state State
}

func NewLifecycle(component string) *Lifecycle {
	return &Lifecycle{component: component, now: time.Now}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AcquireStart begins a stopped -> running transition.
func (l *Lifecycle) AcquireStart() (*Transition, error) {
	return l.acquire("start", StateStopped, StateStarting, StateRunning)
}

// AcquireShutdown begins a running -> stopped transition.
func (l *Lifecycle) AcquireShutdown() (*Transition, error) {
	return l.acquire("stop", StateRunning, StateStopping, StateStopped)
}

func (l *Lifecycle) acquire(kind string, from, during, to State) (*Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return nil, fmt.Errorf("%s: cannot %s while %s", l.component, kind, l.state)
	}
	l.state = during
	return &Transition{lifecycle: l, kind: kind, target: to, began: l.now()}, nil
}

// Transition is a held state transition. Release must be called on every
// exit path, typically with defer; only the first call has an effect.
type Transition struct {
	lifecycle *Lifecycle
	kind      string
	target    State
	began     time.Time

	once    sync.Once
	elapsed time.Duration
}

// Release commits the target state and records the transition latency.
func (t *Transition) Release() {
	t.once.Do(func() {
		l := t.lifecycle
		l.mu.Lock()
		l.state = t.target
		t.elapsed = l.now().Sub(t.began)
		l.mu.Unlock()
		metrics.TransitionLatency.WithLabelValues(l.component, t.kind).Observe(t.elapsed.Seconds())
	})
}

// Elapsed returns the transition duration once released.
func (t *Transition) Elapsed() time.Duration {
	return t.elapsed
}
