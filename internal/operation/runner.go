// Package operation implements the single-flight lifecycle shared by every
// backend-backed action: idle -> running -> succeeded | failed.
package operation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KaramelBytes/dida-cli/internal/api"
	"github.com/KaramelBytes/dida-cli/internal/logger"
)

// Phase is the lifecycle position of one operation.
type Phase string

const (
	Idle      Phase = "idle"
	Running   Phase = "running"
	Succeeded Phase = "succeeded"
	Failed    Phase = "failed"
)

// ErrBusy is returned when Run is called while the same operation is in flight.
var ErrBusy = errors.New("operation already in progress")

// ErrDiscarded is returned when the runner was reset while the request was in
// flight; the late result belongs to data that no longer exists.
var ErrDiscarded = errors.New("result discarded: state was reset while the request was in flight")

// PreconditionError rejects a run locally, before any request is issued.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }

// State is a copy of one operation's lifecycle. Result and Err are never both set.
type State[T any] struct {
	Phase     Phase     `json:"phase"`
	Result    *T        `json:"result,omitempty"`
	Err       string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	SettledAt time.Time `json:"settled_at,omitzero"`
}

// Runner owns the state of one operation kind.
type Runner[T any] struct {
	name string
	log  logger.Logger
	now  func() time.Time

	mu       sync.Mutex
	state    State[T]
	gen      uint64
	inflight bool
}

// NewRunner returns an idle runner. name is used in logs only.
func NewRunner[T any](name string, log logger.Logger) *Runner[T] {
	if log == nil {
		log = logger.Nop()
	}
	return &Runner[T]{name: name, log: log, now: time.Now, state: State[T]{Phase: Idle}}
}

func (r *Runner[T]) Name() string { return r.name }

// Run executes fn as the single in-flight attempt. A call while another is
// running returns ErrBusy without invoking fn and without touching state.
// A *PreconditionError from check (if non-nil) also leaves state untouched.
func (r *Runner[T]) Run(ctx context.Context, check func() error, fn func(context.Context) (*T, error)) (*T, error) {
	r.mu.Lock()
	if r.inflight {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	if check != nil {
		if err := check(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	start := r.now()
	r.gen++
	gen := r.gen
	r.inflight = true
	r.state = State[T]{Phase: Running, StartedAt: start}
	r.mu.Unlock()

	r.log.Debug("operation", "started", map[string]any{"operation": r.name})
	res, err := fn(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight = false
	if r.gen != gen {
		r.log.Info("operation", "discarded stale result", map[string]any{"operation": r.name})
		if err != nil {
			return nil, err
		}
		return nil, ErrDiscarded
	}
	r.state.SettledAt = r.now()
	if err != nil {
		r.state.Phase = Failed
		r.state.Result = nil
		r.state.Err = api.Message(err)
		r.log.Warn("operation", "failed", map[string]any{"operation": r.name, "error": err.Error()})
		return nil, err
	}
	r.state.Phase = Succeeded
	r.state.Result = res
	r.state.Err = ""
	r.log.Info("operation", "succeeded", map[string]any{"operation": r.name, "elapsed": r.state.SettledAt.Sub(start).String()})
	return res, nil
}

// Snapshot returns a copy of the current state.
func (r *Runner[T]) Snapshot() State[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the stored result, or nil.
func (r *Runner[T]) Result() *T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Result
}

// Busy reports whether a request is in flight, including one whose outcome
// will be discarded after a Reset.
func (r *Runner[T]) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Reset returns the runner to idle with nothing stored. An in-flight request
// keeps the runner busy until it returns, but its outcome is discarded.
func (r *Runner[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.state = State[T]{Phase: Idle}
}

// Restore replaces the state, e.g. from a saved workspace. A persisted
// running phase cannot be resumed and is restored as failed.
func (r *Runner[T]) Restore(s State[T]) {
	if s.Phase == "" {
		s.Phase = Idle
	}
	if s.Phase == Running {
		s = State[T]{Phase: Failed, Err: "interrupted before completion", StartedAt: s.StartedAt}
	}
	if s.Phase == Failed {
		s.Result = nil
	}
	if s.Phase == Succeeded {
		s.Err = ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	r.state = s
}
