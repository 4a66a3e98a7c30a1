// Package jobs runs the message log's periodic workers under a supervisor
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/pkg/types"
)

// Worker is a named long-running unit. Run returns when ctx is done or when
// the worker fails.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Decision tells the supervisor how to handle a failed worker
type Decision int

const (
	// Resume starts the worker again right away
	Resume Decision = iota
	// Restart starts the worker again after the restart delay and counts
	// towards the restart limit
	Restart
	// Escalate stops every worker and fails the supervisor
	Escalate
)

func (d Decision) String() string {
	switch d {
	case Resume:
		return "resume"
	case Restart:
		return "restart"
	default:
		return "escalate"
	}
}

// Classifier maps a worker failure to a Decision
type Classifier func(err error) Decision

// PanicError wraps a value recovered from a panicking worker
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panicked: %v", e.Value)
}

// DefaultClassifier escalates configuration errors, restarts panicked
// workers and resumes on anything else
func DefaultClassifier(err error) Decision {
	var p *PanicError
	switch {
	case types.ErrorCode(err) == types.CodeInvalidConfiguration:
		return Escalate
	case errors.As(err, &p):
		return Restart
	default:
		return Resume
	}
}

// SupervisorOptions configures a Supervisor
type SupervisorOptions struct {
	Classifier   Classifier
	RestartDelay time.Duration
	// MaxRestarts escalates once a worker was restarted more often; 0 means no limit
	MaxRestarts int
	Logger      *zap.Logger
}

// WorkerStatus is a snapshot of one supervised worker
type WorkerStatus struct {
	Running   bool   `json:"running"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

type handle struct {
	worker   Worker
	running  bool
	restarts int
	lastErr  error
}

type exit struct {
	name string
	err  error
}

// Supervisor owns a set of named workers. Exits are reported to a single
// loop over a channel; only that loop decides what happens next.
type Supervisor struct {
	opts    SupervisorOptions
	workers map[string]*handle
	exits   chan exit

	mu      sync.RWMutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewSupervisor creates a supervisor
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Supervisor{
		opts:    opts,
		workers: make(map[string]*handle),
		done:    make(chan struct{}),
	}
}

// Add registers a worker. Workers must be added before Start.
func (s *Supervisor) Add(w Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("supervisor already started")
	}
	if _, ok := s.workers[w.Name()]; ok {
		return fmt.Errorf("worker %q already registered", w.Name())
	}
	s.workers[w.Name()] = &handle{worker: w}
	return nil
}

// Start launches every worker
func (s *Supervisor) Start(parent context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.exits = make(chan exit, len(s.workers))
	for name, h := range s.workers {
		s.launch(ctx, name, h, 0)
	}
	running := len(s.workers)
	s.mu.Unlock()

	go s.loop(ctx, running)
	return nil
}

// launch must be called with mu held
func (s *Supervisor) launch(ctx context.Context, name string, h *handle, delay time.Duration) {
	h.running = true
	w := h.worker
	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				s.exits <- exit{name: name, err: ctx.Err()}
				return
			case <-t.C:
			}
		}
		s.exits <- exit{name: name, err: runSafely(ctx, w)}
	}()
}

func runSafely(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return w.Run(ctx)
}

func (s *Supervisor) loop(ctx context.Context, running int) {
	defer close(s.done)

	for running > 0 {
		e := <-s.exits
		running--

		s.mu.Lock()
		h := s.workers[e.name]
		h.running = false
		if e.err != nil && !errors.Is(e.err, context.Canceled) {
			h.lastErr = e.err
		}

		if ctx.Err() != nil {
			s.mu.Unlock()
			continue
		}
		if e.err == nil {
			s.mu.Unlock()
			s.opts.Logger.Info("Worker finished", zap.String("worker", e.name))
			continue
		}

		decision := s.opts.Classifier(e.err)
		if decision == Restart {
			h.restarts++
			if s.opts.MaxRestarts > 0 && h.restarts > s.opts.MaxRestarts {
				decision = Escalate
			}
		}
		s.opts.Logger.Warn("Worker failed",
			zap.String("worker", e.name),
			zap.Stringer("decision", decision),
			zap.Int("restarts", h.restarts),
			zap.Error(e.err))

		switch decision {
		case Resume:
			s.launch(ctx, e.name, h, 0)
			running++
		case Restart:
			s.launch(ctx, e.name, h, s.opts.RestartDelay)
			running++
		case Escalate:
			if s.err == nil {
				s.err = fmt.Errorf("worker %s: %w", e.name, e.err)
			}
			s.cancel()
		}
		s.mu.Unlock()
	}
}

// Done is closed once every worker has stopped
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err returns the escalated failure, if any
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Wait blocks until every worker has stopped
func (s *Supervisor) Wait() error {
	<-s.done
	return s.Err()
}

// Stop cancels the workers and waits for the running ones to return. Work
// that is in flight is allowed to complete until ctx expires.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.RLock()
	started, cancel := s.started, s.cancel
	s.mu.RUnlock()
	if !started {
		return nil
	}

	cancel()
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout: %w", ctx.Err())
	}
}

// Status returns a snapshot of every worker
func (s *Supervisor) Status() map[string]WorkerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]WorkerStatus, len(s.workers))
	for name, h := range s.workers {
		st := WorkerStatus{Running: h.running, Restarts: h.restarts}
		if h.lastErr != nil {
			st.LastError = h.lastErr.Error()
		}
		out[name] = st
	}
	return out
}

// Names returns the registered worker names in order
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
