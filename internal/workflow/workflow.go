package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConflict is returned when an environment already has an active workflow.
	ErrConflict = errors.New("workflow already active for environment")
	// ErrCancelled is the terminal error of a cancelled workflow.
	ErrCancelled = errors.New("workflow cancelled")
)

type State string

const (
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type Kind string

const (
	KindCreate           Kind = "CREATE"
	KindGrow             Kind = "GROW"
	KindModify           Kind = "MODIFY"
	KindDestroy          Kind = "DESTROY"
	KindDestroyContainer Kind = "DESTROY_CONTAINER"
	KindAddSshKey        Kind = "ADD_SSH_KEY"
	KindRemoveSshKey     Kind = "REMOVE_SSH_KEY"
	KindResetP2PSecret   Kind = "RESET_P2P_SECRET"
	KindAssignDomain     Kind = "ASSIGN_DOMAIN"
	KindRemoveDomain     Kind = "REMOVE_DOMAIN"
	KindAddToDomain      Kind = "ADD_CONTAINER_TO_DOMAIN"
	KindRemoveFromDomain Kind = "REMOVE_CONTAINER_FROM_DOMAIN"
	KindChangeHostname   Kind = "CHANGE_HOSTNAME"
	KindExcludePeer      Kind = "EXCLUDE_PEER"
	KindReconcile        Kind = "RECONCILE"
)

const defaultRollbackDeadline = 2 * time.Minute

// Func is the body of a workflow. It should call Checkpoint between steps
// and pass Context() to every blocking call.
type Func func(w *Workflow) error

type undoStep struct {
	name string
	fn   func(ctx context.Context) error
}

type Options struct {
	// Category wraps every terminal error so callers can match the kind of
	// operation that failed with errors.Is.
	Category        error
	RollbackTimeout time.Duration
	Logger          *zap.Logger
}

// Workflow is one cancellable unit of work bound to a single environment.
// It moves from Running to exactly one of Completed, Failed or Cancelled.
type Workflow struct {
	ID            string
	EnvironmentID string
	Kind          Kind
	StartedAt     time.Time

	category        error
	rollbackTimeout time.Duration
	log             *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	cancelRequested bool
	started         bool
	// finishing is set once Run has decided the outcome; Cancel is refused
	// from then on.
	finishing bool
	err             error
	result          any
	failures        []Failure
	undo            []undoStep
	onFinish        []func()
	finishedAt      time.Time
}

func New(envID string, kind Kind, opts Options) *Workflow {
	if opts.RollbackTimeout <= 0 {
		opts.RollbackTimeout = defaultRollbackDeadline
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Workflow{
		ID:              id,
		EnvironmentID:   envID,
		Kind:            kind,
		StartedAt:       time.Now(),
		category:        opts.Category,
		rollbackTimeout: opts.RollbackTimeout,
		log: opts.Logger.Named("workflow").With(
			zap.String("workflow", id),
			zap.String("environment", envID),
			zap.String("kind", string(kind))),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateRunning,
	}
}

// Context is cancelled when the workflow is cancelled. Remote calls made by
// steps must use it so a cancel aborts their wait.
func (w *Workflow) Context() context.Context { return w.ctx }

// Logger returns the workflow-scoped logger.
func (w *Workflow) Logger() *zap.Logger { return w.log }

// Checkpoint returns ErrCancelled once cancellation has been requested.
func (w *Workflow) Checkpoint() error {
	select {
	case <-w.ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

// Step runs do after a checkpoint. When do succeeds, undo (if not nil) is
// pushed on the rollback stack.
func (w *Workflow) Step(name string, do, undo func(ctx context.Context) error) error {
	if err := w.Checkpoint(); err != nil {
		return err
	}
	if err := do(w.ctx); err != nil {
		if w.Cancelled() {
			return ErrCancelled
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if undo != nil {
		w.OnRollback(name, undo)
	}
	return nil
}

// OnRollback registers compensation for a change that has been applied.
// Safe for concurrent use by parallel steps.
func (w *Workflow) OnRollback(name string, fn func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.undo = append(w.undo, undoStep{name: name, fn: fn})
}

// Fail records a failed sub-operation without stopping the workflow.
func (w *Workflow) Fail(operation, target string, err error) {
	w.mu.Lock()
	w.failures = append(w.failures, Failure{Operation: operation, Target: target, Err: err})
	w.mu.Unlock()
	w.log.Warn("Step failed", zap.String("operation", operation), zap.String("target", target), zap.Error(err))
}

// Failures returns the sub-operations recorded with Fail so far.
func (w *Workflow) Failures() []Failure {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Failure(nil), w.failures...)
}

// Report returns the partial-failure report of the workflow, or nil when
// every sub-operation succeeded.
func (w *Workflow) Report() *PartialFailure {
	failures := w.Failures()
	if len(failures) == 0 {
		return nil
	}
	return &PartialFailure{Failures: failures}
}

func (w *Workflow) SetResult(v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.result = v
}

func (w *Workflow) Result() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Run executes fn and moves the workflow to its terminal state. It must be
// called exactly once.
func (w *Workflow) Run(fn Func) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		panic("workflow: Run called twice")
	}
	w.started = true
	w.mu.Unlock()

	err := w.invoke(fn)

	w.mu.Lock()
	w.finishing = true
	cancelled := w.cancelRequested
	w.mu.Unlock()

	var state State
	switch {
	case cancelled:
		state = StateCancelled
		err = ErrCancelled
	case err == nil:
		state = StateCompleted
	default:
		state = StateFailed
	}
	if state != StateCompleted {
		w.rollback()
	}
	if err != nil && w.category != nil {
		err = fmt.Errorf("%w: %w", w.category, err)
	}

	w.mu.Lock()
	w.state = state
	w.err = err
	w.finishedAt = time.Now()
	hooks := w.onFinish
	w.onFinish = nil
	w.mu.Unlock()
	w.cancel()

	for _, h := range hooks {
		h()
	}

	if err != nil {
		w.log.Info("Workflow finished", zap.String("state", string(state)), zap.Error(err))
	} else {
		w.log.Info("Workflow finished", zap.String("state", string(state)), zap.Int("failures", len(w.Failures())))
	}
	close(w.done)
}

// Start runs fn on a new goroutine.
func (w *Workflow) Start(fn Func) {
	go w.Run(fn)
}

func (w *Workflow) invoke(fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("workflow panicked: %v", p)
		}
	}()
	if err := w.Checkpoint(); err != nil {
		return err
	}
	return fn(w)
}

// rollback undoes applied steps in reverse order. Failures are logged and
// do not stop the remaining compensations.
func (w *Workflow) rollback() {
	w.mu.Lock()
	steps := w.undo
	w.undo = nil
	w.mu.Unlock()
	if len(steps) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.rollbackTimeout)
	defer cancel()
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if err := s.fn(ctx); err != nil {
			w.log.Warn("Rollback step failed", zap.String("step", s.name), zap.Error(err))
			continue
		}
		w.log.Debug("Rolled back step", zap.String("step", s.name))
	}
}

// Cancel requests cancellation. It reports false when the workflow had
// already decided its outcome; a true result means it ends Cancelled.
func (w *Workflow) Cancel() bool {
	w.mu.Lock()
	if w.finishing || w.state.Terminal() {
		w.mu.Unlock()
		return false
	}
	w.cancelRequested = true
	w.mu.Unlock()
	w.cancel()
	w.log.Info("Workflow cancellation requested")
	return true
}

// Cancelled reports whether Cancel was called while the workflow was running.
func (w *Workflow) Cancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelRequested
}

// Done is closed once the workflow is terminal.
func (w *Workflow) Done() <-chan struct{} { return w.done }

// Wait blocks until the workflow is terminal and returns its error. A ctx
// expiring stops the wait, not the workflow.
func (w *Workflow) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err is the terminal error: nil for Completed, wraps ErrCancelled for
// Cancelled.
func (w *Workflow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// addFinishHook runs h after the terminal state is set and before Done is
// closed. Hooks added after that point run immediately.
func (w *Workflow) addFinishHook(h func()) {
	w.mu.Lock()
	if w.state.Terminal() {
		w.mu.Unlock()
		h()
		return
	}
	w.onFinish = append(w.onFinish, h)
	w.mu.Unlock()
}

// Info is a point-in-time view of a workflow.
type Info struct {
	ID            string        `json:"id"`
	EnvironmentID string        `json:"environmentId"`
	Kind          Kind          `json:"kind"`
	State         State         `json:"state"`
	Error         string        `json:"error,omitempty"`
	Failures      []FailureInfo `json:"failures,omitempty"`
	StartedAt     time.Time     `json:"startedAt"`
	FinishedAt    *time.Time    `json:"finishedAt,omitempty"`
}

func (w *Workflow) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := Info{
		ID:            w.ID,
		EnvironmentID: w.EnvironmentID,
		Kind:          w.Kind,
		State:         w.state,
		StartedAt:     w.StartedAt,
	}
	if w.err != nil {
		info.Error = w.err.Error()
	}
	if !w.finishedAt.IsZero() {
		t := w.finishedAt
		info.FinishedAt = &t
	}
	for _, f := range w.failures {
		info.Failures = append(info.Failures, f.Info())
	}
	return info
}
