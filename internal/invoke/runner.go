package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout bounds a single function execution
const DefaultTimeout = 150 * time.Second

var (
	// ErrUnknownFunction means no handler is registered under the requested name
	ErrUnknownFunction = errors.New("unknown function")
	// ErrShuttingDown means the runner no longer accepts work
	ErrShuttingDown = errors.New("runner is shutting down")
)

// Handler executes one function for one receipt
type Handler func(ctx context.Context, receiptID string) error

// Runner executes handlers detached from the caller, each bounded by an execution-time limit
type Runner struct {
	logger  *slog.Logger
	timeout time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// Option configures a Runner
type Option func(*Runner)

// WithTimeout sets the execution-time limit per function
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger used to report outcomes
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner creates a Runner
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Go starts fn in its own goroutine. The context it receives is not cancelled with ctx,
// only by the execution-time limit.
func (r *Runner) Go(ctx context.Context, function, receiptID string, fn Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShuttingDown
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		start := time.Now()
		err := r.run(runCtx, receiptID, fn)
		if err != nil {
			r.logger.Error("Function failed", "function", function, "receipt_id", receiptID, "duration", time.Since(start), "error", err)
			return
		}
		r.logger.Info("Function finished", "function", function, "receipt_id", receiptID, "duration", time.Since(start))
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, receiptID string, fn Handler) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, receiptID)
}

// Wait stops accepting work and blocks until running functions finish or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); r.wg.Wait() }()

	select {
	case <-ctx.Done():
		r.logger.Warn("Shutdown interrupted with functions still running")
		return ctx.Err()
	case <-done:
		return nil
	}
}

// LocalInvoker dispatches registered handlers in-process on a Runner
type LocalInvoker struct {
	runner *Runner

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLocalInvoker creates a LocalInvoker on runner
func NewLocalInvoker(runner *Runner) *LocalInvoker {
	return &LocalInvoker{
		runner:   runner,
		handlers: make(map[string]Handler),
	}
}

// Register binds a function name to a handler, replacing any earlier binding
func (l *LocalInvoker) Register(function string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[function] = h
}

// Handler returns the handler registered for function
func (l *LocalInvoker) Handler(function string) (Handler, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.handlers[function]
	return h, ok
}

// Invoke dispatches function for receiptID and returns once it is running
func (l *LocalInvoker) Invoke(ctx context.Context, function, receiptID string) error {
	h, ok := l.Handler(function)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFunction, function)
	}
	return l.runner.Go(ctx, function, receiptID, h)
}
