package supervisor

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "zambot/pkg/logx"
)

// Supervisor manages goroutines tied to a shared context:
// named goroutines for logging, panic recovery, optional restart with
// backoff, and graceful stop with timeout-aware waiting.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool
	errOnce     sync.Once
	firstErr    atomic.Value // stores error
	wg          sync.WaitGroup

	started atomic.Uint64
	active  atomic.Int64
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// FirstErr returns the first error reported by any goroutine, or nil.
func (s *Supervisor) FirstErr() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	err, _ := v.(error)
	return err
}

// Active reports the number of goroutines currently running.
func (s *Supervisor) Active() int64 { return s.active.Load() }

func (s *Supervisor) report(name string, err error) {
	if err == nil || err == context.Canceled {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
	if !s.log.IsZero() {
		s.log.Error("goroutine failed", logx.String("name", name), logx.Err(err))
	}
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			err = panicError{val: r}
		}
	}()
	return fn(s.ctx)
}

type panicError struct{ val any }

func (e panicError) Error() string { return "panic in supervised goroutine" }

// Go starts a named goroutine that runs fn once.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	s.started.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		s.report(name, s.run(name, fn))
	}()
}

// RestartOptions tunes GoRestart backoff.
type RestartOptions struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// GoRestart starts a named goroutine and restarts fn with exponential
// backoff whenever it returns an error or panics. A nil return or a
// cancelled context ends the loop.
//
// Restartable errors are logged but never cancel the supervisor: the whole
// point is to self-heal transient failures in long-running loops.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opt RestartOptions) {
	if opt.MinBackoff <= 0 {
		opt.MinBackoff = 500 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = 30 * time.Second
	}
	s.wg.Add(1)
	s.started.Add(1)
	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		backoff := opt.MinBackoff
		for {
			started := time.Now()
			err := s.run(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name),
					logx.Duration("backoff", backoff),
					logx.Err(err))
			}
			t := time.NewTimer(backoff)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			// A run that survived a while earns a fresh backoff window.
			if time.Since(started) >= 30*time.Second {
				backoff = opt.MinBackoff
			} else {
				backoff *= 2
				if backoff > opt.MaxBackoff {
					backoff = opt.MaxBackoff
				}
			}
		}
	}()
}

// Wait blocks until all goroutines have exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
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
