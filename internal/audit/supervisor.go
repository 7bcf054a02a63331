package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultBackoff = time.Second

type SupervisorState string

const (
	StateStopped    SupervisorState = "stopped"
	StateRunning    SupervisorState = "running"
	StateBackingOff SupervisorState = "backing_off"
	StateFatal      SupervisorState = "fatal"
)

// Session is one attempt at tailing. It is expected to block until it fails.
type Session func(ctx context.Context) error

type SupervisorOptions struct {
	Session Session
	Backoff time.Duration
	// Retryable reports whether a session failure is transient. Nil treats
	// only ErrCursorClosed as transient.
	Retryable func(error) bool
	// AfterSession runs after every session, successful or not.
	AfterSession func()
	Logger       *slog.Logger
}

type Supervisor struct {
	session      Session
	backoff      time.Duration
	retryable    func(error) bool
	afterSession func()
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    SupervisorState
	restarts uint64
	lastErr  error
}

func NewSupervisor(opts SupervisorOptions) (*Supervisor, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("%w: supervisor session is required", ErrInvalidInput)
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	retryable := opts.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return errors.Is(err, ErrCursorClosed) }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		session:      opts.Session,
		backoff:      backoff,
		retryable:    retryable,
		afterSession: opts.AfterSession,
		logger:       logger,
		sleep:        sleepContext,
		state:        StateStopped,
	}, nil
}

// Run restarts the session after every transient failure, waiting the fixed
// backoff in between, for as long as ctx lives. It returns nil once ctx is
// cancelled and the failure otherwise, which leaves the supervisor Fatal.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			s.setState(StateStopped, nil)
			return nil
		}
		s.setState(StateRunning, nil)
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			s.setState(StateStopped, err)
			return nil
		}
		if err == nil {
			err = ErrCursorClosed
		}
		var panicked *panicError
		if errors.As(err, &panicked) || !s.retryable(err) {
			s.setState(StateFatal, err)
			s.logger.Error("tail failed permanently", "error", err)
			return err
		}

		s.setState(StateBackingOff, err)
		s.logger.Warn("tail interrupted; restarting", "error", err, "backoff", s.backoff)
		if sleepErr := s.sleep(ctx, s.backoff); sleepErr != nil {
			s.setState(StateStopped, err)
			return nil
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
	}
}

func (s *Supervisor) runSession(ctx context.Context) (err error) {
	defer func() {
		if s.afterSession != nil {
			s.afterSession()
		}
	}()
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		err = &panicError{value: recovered}
	}()
	return s.session(ctx)
}

func (s *Supervisor) State() SupervisorState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) Restarts() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) setState(state SupervisorState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	if err != nil {
		s.lastErr = err
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("tail session: panic recovered: %v", e.value)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
