package core

import (
	"context"
	"errors"
	"time"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/pkg/domain"
)

// Service runs application units of work against an optimistic-concurrency
// checked store and retries them on conflict.
type Service struct {
	store      domain.EntityStore
	module     *domain.Module
	factory    *UnitOfWorkFactory
	clock      Clock
	logger     Logger
	metrics    MetricsRecorder
	tracer     Tracer
	rules      *RulesEngine
	maxRetries int
	backoff    time.Duration
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for unit-of-work timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMetricsRecorder records one observation per unit-of-work attempt.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer starts one span per unit-of-work attempt.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithRulesEngine evaluates engine before every unit of work completes.
func WithRulesEngine(engine *RulesEngine) ServiceOption {
	return func(s *Service) {
		s.rules = engine
	}
}

// WithMaxRetries bounds how often RunInUnitOfWork retries after a conflict.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithBackoff sets the base delay between retries. Attempt n waits n times
// the base delay.
func WithBackoff(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// NewService constructs a service over store, which should normally be a
// *ConcurrentModificationCheck.
func NewService(store domain.EntityStore, module *domain.Module, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		module:     module,
		clock:      systemClock{},
		logger:     noopLogger{},
		metrics:    noopMetrics{},
		tracer:     noopTracer{},
		maxRetries: 3,
		backoff:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.factory = NewUnitOfWorkFactory(store, module, s.clock, s.logger).WithRules(s.rules)
	return s
}

// NewInMemoryService wires an in-memory map store behind the concurrency
// check.
func NewInMemoryService(module *domain.Module, opts ...ServiceOption) *Service {
	check := NewConcurrentModificationCheck(mapstore.New(memory.NewStore()))
	s := NewService(check, module, opts...)
	check.logger = s.logger
	return s
}

// Store returns the store units of work are opened on.
func (s *Service) Store() domain.EntityStore { return s.store }

// Module returns the entity type registry.
func (s *Service) Module() *domain.Module { return s.module }

// NewUnitOfWork opens a unit of work the caller must Complete or Discard.
func (s *Service) NewUnitOfWork(ctx context.Context, usecase domain.Usecase) (*UnitOfWork, error) {
	return s.factory.NewUnitOfWork(ctx, usecase)
}

// RunInUnitOfWork runs fn in a fresh unit of work and completes it. When
// completion fails with a concurrent modification the whole unit of work,
// fn included, is retried up to the configured limit. fn may complete or
// discard the unit of work itself.
func (s *Service) RunInUnitOfWork(ctx context.Context, usecase domain.Usecase, fn func(ctx context.Context, uow *UnitOfWork) error) error {
	if usecase.Name == "" {
		usecase = domain.DefaultUsecase
	}
	for attempt := 1; ; attempt++ {
		err := s.run(ctx, usecase, fn)
		var conflict *domain.ConcurrentModificationError
		if err == nil || !errors.As(err, &conflict) {
			return err
		}
		if attempt > s.maxRetries {
			s.logger.Warn("unit of work conflict retries exhausted", "usecase", usecase.Name, "attempts", attempt, "references", conflict.References)
			return err
		}
		s.logger.Info("retrying unit of work after conflict", "usecase", usecase.Name, "attempt", attempt, "references", conflict.References)
		if err := s.wait(ctx, time.Duration(attempt)*s.backoff); err != nil {
			return err
		}
	}
}

func (s *Service) run(ctx context.Context, usecase domain.Usecase, fn func(context.Context, *UnitOfWork) error) (err error) {
	op := usecase.Name
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	defer func() {
		s.metrics.Observe(ctx, op, err == nil, time.Since(start))
		var conflict *domain.ConcurrentModificationError
		if errors.As(err, &conflict) {
			if recorder, ok := s.metrics.(ConflictRecorder); ok {
				recorder.ObserveConflict(ctx, op, len(conflict.References))
			}
		}
		span.End(err)
	}()

	uow, err := s.factory.NewUnitOfWork(ctx, usecase)
	if err != nil {
		return err
	}
	defer uow.Discard()
	if err := fn(ctx, uow); err != nil {
		s.logger.Debug("unit of work function failed", "uow", uow.Identity(), "usecase", op, "error", err)
		return err
	}
	if !uow.IsOpen() {
		return nil
	}
	return uow.Complete(ctx)
}

func (s *Service) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
