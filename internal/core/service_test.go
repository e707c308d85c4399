package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitycore/pkg/domain"
)

func newTestService(t *testing.T, f *fixture, opts ...ServiceOption) *Service {
	t.Helper()
	return NewService(f.check, f.module, append([]ServiceOption{WithBackoff(0)}, opts...)...)
}

// bumpConcurrently commits a total increment of ref in a separate unit of work.
func bumpConcurrently(ctx context.Context, svc *Service, ref domain.EntityReference) error {
	other, err := svc.NewUnitOfWork(ctx, domain.Usecase{Name: "interloper"})
	if err != nil {
		return err
	}
	defer other.Discard()
	order, err := other.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := order.Set("total", order.Get("total").(int64)+1); err != nil {
		return err
	}
	return other.Complete(ctx)
}

func TestRunInUnitOfWorkRetriesOnConflict(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	logger := &captureLogger{}
	svc := newTestService(t, f, WithLogger(logger))

	attempts := 0
	err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "bump"}, func(ctx context.Context, uow *UnitOfWork) error {
		attempts++
		order, err := uow.Get(ctx, "order-1")
		if err != nil {
			return err
		}
		if attempts == 1 {
			if err := bumpConcurrently(ctx, svc, "order-1"); err != nil {
				return err
			}
		}
		return order.Set("total", order.Get("total").(int64)+1)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry, got %d attempts", attempts)
	}
	if !logger.has("i:retrying unit of work after conflict") {
		t.Fatalf("expected retry log, got %v", logger.calls)
	}

	reader := f.open(t)
	defer reader.Discard()
	if got := mustGet(t, reader, "order-1").Get("total"); got != int64(2) {
		t.Fatalf("expected both increments to survive, got %v", got)
	}
}

func TestRunInUnitOfWorkGivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	logger := &captureLogger{}
	svc := newTestService(t, f, WithLogger(logger), WithMaxRetries(1))

	attempts := 0
	err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "bump"}, func(ctx context.Context, uow *UnitOfWork) error {
		attempts++
		order, err := uow.Get(ctx, "order-1")
		if err != nil {
			return err
		}
		if err := bumpConcurrently(ctx, svc, "order-1"); err != nil {
			return err
		}
		return order.Set("note", "contended")
	})
	requireConflict(t, err, "order-1")
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if !logger.has("w:unit of work conflict retries exhausted") {
		t.Fatalf("expected exhaustion log, got %v", logger.calls)
	}
}

func TestRunInUnitOfWorkDoesNotRetryOtherErrors(t *testing.T) {
	f := newFixture(t)
	svc := newTestService(t, f)

	boom := errors.New("invalid order")
	attempts := 0
	err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "create"}, func(ctx context.Context, uow *UnitOfWork) error {
		attempts++
		if _, err := uow.NewEntity("order-1", "Order", func(e *Entity) error { return e.Set("code", "ord-1") }); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) || attempts != 1 {
		t.Fatalf("expected single failed attempt, got %d: %v", attempts, err)
	}
	if f.backend.Len() != 0 {
		t.Fatalf("failed unit of work must not write")
	}
}

func TestRunInUnitOfWorkAllowsExplicitCompletion(t *testing.T) {
	f := newFixture(t)
	svc := newTestService(t, f)

	err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{}, func(ctx context.Context, uow *UnitOfWork) error {
		if uow.Usecase().Name != domain.DefaultUsecase.Name {
			t.Errorf("expected default usecase, got %q", uow.Usecase().Name)
		}
		if _, err := uow.NewEntity("order-1", "Order", func(e *Entity) error { return e.Set("code", "ord-1") }); err != nil {
			return err
		}
		return uow.Complete(ctx)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.backend.Len() != 1 {
		t.Fatalf("expected stored order")
	}

	err = svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "peek"}, func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.Get(ctx, "order-1")
		uow.Discard()
		return err
	})
	if err != nil {
		t.Fatalf("discarding run: %v", err)
	}
}

func TestRunInUnitOfWorkStopsWaitingOnCancel(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	svc := newTestService(t, f, WithBackoff(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	attempts := 0
	err := svc.RunInUnitOfWork(ctx, domain.Usecase{Name: "bump"}, func(ctx context.Context, uow *UnitOfWork) error {
		attempts++
		order, err := uow.Get(ctx, "order-1")
		if err != nil {
			return err
		}
		if err := bumpConcurrently(ctx, svc, "order-1"); err != nil {
			return err
		}
		return order.Set("note", "late")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no second attempt, got %d", attempts)
	}
}

func TestServiceOptionsIgnoreInvalidValues(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.check, f.module, WithMaxRetries(-1), WithBackoff(-time.Second), WithLogger(nil), WithClock(nil), WithMetricsRecorder(nil), WithTracer(nil))
	if svc.maxRetries != 3 || svc.backoff != 10*time.Millisecond {
		t.Fatalf("expected defaults to survive, got %d %v", svc.maxRetries, svc.backoff)
	}
	if svc.Store() != f.check || svc.Module() != f.module {
		t.Fatalf("unexpected store or module")
	}
	if _, ok := svc.logger.(noopLogger); !ok {
		t.Fatalf("expected noop logger")
	}
}

func TestServiceUsesClock(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	svc := newTestService(t, f, WithClock(ClockFunc(func() time.Time { return now })))

	uow, err := svc.NewUnitOfWork(context.Background(), domain.Usecase{Name: "clock"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer uow.Discard()
	if !uow.CurrentTime().Equal(now) {
		t.Fatalf("expected clock time, got %v", uow.CurrentTime())
	}
}

func TestInMemoryServiceRoundTrip(t *testing.T) {
	logger := &captureLogger{}
	svc := NewInMemoryService(testModule(t), WithBackoff(0), WithLogger(logger))
	check, ok := svc.Store().(*ConcurrentModificationCheck)
	if !ok {
		t.Fatalf("expected checked store, got %T", svc.Store())
	}
	if check.logger != Logger(logger) {
		t.Fatalf("expected the check to share the service logger")
	}
	if svc.factory.store != svc.Store() || svc.factory.logger != Logger(logger) {
		t.Fatalf("expected the factory to open units of work on the checked store")
	}
	ctx := context.Background()
	err := svc.RunInUnitOfWork(ctx, domain.Usecase{Name: "create"}, func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.NewEntity("cust-1", "Customer", func(e *Entity) error { return e.Set("name", "Grace") })
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = svc.RunInUnitOfWork(ctx, domain.Usecase{Name: "read"}, func(ctx context.Context, uow *UnitOfWork) error {
		customer, err := uow.Get(ctx, "cust-1")
		if err != nil {
			return err
		}
		if customer.Get("name") != "Grace" {
			t.Errorf("unexpected name %v", customer.Get("name"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}

func TestServiceRulesBlockDanglingAssociation(t *testing.T) {
	f := newFixture(t)
	svc := newTestService(t, f, WithRulesEngine(NewDefaultRulesEngine()))

	err := svc.RunInUnitOfWork(context.Background(), domain.Usecase{Name: "create"}, func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.NewEntity("order-1", "Order", func(e *Entity) error {
			if err := e.Set("code", "ord-1"); err != nil {
				return err
			}
			return e.State().SetAssociationValue(orderCustomer, "cust-missing")
		})
		return err
	})
	var blocked RuleViolationError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if f.backend.Len() != 0 {
		t.Fatalf("blocked unit of work must not write")
	}
}
