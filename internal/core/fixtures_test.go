package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/internal/infra/persistence/memory"
	"entitycore/pkg/domain"
	"entitycore/pkg/property"
)

var (
	orderCode   = property.MustDefine("Order", property.Spec{Name: "code", Type: domain.StringType(), Immutable: true, Constraints: []property.Constraint{property.Tag("min=3")}})
	orderStatus = property.MustDefine("Order", property.Spec{Name: "status", Type: domain.EnumOf("draft", "open", "closed"), UseDefaults: true})
	orderTotal  = property.MustDefine("Order", property.Spec{Name: "total", Type: domain.IntType(), UseDefaults: true, Constraints: []property.Constraint{property.Tag("gte=0")}})
	orderNote   = property.MustDefine("Order", property.Spec{Name: "note", Type: domain.StringType(), Optional: true})

	orderCustomer = domain.NewQualifiedName("Order", "customer")
	orderItems    = domain.NewQualifiedName("Order", "items")

	customerName = property.MustDefine("Customer", property.Spec{Name: "name", Type: domain.StringType(), Constraints: []property.Constraint{property.Tag("notblank")}})
)

func testModule(t *testing.T) *domain.Module {
	t.Helper()
	module, err := domain.NewModule("test",
		&domain.EntityDescriptor{
			Type:             "Order",
			Properties:       []domain.PropertyDescriptor{orderCode, orderStatus, orderTotal, orderNote},
			Associations:     []domain.QualifiedName{orderCustomer},
			ManyAssociations: []domain.QualifiedName{orderItems},
		},
		&domain.EntityDescriptor{
			Type:       "Customer",
			Properties: []domain.PropertyDescriptor{customerName},
		},
	)
	if err != nil {
		t.Fatalf("module: %v", err)
	}
	return module
}

// versionSeq hands out v1, v2, ... as unit-of-work identities so store
// versions are predictable.
func versionSeq() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return "v" + itoa(n)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

type fixture struct {
	module  *domain.Module
	backend *memory.Store
	check   *ConcurrentModificationCheck
	factory *UnitOfWorkFactory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	module := testModule(t)
	backend := memory.NewStore()
	check := NewConcurrentModificationCheck(mapstore.New(backend, mapstore.WithIdentityGenerator(versionSeq())))
	return &fixture{
		module:  module,
		backend: backend,
		check:   check,
		factory: NewUnitOfWorkFactory(check, module, nil, nil),
	}
}

func (f *fixture) open(t *testing.T) *UnitOfWork {
	t.Helper()
	uow, err := f.factory.NewUnitOfWork(context.Background(), domain.Usecase{Name: "test"})
	if err != nil {
		t.Fatalf("open unit of work: %v", err)
	}
	return uow
}

// seedOrder commits an Order with the given reference and returns its version.
func (f *fixture) seedOrder(t *testing.T, ref domain.EntityReference) string {
	t.Helper()
	uow := f.open(t)
	if _, err := uow.NewEntity(ref, "Order", func(e *Entity) error {
		return e.Set("code", "ord-"+string(ref))
	}); err != nil {
		t.Fatalf("new order %s: %v", ref, err)
	}
	if err := uow.Complete(context.Background()); err != nil {
		t.Fatalf("complete seed: %v", err)
	}
	return f.storedVersion(t, ref)
}

func (f *fixture) storedVersion(t *testing.T, ref domain.EntityReference) string {
	t.Helper()
	data, err := f.backend.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("backend get %s: %v", ref, err)
	}
	version, err := mapstore.DecodeVersion(data)
	if err != nil {
		t.Fatalf("decode version: %v", err)
	}
	return version
}

func mustGet(t *testing.T, uow *UnitOfWork, ref domain.EntityReference) *Entity {
	t.Helper()
	e, err := uow.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get %s: %v", ref, err)
	}
	return e
}

func requireConflict(t *testing.T, err error, refs ...domain.EntityReference) {
	t.Helper()
	var conflict *domain.ConcurrentModificationError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected concurrent modification error, got %v", err)
	}
	for _, ref := range refs {
		if !conflict.Contains(ref) {
			t.Fatalf("conflict %v does not name %s", conflict.References, ref)
		}
	}
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) record(entry string) {
	c.mu.Lock()
	c.calls = append(c.calls, entry)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.record("d:" + msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.record("i:" + msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.record("w:" + msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.record("e:" + msg) }

func (c *captureLogger) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call == entry {
			return true
		}
	}
	return false
}
