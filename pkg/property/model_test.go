package property_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitycore/pkg/domain"
	"entitycore/pkg/property"
)

func TestModelEqualityFollowsAccessorIdentity(t *testing.T) {
	a := property.MustDefine("Order", property.Spec{Name: "status", Type: domain.StringType()})
	b := property.MustDefine("Order", property.Spec{Name: "status", Type: domain.StringType()})
	assert.Equal(t, a.QualifiedName(), b.QualifiedName())
	assert.False(t, a.Equal(b), "same qualified name on distinct accessors must differ")

	shared := property.NewAccessor("Order", "status")
	c, err := property.NewModel(shared, property.Spec{Type: domain.StringType()})
	require.NoError(t, err)
	d, err := property.NewModel(shared, property.Spec{Type: domain.IntType()})
	require.NoError(t, err)
	assert.True(t, c.Equal(d))
	assert.Equal(t, "Order:status", c.String())
}

func TestSetOnImmutablePropertyAlwaysFails(t *testing.T) {
	m := property.MustDefine("Order", property.Spec{Name: "id", Type: domain.StringType(), Immutable: true})
	cell := property.NewInstance(m, "order-1")

	for _, v := range []any{"order-2", "order-1", nil} {
		err := cell.Set(v)
		require.ErrorIs(t, err, property.ErrImmutableProperty)
		assert.Contains(t, err.Error(), "Order:id")
		assert.Equal(t, "order-1", cell.Get())
	}
}

func TestConstraintViolationKeepsPreviousValue(t *testing.T) {
	m := property.MustDefine("User", property.Spec{
		Name:        "name",
		Type:        domain.StringType(),
		Constraints: []property.Constraint{property.Tag("min=3,max=20")},
	})
	cell := property.NewInstance(m, "alice")

	err := cell.Set("al")
	require.ErrorIs(t, err, property.ErrConstraintViolation)
	var cve *property.ConstraintViolationError
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, m.QualifiedName(), cve.Property)
	require.Len(t, cve.Violations, 1)
	assert.Equal(t, "min=3,max=20", cve.Violations[0].Constraint)
	assert.Equal(t, "alice", cell.Get())

	require.NoError(t, cell.Set("bob"))
	assert.Equal(t, "bob", cell.Get())
}

func TestConstraintSetReportsEveryViolation(t *testing.T) {
	even := property.Rule("even", func(v any) error {
		if v.(int64)%2 != 0 {
			return errors.New("must be even")
		}
		return nil
	})
	m := property.MustDefine("Order", property.Spec{
		Name:        "quantity",
		Type:        domain.IntType(),
		Constraints: []property.Constraint{property.Tag("gte=10"), even, property.OneOf(int64(10), int64(12))},
	})

	err := m.CheckConstraints(int64(3))
	var cve *property.ConstraintViolationError
	require.ErrorAs(t, err, &cve)
	assert.Len(t, cve.Violations, 3)
	assert.NoError(t, m.CheckConstraints(int64(12)))

	err = m.CheckConstraints(nil)
	require.ErrorAs(t, err, &cve)
	assert.Equal(t, "required", cve.Violations[0].Constraint)

	optional := property.MustDefine("Order", property.Spec{Name: "note", Type: domain.StringType(), Optional: true,
		Constraints: []property.Constraint{property.Tag("notblank")}})
	assert.NoError(t, optional.CheckConstraints(nil))
	assert.Error(t, optional.CheckConstraints("   "))
}

func TestValuesMustMatchTheValueType(t *testing.T) {
	total := property.MustDefine("Order", property.Spec{Name: "total", Type: domain.IntType(),
		Constraints: []property.Constraint{property.Tag("gte=0")}})

	err := total.CheckConstraints("not-a-number")
	var cve *property.ConstraintViolationError
	require.ErrorAs(t, err, &cve)
	require.Len(t, cve.Violations, 1)
	assert.Equal(t, "type", cve.Violations[0].Constraint)
	assert.Error(t, total.CheckConstraints(2.5))

	v, err := total.Normalize(7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	_, err = total.Normalize(-1)
	require.ErrorIs(t, err, property.ErrConstraintViolation)

	cell := property.NewInstance(total, int64(1))
	require.ErrorIs(t, cell.Set(true), property.ErrConstraintViolation)
	assert.Equal(t, int64(1), cell.Get())
	require.NoError(t, cell.Set(float64(3)))
	assert.Equal(t, int64(3), cell.Get())

	scores := property.MustDefine("Order", property.Spec{Name: "scores", Type: domain.ListOf(domain.IntType())})
	v, err = scores.Normalize([]any{1, int64(2)})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2)}, v)
	assert.Error(t, scores.CheckConstraints([]any{"one"}))
}

func TestInitialValueDefaults(t *testing.T) {
	cases := []struct {
		name string
		typ  domain.ValueType
		want any
	}{
		{"int", domain.IntType(), int64(0)},
		{"float", domain.FloatType(), 0.0},
		{"string", domain.StringType(), ""},
		{"bool", domain.BoolType(), false},
		{"list", domain.ListOf(domain.StringType()), []any{}},
		{"set", domain.SetOf(domain.IntType()), []any{}},
		{"map", domain.MapOf(domain.IntType()), map[string]any{}},
		{"enum", domain.EnumOf("draft", "open"), "draft"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := property.MustDefine("T", property.Spec{Name: tc.name, Type: tc.typ, UseDefaults: true})
			first, err := m.InitialValue()
			require.NoError(t, err)
			second, err := m.InitialValue()
			require.NoError(t, err)
			assert.Equal(t, tc.want, first)
			assert.True(t, domain.ValuesEqual(first, second))
		})
	}

	for _, typ := range []domain.ValueType{domain.TimeType(), domain.AnyType()} {
		m := property.MustDefine("T", property.Spec{Name: "x", Type: typ, UseDefaults: true})
		_, err := m.InitialValue()
		assert.ErrorIs(t, err, property.ErrUnsupportedDefault)
	}

	plain := property.MustDefine("T", property.Spec{Name: "x", Type: domain.IntType()})
	v, err := plain.InitialValue()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestInitialValueExplicitDefaultIsCopiedEachTime(t *testing.T) {
	m := property.MustDefine("T", property.Spec{
		Name:    "tags",
		Type:    domain.ListOf(domain.StringType()),
		Default: []any{"a", "b"},
	})
	first, err := m.InitialValue()
	require.NoError(t, err)
	first.([]any)[0] = "changed"

	second, err := m.InitialValue()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, second)
}

func TestInitialValueParsesStringDefaults(t *testing.T) {
	limit := property.MustDefine("T", property.Spec{Name: "limit", Type: domain.IntType(), Default: "25", UseDefaults: true})
	v, err := limit.InitialValue()
	require.NoError(t, err)
	assert.Equal(t, int64(25), v)

	since := property.MustDefine("T", property.Spec{Name: "since", Type: domain.TimeType(), Default: "2024-01-02T03:04:05Z", UseDefaults: true})
	v, err = since.InitialValue()
	require.NoError(t, err)
	assert.True(t, v.(time.Time).Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	bad := property.MustDefine("T", property.Spec{Name: "bad", Type: domain.IntType(), Default: "nope", UseDefaults: true})
	_, err = bad.InitialValue()
	assert.Error(t, err)

	blank := property.MustDefine("T", property.Spec{Name: "blank", Type: domain.IntType(), Default: "", UseDefaults: true})
	v, err = blank.InitialValue()
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestInstanceEqualityByValue(t *testing.T) {
	a := property.MustDefine("A", property.Spec{Name: "tags", Type: domain.ListOf(domain.StringType())})
	b := property.MustDefine("B", property.Spec{Name: "labels", Type: domain.ListOf(domain.StringType())})
	left := property.NewInstance(a, []any{"x"})
	right := property.NewInstance(b, []any{"x"})
	assert.True(t, left.Equal(right))
	assert.False(t, left.Equal(property.NewInstance(a, []any{"y"})))
	assert.True(t, property.NewInstance(a, nil).Equal(property.NewInstance(b, nil)))
	assert.False(t, left.Equal(nil))
	assert.Equal(t, "[x]", left.String())
}

func TestModelOfDerivesFromDescriptor(t *testing.T) {
	m := property.MustDefine("Order", property.Spec{Name: "status", Type: domain.StringType()})
	assert.Same(t, m, property.ModelOf(m))

	derived := property.ModelOf(foreignDescriptor{})
	assert.Equal(t, domain.NewQualifiedName("Order", "total"), derived.QualifiedName())
	assert.True(t, derived.IsImmutable())
	assert.NoError(t, derived.CheckConstraints(nil))
}

type foreignDescriptor struct{}

func (foreignDescriptor) QualifiedName() domain.QualifiedName { return domain.NewQualifiedName("Order", "total") }
func (foreignDescriptor) ValueType() domain.ValueType         { return domain.IntType() }
func (foreignDescriptor) IsImmutable() bool                   { return true }
func (foreignDescriptor) IsQueryable() bool                   { return false }
