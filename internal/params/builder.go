package params

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// UUIDKey is the generated run-uniqueness entry appended to every Set.
const UUIDKey = "uuid"

// ErrNotEnumerable is returned by BuildAny for sources that expose no fields.
var ErrNotEnumerable = errors.New("parameter source is not enumerable")

// Field is one named member of a structured parameter object.
type Field struct {
	Name  string
	Value any
}

// FieldSource is implemented by structured parameter objects (request DTOs).
// Fields must return the declared members in declaration order, or an error
// when a member cannot be read.
type FieldSource interface {
	Fields() ([]Field, error)
}

// FieldFunc adapts a function to FieldSource.
type FieldFunc func() ([]Field, error)

func (f FieldFunc) Fields() ([]Field, error) { return f() }

// AccessError reports a structured source whose fields could not be read.
type AccessError struct {
	Source string // Go type of the source
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("params: read fields of %s: %v", e.Source, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// Builder turns raw parameter sources into typed Sets. It holds no mutable
// state and is safe for concurrent use.
type Builder struct {
	token func() string
}

type BuilderOption func(*Builder)

// WithTokenSource overrides the uuid generator (tests).
func WithTokenSource(fn func() string) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.token = fn
		}
	}
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{token: uuid.NewString}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build coerces every entry of m in order and appends a fresh uuid.
func (b *Builder) Build(m *Map) Set {
	var sb setBuilder
	for k, v := range m.All() {
		sb.put(k, Coerce(k, v))
	}
	return b.finish(&sb)
}

// BuildFrom enumerates a structured source. A field read failure aborts the
// whole build; no partial Set is returned.
func (b *Builder) BuildFrom(src FieldSource) (Set, error) {
	if src == nil {
		return Set{}, &AccessError{Source: "<nil>", Err: ErrNotEnumerable}
	}
	fields, err := src.Fields()
	if err != nil {
		return Set{}, &AccessError{Source: fmt.Sprintf("%T", src), Err: err}
	}
	var sb setBuilder
	for _, f := range fields {
		sb.put(f.Name, Coerce(f.Name, f.Value))
	}
	return b.finish(&sb), nil
}

// BuildAny dispatches on the source shape: *Map, FieldSource, or a plain
// map[string]any (entries sorted by key since Go maps carry no order).
func (b *Builder) BuildAny(src any) (Set, error) {
	switch x := src.(type) {
	case nil:
		return b.Build(nil), nil
	case *Map:
		return b.Build(x), nil
	case Map:
		return b.Build(&x), nil
	case FieldSource:
		return b.BuildFrom(x)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMap()
		for _, k := range keys {
			m.Set(k, x[k])
		}
		return b.Build(m), nil
	default:
		return Set{}, &AccessError{Source: fmt.Sprintf("%T", src), Err: ErrNotEnumerable}
	}
}

func (b *Builder) finish(sb *setBuilder) Set {
	tok := uuid.NewString
	if b != nil && b.token != nil {
		tok = b.token
	}
	sb.putLast(UUIDKey, StringValue(tok()))
	return sb.set()
}
