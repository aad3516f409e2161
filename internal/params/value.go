package params

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the closed set of parameter types the execution engine understands.
type Kind int

const (
	KindString Kind = iota + 1
	KindDouble
	KindLong
	KindDate
	KindList
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindDouble:
		return "double"
	case KindLong:
		return "long"
	case KindDate:
		return "date"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is one typed parameter value. Exactly one payload field is
// meaningful, selected by Kind.
type Value struct {
	kind Kind
	str  string
	dbl  float64
	lng  int64
	date time.Time
	list []any
	obj  any
}

func StringValue(s string) Value  { return Value{kind: KindString, str: s} }
func DoubleValue(f float64) Value { return Value{kind: KindDouble, dbl: f} }
func LongValue(i int64) Value     { return Value{kind: KindLong, lng: i} }
func DateValue(t time.Time) Value { return Value{kind: KindDate, date: t} }
func ListValue(items []any) Value { return Value{kind: KindList, list: items} }
func ObjectValue(v any) Value     { return Value{kind: KindObject, obj: v} }

func (v Value) Kind() Kind      { return v.kind }
func (v Value) Str() string     { return v.str }
func (v Value) Double() float64 { return v.dbl }
func (v Value) Long() int64     { return v.lng }
func (v Value) Date() time.Time { return v.date }
func (v Value) List() []any     { return v.list }
func (v Value) Object() any     { return v.obj }
func (v Value) IsZero() bool    { return v.kind == 0 }

func (v Value) Is(kinds ...Kind) bool {
	for _, k := range kinds {
		if v.kind == k {
			return true
		}
	}
	return false
}

// Raw returns the payload as a plain Go value.
func (v Value) Raw() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindDouble:
		return v.dbl
	case KindLong:
		return v.lng
	case KindDate:
		return v.date
	case KindList:
		return v.list
	default:
		return v.obj
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindDouble:
		return strconv.FormatFloat(v.dbl, 'g', -1, 64)
	case KindLong:
		return strconv.FormatInt(v.lng, 10)
	case KindDate:
		return v.date.Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Raw())
	}
}

type Entry struct {
	Key   string
	Value Value
}

// Set is the immutable, ordered parameter bag handed to the execution engine.
type Set struct {
	entries []Entry
}

func (s Set) Len() int { return len(s.entries) }

func (s Set) Get(key string) (Value, bool) {
	for _, e := range s.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Entries returns a copy of the entries in order.
func (s Set) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

func (s Set) Keys() []string {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Key)
	}
	return out
}

// Without returns a copy of s without the given keys.
func (s Set) Without(keys ...string) Set {
	out := Set{entries: make([]Entry, 0, len(s.entries))}
outer:
	for _, e := range s.entries {
		for _, k := range keys {
			if e.Key == k {
				continue outer
			}
		}
		out.entries = append(out.entries, e)
	}
	return out
}

// String renders "k=v" pairs; used for log fields and instance keys.
func (s Set) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range s.entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.Key)
		b.WriteByte('=')
		b.WriteString(e.Value.String())
		b.WriteByte('(')
		b.WriteString(e.Value.kind.String())
		b.WriteByte(')')
	}
	b.WriteByte('}')
	return b.String()
}

// setBuilder accumulates entries with map semantics: re-adding a key
// replaces its value in place.
type setBuilder struct {
	entries []Entry
	index   map[string]int
}

func (b *setBuilder) put(key string, v Value) {
	if b.index == nil {
		b.index = map[string]int{}
	}
	if i, ok := b.index[key]; ok {
		b.entries[i].Value = v
		return
	}
	b.index[key] = len(b.entries)
	b.entries = append(b.entries, Entry{Key: key, Value: v})
}

// putLast removes any existing entry for key and appends v at the end.
func (b *setBuilder) putLast(key string, v Value) {
	if i, ok := b.index[key]; ok {
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		delete(b.index, key)
		for k, j := range b.index {
			if j > i {
				b.index[k] = j - 1
			}
		}
	}
	b.put(key, v)
}

func (b *setBuilder) set() Set {
	return Set{entries: append([]Entry(nil), b.entries...)}
}
