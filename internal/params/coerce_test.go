package params

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type region string

type point struct{ X, Y int }

func TestCoerceRules(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		kind Kind
		raw  any
	}{
		{name: "string", in: "us", kind: KindString, raw: "us"},
		{name: "named string", in: region("eu"), kind: KindString, raw: "eu"},
		{name: "float64", in: 1.5, kind: KindDouble, raw: 1.5},
		{name: "float32", in: float32(2.5), kind: KindDouble, raw: 2.5},
		{name: "int", in: 7, kind: KindLong, raw: int64(7)},
		{name: "int64", in: int64(-3), kind: KindLong, raw: int64(-3)},
		{name: "uint16", in: uint16(9), kind: KindLong, raw: int64(9)},
		{name: "json integral", in: json.Number("42"), kind: KindLong, raw: int64(42)},
		{name: "json fractional", in: json.Number("4.2"), kind: KindDouble, raw: 4.2},
		{name: "date", in: now, kind: KindDate, raw: now},
		{name: "date pointer", in: &now, kind: KindDate, raw: now},
		{name: "ordered map", in: MapOf("a", int64(1), "b", int64(2)), kind: KindList, raw: []any{int64(1), int64(2)}},
		{name: "any slice", in: []any{"x", 1}, kind: KindList, raw: []any{"x", 1}},
		{name: "typed slice", in: []string{"x", "y"}, kind: KindList, raw: []any{"x", "y"}},
		{name: "array", in: [2]int{1, 2}, kind: KindList, raw: []any{1, 2}},
		{name: "nil", in: nil, kind: KindObject, raw: nil},
		{name: "bool", in: true, kind: KindObject, raw: true},
		{name: "struct", in: point{1, 2}, kind: KindObject, raw: point{1, 2}},
		{name: "go map", in: map[string]int{"a": 1}, kind: KindObject, raw: map[string]int{"a": 1}},
		{name: "uint64 overflow", in: uint64(math.MaxUint64), kind: KindObject, raw: uint64(math.MaxUint64)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Coerce("k", tt.in)
			assert.Equal(t, tt.kind, got.Kind())
			assert.Equal(t, tt.raw, got.Raw())
		})
	}
}

func TestCoerceIsTotal(t *testing.T) {
	t.Parallel()
	var nilMap *Map
	var nilTime *time.Time
	var nilSlice []int
	inputs := []any{
		nil, "", 0, -1, 0.0, math.NaN(), math.Inf(1), uint8(1), uintptr(3), json.Number("x"),
		time.Time{}, nilTime, nilMap, NewMap(), nilSlice, []any{}, struct{}{}, make(chan int),
		func() {}, complex(1, 2), &point{}, map[any]any{},
	}
	valid := map[Kind]bool{KindString: true, KindDouble: true, KindLong: true, KindDate: true, KindList: true, KindObject: true}
	for _, in := range inputs {
		require.NotPanics(t, func() {
			got := Coerce("k", in)
			assert.True(t, valid[got.Kind()], "input %T classified as %v", in, got.Kind())
		})
	}
}

func TestCoerceNestedMapDropsKeys(t *testing.T) {
	t.Parallel()
	var m Map
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":2}`), &m))

	got := Coerce("nested", &m)
	require.Equal(t, KindList, got.Kind())
	assert.Equal(t, []any{int64(1), int64(2)}, got.List())
}
