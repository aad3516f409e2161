package params

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Coerce classifies a raw value into exactly one typed bucket. Rules, first
// match wins:
//
//  1. textual                 -> string
//  2. floating-point number   -> double
//  3. integral number         -> long
//  4. time.Time               -> date
//  5. *Map (ordered mapping)  -> list of its values, keys dropped
//  6. slice or array          -> list, elements unchanged
//  7. anything else           -> object, stored as-is
//
// Coerce never fails and never panics. The key argument mirrors the builder
// callback and does not affect the result.
func Coerce(_ string, v any) Value {
	switch x := v.(type) {
	case nil:
		return ObjectValue(nil)
	case string:
		return StringValue(x)
	case float64:
		return DoubleValue(x)
	case float32:
		return DoubleValue(float64(x))
	case json.Number:
		return coerceNumber(x)
	case int:
		return LongValue(int64(x))
	case int64:
		return LongValue(x)
	case int32:
		return LongValue(int64(x))
	case int16:
		return LongValue(int64(x))
	case int8:
		return LongValue(int64(x))
	case time.Time:
		return DateValue(x)
	case *time.Time:
		if x == nil {
			return ObjectValue(nil)
		}
		return DateValue(*x)
	case *Map:
		if x == nil {
			return ObjectValue(nil)
		}
		return ListValue(x.Values())
	case []any:
		return ListValue(x)
	}
	return coerceReflect(v)
}

// coerceReflect handles named types (type Region string, type IDs []int64, ...).
func coerceReflect(v any) Value {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return StringValue(rv.String())
	case reflect.Float32, reflect.Float64:
		return DoubleValue(rv.Float())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return LongValue(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return ObjectValue(v)
		}
		return LongValue(int64(u))
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return ListValue([]any{})
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return ListValue(items)
	case reflect.Struct:
		if t, ok := v.(time.Time); ok {
			return DateValue(t)
		}
	}
	return ObjectValue(v)
}

func coerceNumber(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return LongValue(i)
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return DoubleValue(f)
	}
	return StringValue(s)
}
