package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"batchbridge/internal/params"
)

// Job data is stored as an ordered list of tagged entries so that key order
// and the long/double/date distinction survive a round trip:
//
//	[{"k":"region","t":"s","v":"us"},{"k":"limit","t":"i","v":10}]
//
// Tags: s string, i integer, f float, d date (RFC 3339), b bool, n null,
// m nested map, l list, o any other value (plain JSON, decoded generically).
// Non-finite floats have no JSON number form and are stored as the strings
// "NaN", "+Inf" and "-Inf" under the f tag.

type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

type taggedEntry struct {
	K string `json:"k"`
	taggedValue
}

// EncodeData serializes m. A nil map encodes as an empty list.
func EncodeData(m *params.Map) ([]byte, error) {
	entries, err := encodeEntries(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// DecodeData is the inverse of EncodeData. Empty input yields an empty map.
func DecodeData(b []byte) (*params.Map, error) {
	out := params.NewMap()
	if len(bytes.TrimSpace(b)) == 0 {
		return out, nil
	}
	var entries []taggedEntry
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("storage: decode job data: %w", err)
	}
	for _, e := range entries {
		v, err := decodeTagged(e.taggedValue)
		if err != nil {
			return nil, fmt.Errorf("storage: decode job data %q: %w", e.K, err)
		}
		out.Set(e.K, v)
	}
	return out, nil
}

func encodeEntries(m *params.Map) ([]taggedEntry, error) {
	entries := make([]taggedEntry, 0, m.Len())
	for k, v := range m.All() {
		tv, err := encodeTagged(v)
		if err != nil {
			return nil, fmt.Errorf("storage: encode job data %q: %w", k, err)
		}
		entries = append(entries, taggedEntry{K: k, taggedValue: tv})
	}
	return entries, nil
}

func raw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	return json.RawMessage(b), err
}

func encodeTagged(v any) (taggedValue, error) {
	var (
		tag string
		val any
	)
	switch x := v.(type) {
	case nil:
		return taggedValue{T: "n"}, nil
	case string:
		tag, val = "s", x
	case bool:
		tag, val = "b", x
	case time.Time:
		tag, val = "d", x.Format(time.RFC3339Nano)
	case *time.Time:
		if x == nil {
			return taggedValue{T: "n"}, nil
		}
		tag, val = "d", x.Format(time.RFC3339Nano)
	case json.Number:
		if _, err := x.Int64(); err == nil {
			tag, val = "i", x
		} else {
			tag, val = "f", x
		}
	case *params.Map:
		if x == nil {
			return taggedValue{T: "n"}, nil
		}
		entries, err := encodeEntries(x)
		if err != nil {
			return taggedValue{}, err
		}
		tag, val = "m", entries
	case []any:
		items := make([]taggedValue, 0, len(x))
		for _, it := range x {
			tv, err := encodeTagged(it)
			if err != nil {
				return taggedValue{}, err
			}
			items = append(items, tv)
		}
		tag, val = "l", items
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			tag, val = "i", rv.Int()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			tag, val = "i", rv.Uint()
		case reflect.Float32, reflect.Float64:
			tag, val = "f", floatPayload(rv.Float())
		default:
			tag, val = "o", v
		}
	}
	b, err := raw(val)
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{T: tag, V: b}, nil
}

func floatPayload(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

func decodeTagged(tv taggedValue) (any, error) {
	unmarshal := func(dst any) error {
		dec := json.NewDecoder(bytes.NewReader(tv.V))
		dec.UseNumber()
		return dec.Decode(dst)
	}
	switch tv.T {
	case "n":
		return nil, nil
	case "s":
		var s string
		err := unmarshal(&s)
		return s, err
	case "b":
		var b bool
		err := unmarshal(&b)
		return b, err
	case "d":
		var s string
		if err := unmarshal(&s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case "i":
		var n json.Number
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		// Larger than int64: keep the exact value.
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "f":
		if bytes.HasPrefix(bytes.TrimSpace(tv.V), []byte(`"`)) {
			var s string
			if err := unmarshal(&s); err != nil {
				return nil, err
			}
			return strconv.ParseFloat(s, 64)
		}
		var n json.Number
		if err := unmarshal(&n); err != nil {
			return nil, err
		}
		return n.Float64()
	case "m":
		m := params.NewMap()
		var entries []taggedEntry
		if err := unmarshal(&entries); err != nil {
			return nil, err
		}
		for _, e := range entries {
			v, err := decodeTagged(e.taggedValue)
			if err != nil {
				return nil, err
			}
			m.Set(e.K, v)
		}
		return m, nil
	case "l":
		var items []taggedValue
		if err := unmarshal(&items); err != nil {
			return nil, err
		}
		out := make([]any, 0, len(items))
		for _, it := range items {
			v, err := decodeTagged(it)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "o":
		var v any
		err := unmarshal(&v)
		return v, err
	default:
		return nil, fmt.Errorf("unknown value tag %q", tv.T)
	}
}
