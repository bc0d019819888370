package trainconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	// KindOther holds JSON values outside the argument union (null, objects).
	// They are persisted verbatim and never encoded as arguments.
	KindOther Kind = iota
	KindBool
	KindScalar
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	default:
		return "other"
	}
}

// Value is one configuration value: a boolean, a scalar (string or number)
// or a list. Scalars keep their textual form so argument encoding never
// reformats a number the caller wrote.
type Value struct {
	kind    Kind
	boolean bool
	text    string
	numeric bool
	items   []Value
	raw     json.RawMessage
}

// Bool returns a boolean Value.
func Bool(b bool) Value {
	return Value{kind: KindBool, boolean: b}
}

// String returns a string scalar.
func String(s string) Value {
	return Value{kind: KindScalar, text: s}
}

// Number returns a numeric scalar from its textual JSON form.
func Number(n json.Number) Value {
	return Value{kind: KindScalar, text: n.String(), numeric: true}
}

// Int returns an integer scalar.
func Int(n int64) Value {
	return Number(json.Number(strconv.FormatInt(n, 10)))
}

// Float returns a float scalar formatted the way Python's str() would.
func Float(f float64) Value {
	return Number(json.Number(formatFloat(f)))
}

// List returns a list Value.
func List(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...)}
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// Bool reports the boolean held by a KindBool value.
func (v Value) Bool() bool { return v.kind == KindBool && v.boolean }

// Items returns the elements of a KindList value.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.items...)
}

// IsNumber reports whether a scalar came from a JSON/YAML number.
func (v Value) IsNumber() bool { return v.kind == KindScalar && v.numeric }

// Truthy mirrors the argument-encoding emptiness rule: false, "", numeric
// zero, an empty list and non-union values are all falsy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.boolean
	case KindScalar:
		if v.text == "" {
			return false
		}
		if v.numeric {
			f, err := strconv.ParseFloat(v.text, 64)
			return err != nil || f != 0
		}
		return true
	case KindList:
		return len(v.items) > 0
	default:
		return false
	}
}

// String renders the value as a single CLI token.
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		if v.boolean {
			return "true"
		}
		return "false"
	case KindScalar:
		return v.text
	case KindList:
		parts := make([]string, 0, len(v.items))
		for _, item := range v.items {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		if len(v.raw) == 0 {
			return "null"
		}
		return string(v.raw)
	}
}

// MarshalJSON writes the value in its original JSON form when it was
// decoded, or in canonical form when constructed in code.
func (v Value) MarshalJSON() ([]byte, error) {
	if len(v.raw) > 0 {
		return v.raw, nil
	}
	switch v.kind {
	case KindBool:
		return json.Marshal(v.boolean)
	case KindScalar:
		if v.numeric {
			return []byte(v.text), nil
		}
		return json.Marshal(v.text)
	case KindList:
		if v.items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.items)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON value into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := parseJSONValue(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func parseJSONValue(data []byte) (Value, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Value{}, fmt.Errorf("empty JSON value")
	}
	raw := json.RawMessage(append([]byte(nil), trimmed...))

	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return Value{}, err
		}
		val := Bool(b)
		val.raw = raw
		return val, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, err
		}
		val := String(s)
		val.raw = raw
		return val, nil
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, len(elems))
		for _, elem := range elems {
			item, err := parseJSONValue(elem)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		val := List(items...)
		val.raw = raw
		return val, nil
	case 'n', '{':
		if !json.Valid(trimmed) {
			return Value{}, fmt.Errorf("invalid JSON value %q", trimmed)
		}
		return Value{kind: KindOther, raw: raw}, nil
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return Value{}, fmt.Errorf("invalid JSON value %q: %w", trimmed, err)
		}
		val := Number(n)
		val.raw = raw
		return val, nil
	}
}

// fromNative converts a decoded YAML/Go value.
func fromNative(in any) (Value, error) {
	switch x := in.(type) {
	case nil:
		return Value{kind: KindOther, raw: json.RawMessage("null")}, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint64:
		return Number(json.Number(strconv.FormatUint(x, 10))), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Value{}, fmt.Errorf("unsupported float value %v", x)
		}
		return Float(x), nil
	case []any:
		items := make([]Value, 0, len(x))
		for _, elem := range x {
			item, err := fromNative(elem)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return List(items...), nil
	default:
		raw, err := json.Marshal(normalizeYAML(x))
		if err != nil {
			return Value{}, fmt.Errorf("unsupported value of type %T: %w", in, err)
		}
		return Value{kind: KindOther, raw: raw}, nil
	}
}

// normalizeYAML turns map[any]any trees into JSON-encodable maps.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, v := range x {
			out[i] = normalizeYAML(v)
		}
		return out
	default:
		return in
	}
}

// formatFloat renders f like Python's str(float): shortest round-trip
// digits, with a trailing ".0" on integral values.
func formatFloat(f float64) string {
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-4 || abs >= 1e16) {
		return strconv.FormatFloat(f, 'e', -1, 64)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
