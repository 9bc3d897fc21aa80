package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Kind identifies which primitive a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// MaxPayloadKeys bounds the number of entries in a single payload.
const MaxPayloadKeys = 256

// Value is one primitive payload value: a string, a number or a boolean.
// Numbers are exact decimals so that their canonical text never depends on
// float formatting.
type Value struct {
	kind Kind
	str  string
	num  decimal.Decimal
	b    bool
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

// Int returns a numeric Value holding n.
func Int(n int64) Value { return Number(decimal.NewFromInt(n)) }

// Float returns a numeric Value holding f. NaN and infinities have no
// canonical form and produce an invalid Value.
func Float(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}
	}
	return Number(decimal.NewFromFloat(f))
}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsNumber returns the decimal held by v.
func (v Value) AsNumber() (decimal.Decimal, bool) { return v.num, v.kind == KindNumber }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Equal reports whether both values have the same kind and content.
// Numerically equal decimals compare equal regardless of scale.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num.Equal(o.num)
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// Text renders v for display (no JSON quoting).
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num.String()
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// Numbers render in plain decimal notation, so the written length grows
// with the exponent.
const (
	maxNumberExponent = 1000
	maxNumberDigits   = 256
)

func (v Value) validate() error {
	switch v.kind {
	case KindString:
		if !utf8.ValidString(v.str) {
			return validationErrorf("string value is not valid UTF-8")
		}
		return nil
	case KindNumber:
		if exp := v.num.Exponent(); exp > maxNumberExponent || exp < -maxNumberExponent {
			return validationErrorf("number exponent %d out of range", exp)
		}
		if n := v.num.NumDigits(); n > maxNumberDigits {
			return validationErrorf("number has %d significant digits, limit %d", n, maxNumberDigits)
		}
		return nil
	case KindBool:
		return nil
	default:
		return validationErrorf("value has no primitive kind")
	}
}

// appendCanonical writes the canonical JSON form of v. Callers validate
// first; an invalid value renders as null.
func (v Value) appendCanonical(buf *bytes.Buffer) {
	switch v.kind {
	case KindString:
		writeJSONString(buf, v.str)
	case KindNumber:
		buf.WriteString(v.num.String())
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	default:
		buf.WriteString("null")
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if err := v.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	v.appendCanonical(&buf)
	return buf.Bytes(), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return validationErrorf("empty value")
	}
	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return validationErrorf("bad string value: %v", err)
		}
		*v = String(s)
	case c == 't' || c == 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return validationErrorf("bad boolean value: %v", err)
		}
		*v = Bool(b)
	case c == '-' || (c >= '0' && c <= '9'):
		d, err := decimal.NewFromString(string(data))
		if err != nil {
			return validationErrorf("bad number %q: %v", data, err)
		}
		*v = Number(d)
		return v.validate()
	case c == 'n':
		return validationErrorf("null is not a permitted payload value")
	case c == '{' || c == '[':
		return validationErrorf("nested objects and arrays are not permitted payload values")
	default:
		return validationErrorf("unrecognised value %q", data)
	}
	return nil
}

// Payload is the caller-supplied body of a block: a flat map of primitive
// values. Key order never matters; canonical encoding sorts keys.
type Payload map[string]Value

// Keys returns the payload keys in lexicographic order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value stored under key.
func (p Payload) Get(key string) (Value, bool) {
	v, ok := p[key]
	return v, ok
}

// Clone returns an independent copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both payloads hold the same keys and values.
func (p Payload) Equal(o Payload) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Validate checks that the payload can be serialized canonically.
func (p Payload) Validate() error {
	if len(p) > MaxPayloadKeys {
		return validationErrorf("payload has %d keys, limit is %d", len(p), MaxPayloadKeys)
	}
	for k, v := range p {
		if k == "" {
			return validationErrorf("payload key must not be empty")
		}
		if !utf8.ValidString(k) {
			return validationErrorf("payload key %q is not valid UTF-8", k)
		}
		if err := v.validate(); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

func (p Payload) appendCanonical(buf *bytes.Buffer) {
	buf.WriteByte('{')
	for i, k := range p.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		p[k].appendCanonical(buf)
	}
	buf.WriteByte('}')
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	p.appendCanonical(&buf)
	return buf.Bytes(), nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return validationErrorf("payload must be an object")
	}
	var raw map[string]Value
	if err := json.Unmarshal(data, &raw); err != nil {
		return validationErrorf("payload: %v", err)
	}
	out := Payload(raw)
	if err := out.Validate(); err != nil {
		return err
	}
	*p = out
	return nil
}

// PayloadFromMap converts loosely typed Go values into a Payload. Accepted
// value types are strings, booleans, integers, floats, json.Number and
// decimal.Decimal.
func PayloadFromMap(m map[string]any) (Payload, error) {
	out := make(Payload, len(m))
	for k, raw := range m {
		v, err := valueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = v
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func valueOf(raw any) (Value, error) {
	switch x := raw.(type) {
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		return Number(decimal.NewFromUint64(x)), nil
	case float32:
		return checkedFloat(float64(x))
	case float64:
		return checkedFloat(x)
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return Value{}, validationErrorf("bad number %q", x.String())
		}
		return Number(d), nil
	case decimal.Decimal:
		return Number(x), nil
	default:
		return Value{}, validationErrorf("unsupported value type %T", raw)
	}
}

func checkedFloat(f float64) (Value, error) {
	v := Float(f)
	if v.kind == KindInvalid {
		return Value{}, validationErrorf("non-finite number %v", f)
	}
	return v, nil
}

func writeJSONString(buf *bytes.Buffer, s string) {
	// json.Marshal of a string cannot fail; it escapes HTML-sensitive
	// characters, which is fine as long as every writer goes through here.
	b, _ := json.Marshal(s)
	buf.Write(b)
}
