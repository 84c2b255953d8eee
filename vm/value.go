package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value: the tagged dynamic value flowing through registers and constants
// ---------------------------------------------------------------------------

// Kind identifies which case of the Value union is populated.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBoolean
	KindInteger
	KindReal
	KindString
	KindOctet
	KindObject
)

var kindNames = [...]string{
	KindVoid:    "void",
	KindBoolean: "boolean",
	KindInteger: "integer",
	KindReal:    "real",
	KindString:  "string",
	KindOctet:   "octet",
	KindObject:  "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a script value. Primitive cases are held inline; the object case
// holds an Object plus an optional context object, which is the "this" a
// function value is bound to.
//
// The zero Value is void.
type Value struct {
	kind Kind
	num  uint64 // boolean, integer and real payloads
	str  string // string and octet payloads
	obj  Object
	ctx  Object
}

// Void is the void value.
var Void = Value{}

// Well-known boolean values.
var (
	True  = Value{kind: KindBoolean, num: 1}
	False = Value{kind: KindBoolean, num: 0}
)

// FromBool converts a Go bool to a boolean Value.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// FromInt creates an integer Value.
func FromInt(i int64) Value {
	return Value{kind: KindInteger, num: uint64(i)}
}

// FromReal creates a real Value.
func FromReal(f float64) Value {
	return Value{kind: KindReal, num: math.Float64bits(f)}
}

// FromString creates a string Value.
func FromString(s string) Value {
	return Value{kind: KindString, str: s}
}

// FromOctet creates an octet Value. The bytes are copied.
func FromOctet(b []byte) Value {
	return Value{kind: KindOctet, str: string(b)}
}

// FromObject wraps an Object. A nil object yields void.
func FromObject(o Object) Value {
	if o == nil {
		return Void
	}
	return Value{kind: KindObject, obj: o}
}

// WithContext returns a copy of an object value bound to ctx. Non-object
// values are returned unchanged.
func (v Value) WithContext(ctx Object) Value {
	if v.kind != KindObject {
		return v
	}
	v.ctx = ctx
	return v
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsVoid() bool    { return v.kind == KindVoid }
func (v Value) IsObject() bool  { return v.kind == KindObject }
func (v Value) IsString() bool  { return v.kind == KindString }
func (v Value) IsInteger() bool { return v.kind == KindInteger }
func (v Value) IsReal() bool    { return v.kind == KindReal }
func (v Value) IsNumber() bool  { return v.kind == KindInteger || v.kind == KindReal }

// Bool returns the boolean payload. Only meaningful for KindBoolean.
func (v Value) Bool() bool { return v.num != 0 }

// Int returns the integer payload. Only meaningful for KindInteger.
func (v Value) Int() int64 { return int64(v.num) }

// Real returns the real payload. Only meaningful for KindReal.
func (v Value) Real() float64 { return math.Float64frombits(v.num) }

// Str returns the string payload. Only meaningful for KindString.
func (v Value) Str() string { return v.str }

// Octet returns a copy of the octet payload.
func (v Value) Octet() []byte {
	if v.kind != KindOctet {
		return nil
	}
	return []byte(v.str)
}

// Object returns the object payload, or nil for non-object values.
func (v Value) Object() Object { return v.obj }

// Context returns the context object an object value is bound to.
func (v Value) Context() Object { return v.ctx }

// Identical reports whether a and b are the same primitive value or refer to
// the same object.
func Identical(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindVoid:
		return true
	case KindString, KindOctet:
		return a.str == b.str
	case KindObject:
		return a.obj == b.obj && a.ctx == b.ctx
	default:
		return a.num == b.num
	}
}

// String returns a debugging representation of the value.
func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindString:
		return strconv.Quote(v.str)
	case KindOctet:
		return octetLiteral(v.str)
	case KindObject:
		return fmt.Sprintf("(object %T)", v.obj)
	default:
		return v.ToString()
	}
}

// ---------------------------------------------------------------------------
// Explicit casts
// ---------------------------------------------------------------------------

// ToString converts v to its script string form.
func (v Value) ToString() string {
	switch v.kind {
	case KindVoid:
		return ""
	case KindBoolean:
		if v.Bool() {
			return "true"
		}
		return "false"
	case KindInteger:
		return strconv.FormatInt(v.Int(), 10)
	case KindReal:
		return formatReal(v.Real())
	case KindString:
		return v.str
	case KindOctet:
		return octetLiteral(v.str)
	case KindObject:
		if s, ok := v.obj.(fmt.Stringer); ok {
			return s.String()
		}
		return "(object)"
	}
	return ""
}

// ToBoolean converts v to a Go bool.
func (v Value) ToBoolean() bool {
	switch v.kind {
	case KindBoolean, KindInteger:
		return v.num != 0
	case KindReal:
		f := v.Real()
		return f != 0 && !math.IsNaN(f)
	case KindString, KindOctet:
		return len(v.str) > 0
	case KindObject:
		return v.obj != nil
	}
	return false
}

// ToInteger converts v to an integer. Unparseable strings become 0.
func (v Value) ToInteger() int64 {
	n := v.toNumber()
	if n.kind == KindReal {
		f := n.Real()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return int64(f)
	}
	return n.Int()
}

// ToReal converts v to a float64.
func (v Value) ToReal() float64 {
	n := v.toNumber()
	if n.kind == KindInteger {
		return float64(n.Int())
	}
	return n.Real()
}

// ToOctet converts v to a byte sequence.
func (v Value) ToOctet() []byte {
	switch v.kind {
	case KindVoid:
		return []byte{}
	case KindOctet, KindString:
		return []byte(v.str)
	}
	return []byte(v.ToString())
}

// toNumber returns v as an integer or real Value.
func (v Value) toNumber() Value {
	switch v.kind {
	case KindInteger, KindReal:
		return v
	case KindBoolean:
		return FromInt(int64(v.num))
	case KindString:
		return parseNumber(v.str)
	}
	return FromInt(0)
}

func parseNumber(s string) Value {
	s = strings.TrimSpace(s)
	if s == "" {
		return FromInt(0)
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return FromInt(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FromReal(f)
	}
	switch s {
	case "NaN":
		return FromReal(math.NaN())
	case "Infinity", "+Infinity":
		return FromReal(math.Inf(1))
	case "-Infinity":
		return FromReal(math.Inf(-1))
	}
	return FromInt(0)
}

func formatReal(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func octetLiteral(s string) string {
	var sb strings.Builder
	sb.WriteString("<%")
	for i := 0; i < len(s); i++ {
		fmt.Fprintf(&sb, " %02x", s[i])
	}
	sb.WriteString(" %>")
	return sb.String()
}
