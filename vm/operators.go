package vm

import (
	"errors"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Per-kind operators
// ---------------------------------------------------------------------------
//
// Arithmetic follows the operand kinds: string operands concatenate for Add,
// two integers stay integral, anything involving a real produces a real.
// Div always produces a real; Idiv and Mod are integral and fail on zero.

// ErrDivideByZero is returned by Idiv and Mod for a zero divisor.
var ErrDivideByZero = errors.New("division by zero")

// numericPair converts both operands to numbers and reports whether both are
// integers.
func numericPair(a, b Value) (Value, Value, bool) {
	na, nb := a.toNumber(), b.toNumber()
	return na, nb, na.kind == KindInteger && nb.kind == KindInteger
}

func realOf(n Value) float64 {
	if n.kind == KindInteger {
		return float64(n.Int())
	}
	return n.Real()
}

// Add implements the + operator.
func Add(a, b Value) Value {
	if a.kind == KindString || b.kind == KindString {
		return FromString(a.ToString() + b.ToString())
	}
	if a.kind == KindOctet && b.kind == KindOctet {
		return Value{kind: KindOctet, str: a.str + b.str}
	}
	na, nb, ints := numericPair(a, b)
	if ints {
		return FromInt(na.Int() + nb.Int())
	}
	return FromReal(realOf(na) + realOf(nb))
}

// Sub implements the - operator.
func Sub(a, b Value) Value {
	na, nb, ints := numericPair(a, b)
	if ints {
		return FromInt(na.Int() - nb.Int())
	}
	return FromReal(realOf(na) - realOf(nb))
}

// Mul implements the * operator.
func Mul(a, b Value) Value {
	na, nb, ints := numericPair(a, b)
	if ints {
		return FromInt(na.Int() * nb.Int())
	}
	return FromReal(realOf(na) * realOf(nb))
}

// Div implements the / operator. The result is always real.
func Div(a, b Value) Value {
	return FromReal(a.ToReal() / b.ToReal())
}

// Idiv implements integer division.
func Idiv(a, b Value) (Value, error) {
	d := b.ToInteger()
	if d == 0 {
		return Void, ErrDivideByZero
	}
	return FromInt(a.ToInteger() / d), nil
}

// Mod implements integer remainder.
func Mod(a, b Value) (Value, error) {
	d := b.ToInteger()
	if d == 0 {
		return Void, ErrDivideByZero
	}
	return FromInt(a.ToInteger() % d), nil
}

func BitAnd(a, b Value) Value { return FromInt(a.ToInteger() & b.ToInteger()) }
func BitOr(a, b Value) Value  { return FromInt(a.ToInteger() | b.ToInteger()) }
func BitXor(a, b Value) Value { return FromInt(a.ToInteger() ^ b.ToInteger()) }
func BitNot(a Value) Value    { return FromInt(^a.ToInteger()) }

// Shl shifts left; the shift count is taken modulo 64.
func Shl(a, b Value) Value { return FromInt(a.ToInteger() << (uint64(b.ToInteger()) & 63)) }

// Shr is an arithmetic right shift.
func Shr(a, b Value) Value { return FromInt(a.ToInteger() >> (uint64(b.ToInteger()) & 63)) }

// Ushr is a logical right shift.
func Ushr(a, b Value) Value {
	return FromInt(int64(uint64(a.ToInteger()) >> (uint64(b.ToInteger()) & 63)))
}

// Negate implements unary minus.
func Negate(a Value) Value {
	n := a.toNumber()
	if n.kind == KindInteger {
		return FromInt(-n.Int())
	}
	return FromReal(-n.Real())
}

// Plus implements unary plus (numeric conversion).
func Plus(a Value) Value { return a.toNumber() }

// LogNot implements the ! operator.
func LogNot(a Value) Value { return FromBool(!a.ToBoolean()) }

// LogOr and LogAnd are the non short-circuit forms; short-circuit evaluation
// is compiled into jumps.
func LogOr(a, b Value) Value  { return FromBool(a.ToBoolean() || b.ToBoolean()) }
func LogAnd(a, b Value) Value { return FromBool(a.ToBoolean() && b.ToBoolean()) }

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// Equal implements loose equality (==).
func Equal(a, b Value) bool {
	switch {
	case a.kind == KindVoid && b.kind == KindVoid:
		return true
	case a.kind == KindObject || b.kind == KindObject:
		if a.kind == KindObject && b.kind == KindObject {
			return a.obj == b.obj
		}
		return false
	case a.kind == KindOctet || b.kind == KindOctet:
		return a.kind == b.kind && a.str == b.str
	case a.kind == KindString && b.kind == KindString:
		return a.str == b.str
	case a.kind == KindString && b.kind == KindVoid, a.kind == KindVoid && b.kind == KindString:
		return a.str == b.str
	}
	na, nb, ints := numericPair(a, b)
	if ints {
		return na.Int() == nb.Int()
	}
	return realOf(na) == realOf(nb)
}

// DiscEqual implements strict equality (===): kinds must match.
func DiscEqual(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindVoid:
		return true
	case KindReal:
		return a.Real() == b.Real()
	case KindString, KindOctet:
		return a.str == b.str
	case KindObject:
		return a.obj == b.obj
	}
	return a.num == b.num
}

// compare returns -1, 0 or 1. ok is false when the operands are unordered
// (NaN involved).
func compare(a, b Value) (c int, ok bool) {
	if a.kind == KindString && b.kind == KindString {
		return strings.Compare(a.str, b.str), true
	}
	na, nb, ints := numericPair(a, b)
	if ints {
		x, y := na.Int(), nb.Int()
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, y := realOf(na), realOf(nb)
	if math.IsNaN(x) || math.IsNaN(y) {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

func Lesser(a, b Value) bool {
	c, ok := compare(a, b)
	return ok && c < 0
}

func Greater(a, b Value) bool {
	c, ok := compare(a, b)
	return ok && c > 0
}

func LesserOrEqual(a, b Value) bool {
	c, ok := compare(a, b)
	return ok && c <= 0
}

func GreaterOrEqual(a, b Value) bool {
	c, ok := compare(a, b)
	return ok && c >= 0
}
