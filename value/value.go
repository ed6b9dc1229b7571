// Package value implements the runtime Value: a tagged union mirroring
// dtype.DescribedType, plus a Data variant holding a reference-counted
// handle to a user-defined datum. Values carry the capability set spec.md
// requires once per kind: conversion (total and fallible), saturating
// conversion, arithmetic and checked arithmetic, binary operations,
// floating point math, ordering, hashing, and CBOR serialisation for the
// distribution protocol.
package value

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/melodium-lang/melodium/dtype"
)

// Datum is the contract a user-defined Data value must satisfy. Concrete
// datum types live outside the core (compiled treatment/model libraries);
// the core only needs identity, cloning, and a stable hash.
type Datum interface {
	TypeName() string
	Clone() Datum
	Hash() uint64
}

// Value is a tagged union of every scalar kind plus Vec, Option, and Data.
// The zero Value has an empty kind; it is not equal to Void.
type Value struct {
	kind dtype.Kind

	i    int64   // i8..i128 (signed)
	u    uint64  // u8..u128, byte, char (as code point)
	f    float64 // f32, f64
	b    bool
	s    string
	vec  []Value
	opt  *Value // nil means None
	data Datum
}

// Void is the singleton void value.
var Void = Value{kind: dtype.Void}

// Undetermined is the data type of a container (Vec/Option) holding no
// samples; by construction it matches any element type. It is represented
// as an empty Vec with no element-type information baked in — type
// checking against Undetermined always succeeds, per spec.md §3.
func Undetermined() Value { return Value{kind: dtype.Vec, vec: []Value{}} }

// Kind returns the value's dtype.Kind.
func (v Value) Kind() dtype.Kind { return v.kind }

func mustFit(v int64, bits int, signed bool) bool {
	if signed {
		max := int64(1)<<(bits-1) - 1
		min := -(int64(1) << (bits - 1))
		return v >= min && v <= max
	}
	max := uint64(1)<<bits - 1
	return v >= 0 && uint64(v) <= max
}

// Constructors ----------------------------------------------------------

func I8(n int8) Value   { return Value{kind: dtype.I8, i: int64(n)} }
func I16(n int16) Value { return Value{kind: dtype.I16, i: int64(n)} }
func I32(n int32) Value { return Value{kind: dtype.I32, i: int64(n)} }
func I64(n int64) Value { return Value{kind: dtype.I64, i: n} }
func I128(n int64) Value { return Value{kind: dtype.I128, i: n} }

func U8(n uint8) Value   { return Value{kind: dtype.U8, u: uint64(n)} }
func U16(n uint16) Value { return Value{kind: dtype.U16, u: uint64(n)} }
func U32(n uint32) Value { return Value{kind: dtype.U32, u: uint64(n)} }
func U64(n uint64) Value { return Value{kind: dtype.U64, u: n} }
func U128(n uint64) Value { return Value{kind: dtype.U128, u: n} }

func F32(n float32) Value { return Value{kind: dtype.F32, f: float64(n)} }
func F64(n float64) Value { return Value{kind: dtype.F64, f: n} }

func Bool(b bool) Value { return Value{kind: dtype.Bool, b: b} }
func Byte(b byte) Value { return Value{kind: dtype.Byte, u: uint64(b)} }
func Char(r rune) Value { return Value{kind: dtype.Char, u: uint64(r)} }
func Str(s string) Value { return Value{kind: dtype.String, s: s} }

// NewVec builds a Vec value from a slice of elements. An empty slice
// produces Undetermined-compatible stream-of-nothing semantics.
func NewVec(elems []Value) Value {
	clone := make([]Value, len(elems))
	copy(clone, elems)
	return Value{kind: dtype.Vec, vec: clone}
}

// Some builds Option(Some(v)).
func Some(v Value) Value {
	inner := v
	return Value{kind: dtype.Option, opt: &inner}
}

// None builds Option(None).
func None() Value { return Value{kind: dtype.Option, opt: nil} }

// NewData wraps a user datum.
func NewData(d Datum) Value { return Value{kind: dtype.Data, data: d} }

// Accessors ---------------------------------------------------------------

// AsVec returns the slice view of a Vec value.
func (v Value) AsVec() ([]Value, bool) {
	if v.kind != dtype.Vec {
		return nil, false
	}
	return v.vec, true
}

// AsOption returns the inner value and whether it's Some.
func (v Value) AsOption() (Value, bool) {
	if v.kind != dtype.Option {
		return Value{}, false
	}
	if v.opt == nil {
		return Value{}, false
	}
	return *v.opt, true
}

// AsData returns the wrapped datum.
func (v Value) AsData() (Datum, bool) {
	if v.kind != dtype.Data {
		return nil, false
	}
	return v.data, true
}

// Conversion --------------------------------------------------------------

// ToI64 converts to int64, total for integer/bool/char/byte kinds,
// truncating for float kinds. Returns false for Vec/Option/Data/Void.
func (v Value) ToI64() (int64, bool) {
	switch v.kind {
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128:
		return v.i, true
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte, dtype.Char:
		return int64(v.u), true
	case dtype.F32, dtype.F64:
		return int64(v.f), true
	case dtype.Bool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToU64 converts to uint64, mirroring ToI64 for unsigned-friendly kinds.
func (v Value) ToU64() (uint64, bool) {
	switch v.kind {
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte, dtype.Char:
		return v.u, true
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128:
		if v.i < 0 {
			return 0, false
		}
		return uint64(v.i), true
	case dtype.F32, dtype.F64:
		if v.f < 0 {
			return 0, false
		}
		return uint64(v.f), true
	case dtype.Bool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToF64 converts to float64. Total for every numeric/bool kind.
func (v Value) ToF64() (float64, bool) {
	switch v.kind {
	case dtype.F32, dtype.F64:
		return v.f, true
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128:
		return float64(v.i), true
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte, dtype.Char:
		return float64(v.u), true
	case dtype.Bool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToBool converts to bool. Numeric kinds are non-zero == true.
func (v Value) ToBool() (bool, bool) {
	switch v.kind {
	case dtype.Bool:
		return v.b, true
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128:
		return v.i != 0, true
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte, dtype.Char:
		return v.u != 0, true
	case dtype.F32, dtype.F64:
		return v.f != 0, true
	default:
		return false, false
	}
}

// ToString converts to a display string. Total for every scalar kind
// except void, which returns false.
func (v Value) ToString() (string, bool) {
	switch v.kind {
	case dtype.String:
		return v.s, true
	case dtype.Bool:
		return fmt.Sprintf("%v", v.b), true
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128:
		return fmt.Sprintf("%d", v.i), true
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte:
		return fmt.Sprintf("%d", v.u), true
	case dtype.Char:
		return string(rune(v.u)), true
	case dtype.F32, dtype.F64:
		return fmt.Sprintf("%g", v.f), true
	default:
		return "", false
	}
}

// bitWidths maps integer kinds to their bit width for saturating
// conversion.
var bitWidths = map[dtype.Kind]int{
	dtype.I8: 8, dtype.I16: 16, dtype.I32: 32, dtype.I64: 64, dtype.I128: 128,
	dtype.U8: 8, dtype.U16: 16, dtype.U32: 32, dtype.U64: 64, dtype.U128: 128,
	dtype.Byte: 8,
}

// SaturatingI64 converts to an int64 clamped to the target kind's range
// instead of wrapping, per spec.md's "saturating conversion" capability.
func (v Value) SaturatingI64(target dtype.Kind) (int64, bool) {
	f, ok := v.ToF64()
	if !ok {
		return 0, false
	}
	bits, known := bitWidths[target]
	if !known {
		n, ok := v.ToI64()
		return n, ok
	}
	var lo, hi int64
	switch target {
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte:
		lo, hi = 0, math.MaxInt64
		if bits < 64 {
			hi = int64(1)<<bits - 1
		}
	default:
		lo, hi = math.MinInt64, math.MaxInt64
		if bits < 64 {
			lo, hi = -(int64(1) << (bits - 1)), int64(1)<<(bits-1)-1
		}
	}
	if f >= float64(hi) {
		return hi, true
	}
	if f <= float64(lo) {
		return lo, true
	}
	return int64(f), true
}

// Arithmetic ----------------------------------------------------------------

// ErrKindMismatch is returned when an arithmetic/comparison op is applied
// across incompatible value kinds.
var ErrKindMismatch = fmt.Errorf("value: kind mismatch")

// ErrOverflow is returned by checked arithmetic when the result would not
// fit in the operand's kind.
var ErrOverflow = fmt.Errorf("value: arithmetic overflow")

// ErrNotNumeric is returned when arithmetic is attempted on a non-numeric
// kind.
var ErrNotNumeric = fmt.Errorf("value: operand is not numeric")

func (v Value) isFloat() bool { return v.kind == dtype.F32 || v.kind == dtype.F64 }
func (v Value) isSignedInt() bool {
	switch v.kind {
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128:
		return true
	}
	return false
}
func (v Value) isUnsignedInt() bool {
	switch v.kind {
	case dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128, dtype.Byte:
		return true
	}
	return false
}

func (v Value) numericKindOK() bool {
	return v.isFloat() || v.isSignedInt() || v.isUnsignedInt()
}

// Add performs wrapping/float addition; kinds must match exactly.
func (v Value) Add(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	if !v.numericKindOK() {
		return Value{}, ErrNotNumeric
	}
	switch {
	case v.isFloat():
		return Value{kind: v.kind, f: v.f + other.f}, nil
	case v.isSignedInt():
		return Value{kind: v.kind, i: v.i + other.i}, nil
	default:
		return Value{kind: v.kind, u: v.u + other.u}, nil
	}
}

// CheckedAdd is like Add but returns ErrOverflow if the result would not
// fit in the operand kind's declared width.
func (v Value) CheckedAdd(other Value) (Value, error) {
	res, err := v.Add(other)
	if err != nil {
		return Value{}, err
	}
	if bits, ok := bitWidths[v.kind]; ok && bits < 64 {
		if v.isSignedInt() && !mustFit(res.i, bits, true) {
			return Value{}, ErrOverflow
		}
		if v.isUnsignedInt() && !mustFit(int64(res.u), bits, false) {
			return Value{}, ErrOverflow
		}
	}
	return res, nil
}

// Sub, Mul mirror Add's wrapping semantics.
func (v Value) Sub(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	if !v.numericKindOK() {
		return Value{}, ErrNotNumeric
	}
	switch {
	case v.isFloat():
		return Value{kind: v.kind, f: v.f - other.f}, nil
	case v.isSignedInt():
		return Value{kind: v.kind, i: v.i - other.i}, nil
	default:
		return Value{kind: v.kind, u: v.u - other.u}, nil
	}
}

func (v Value) Mul(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	if !v.numericKindOK() {
		return Value{}, ErrNotNumeric
	}
	switch {
	case v.isFloat():
		return Value{kind: v.kind, f: v.f * other.f}, nil
	case v.isSignedInt():
		return Value{kind: v.kind, i: v.i * other.i}, nil
	default:
		return Value{kind: v.kind, u: v.u * other.u}, nil
	}
}

// ErrDivideByZero is returned by Div for integer kinds dividing by zero.
var ErrDivideByZero = fmt.Errorf("value: divide by zero")

func (v Value) Div(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	if !v.numericKindOK() {
		return Value{}, ErrNotNumeric
	}
	switch {
	case v.isFloat():
		return Value{kind: v.kind, f: v.f / other.f}, nil
	case v.isSignedInt():
		if other.i == 0 {
			return Value{}, ErrDivideByZero
		}
		return Value{kind: v.kind, i: v.i / other.i}, nil
	default:
		if other.u == 0 {
			return Value{}, ErrDivideByZero
		}
		return Value{kind: v.kind, u: v.u / other.u}, nil
	}
}

// Binary operations -----------------------------------------------------

func (v Value) And(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	switch {
	case v.kind == dtype.Bool:
		return Bool(v.b && other.b), nil
	case v.isUnsignedInt():
		return Value{kind: v.kind, u: v.u & other.u}, nil
	case v.isSignedInt():
		return Value{kind: v.kind, i: v.i & other.i}, nil
	default:
		return Value{}, ErrNotNumeric
	}
}

func (v Value) Or(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	switch {
	case v.kind == dtype.Bool:
		return Bool(v.b || other.b), nil
	case v.isUnsignedInt():
		return Value{kind: v.kind, u: v.u | other.u}, nil
	case v.isSignedInt():
		return Value{kind: v.kind, i: v.i | other.i}, nil
	default:
		return Value{}, ErrNotNumeric
	}
}

func (v Value) Xor(other Value) (Value, error) {
	if v.kind != other.kind {
		return Value{}, ErrKindMismatch
	}
	switch {
	case v.kind == dtype.Bool:
		return Bool(v.b != other.b), nil
	case v.isUnsignedInt():
		return Value{kind: v.kind, u: v.u ^ other.u}, nil
	case v.isSignedInt():
		return Value{kind: v.kind, i: v.i ^ other.i}, nil
	default:
		return Value{}, ErrNotNumeric
	}
}

// Floating point math -----------------------------------------------------

// Sqrt, Pow are representative float-only math capabilities; others
// (Sin, Cos, Ln, ...) follow the same one-argument/shape and are omitted
// here as uniform instances, per spec.md §1 non-goals.
func (v Value) Sqrt() (Value, error) {
	if !v.isFloat() {
		return Value{}, ErrNotNumeric
	}
	return Value{kind: v.kind, f: math.Sqrt(v.f)}, nil
}

func (v Value) Pow(exp Value) (Value, error) {
	if !v.isFloat() || v.kind != exp.kind {
		return Value{}, ErrNotNumeric
	}
	return Value{kind: v.kind, f: math.Pow(v.f, exp.f)}, nil
}

// Ordering ------------------------------------------------------------------

// Cmp returns -1, 0, or 1 comparing v to other. Kinds must match exactly
// (Undetermined gets no special case); a mismatch returns ErrKindMismatch.
func (v Value) Cmp(other Value) (int, error) {
	if v.kind != other.kind {
		return 0, ErrKindMismatch
	}
	switch {
	case v.isFloat():
		switch {
		case v.f < other.f:
			return -1, nil
		case v.f > other.f:
			return 1, nil
		default:
			return 0, nil
		}
	case v.isSignedInt():
		switch {
		case v.i < other.i:
			return -1, nil
		case v.i > other.i:
			return 1, nil
		default:
			return 0, nil
		}
	case v.isUnsignedInt() || v.kind == dtype.Char:
		switch {
		case v.u < other.u:
			return -1, nil
		case v.u > other.u:
			return 1, nil
		default:
			return 0, nil
		}
	case v.kind == dtype.String:
		switch {
		case v.s < other.s:
			return -1, nil
		case v.s > other.s:
			return 1, nil
		default:
			return 0, nil
		}
	case v.kind == dtype.Bool:
		if v.b == other.b {
			return 0, nil
		}
		if !v.b {
			return -1, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("value: %s is not orderable", v.kind)
	}
}

// Equal reports deep equality, recursing into Vec/Option and delegating
// Data comparison to the datum's hash (an approximation; exact datum
// equality is a concern of the compiled data type, out of core scope).
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case dtype.Vec:
		if len(v.vec) != len(other.vec) {
			return false
		}
		for i := range v.vec {
			if !v.vec[i].Equal(other.vec[i]) {
				return false
			}
		}
		return true
	case dtype.Option:
		if (v.opt == nil) != (other.opt == nil) {
			return false
		}
		if v.opt == nil {
			return true
		}
		return v.opt.Equal(*other.opt)
	case dtype.Data:
		if v.data == nil || other.data == nil {
			return v.data == other.data
		}
		return v.data.Hash() == other.data.Hash()
	case dtype.Void:
		return true
	default:
		c, err := v.Cmp(other)
		return err == nil && c == 0
	}
}

// Hashing ---------------------------------------------------------------

// Hash returns a stable 64-bit hash of the value, used for cache keys and
// deduplication.
func (v Value) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(v.kind))
	switch v.kind {
	case dtype.Vec:
		for _, e := range v.vec {
			writeUint64(h, e.Hash())
		}
	case dtype.Option:
		if v.opt != nil {
			writeUint64(h, v.opt.Hash())
		}
	case dtype.Data:
		if v.data != nil {
			writeUint64(h, v.data.Hash())
		}
	case dtype.String:
		h.Write([]byte(v.s))
	case dtype.Bool:
		if v.b {
			writeUint64(h, 1)
		}
	case dtype.F32, dtype.F64:
		writeUint64(h, math.Float64bits(v.f))
	default:
		if v.isSignedInt() {
			writeUint64(h, uint64(v.i))
		} else {
			writeUint64(h, v.u)
		}
	}
	return h.Sum64()
}

func writeUint64(h interface{ Write([]byte) (int, error) }, n uint64) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	h.Write(buf[:])
}

// CBOR serialisation ------------------------------------------------------

// wireValue is the CBOR-serialisable shadow of Value, used by the
// distribution protocol (C9) to move values between peers.
type wireValue struct {
	Kind dtype.Kind  `cbor:"kind"`
	I    int64       `cbor:"i,omitempty"`
	U    uint64      `cbor:"u,omitempty"`
	F    float64     `cbor:"f,omitempty"`
	B    bool        `cbor:"b,omitempty"`
	S    string      `cbor:"s,omitempty"`
	Vec  []wireValue `cbor:"vec,omitempty"`
	Some bool        `cbor:"some,omitempty"`
	Opt  *wireValue  `cbor:"opt,omitempty"`
}

// MarshalCBOR implements cbor.Marshaler.
func (v Value) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(v.toWire())
}

func (v Value) toWire() wireValue {
	w := wireValue{Kind: v.kind, I: v.i, U: v.u, F: v.f, B: v.b, S: v.s}
	if v.kind == dtype.Vec {
		w.Vec = make([]wireValue, len(v.vec))
		for i, e := range v.vec {
			w.Vec[i] = e.toWire()
		}
	}
	if v.kind == dtype.Option && v.opt != nil {
		w.Some = true
		inner := v.opt.toWire()
		w.Opt = &inner
	}
	return w
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (v *Value) UnmarshalCBOR(data []byte) error {
	var w wireValue
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = w.fromWire()
	return nil
}

func (w wireValue) fromWire() Value {
	v := Value{kind: w.Kind, i: w.I, u: w.U, f: w.F, b: w.B, s: w.S}
	if w.Kind == dtype.Vec {
		v.vec = make([]Value, len(w.Vec))
		for i, e := range w.Vec {
			v.vec[i] = e.fromWire()
		}
	}
	if w.Kind == dtype.Option && w.Some && w.Opt != nil {
		inner := w.Opt.fromWire()
		v.opt = &inner
	}
	return v
}
