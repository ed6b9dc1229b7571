package value_test

import (
	"testing"

	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversions(t *testing.T) {
	v := value.I32(42)
	i, ok := v.ToI64()
	require.True(t, ok)
	assert.Equal(t, int64(42), i)

	f, ok := v.ToF64()
	require.True(t, ok)
	assert.Equal(t, 42.0, f)

	s, ok := v.ToString()
	require.True(t, ok)
	assert.Equal(t, "42", s)
}

func TestBoolConversion(t *testing.T) {
	b, ok := value.I32(0).ToBool()
	require.True(t, ok)
	assert.False(t, b)

	b, ok = value.I32(7).ToBool()
	require.True(t, ok)
	assert.True(t, b)
}

func TestSaturatingI64(t *testing.T) {
	v := value.I64(1000)
	n, ok := v.SaturatingI64(dtype.I8)
	require.True(t, ok)
	assert.Equal(t, int64(127), n)

	v2 := value.I64(-1000)
	n2, ok := v2.SaturatingI64(dtype.I8)
	require.True(t, ok)
	assert.Equal(t, int64(-128), n2)
}

func TestArithmetic(t *testing.T) {
	sum, err := value.I32(2).Add(value.I32(3))
	require.NoError(t, err)
	n, _ := sum.ToI64()
	assert.Equal(t, int64(5), n)

	_, err = value.I32(2).Add(value.I64(3))
	require.ErrorIs(t, err, value.ErrKindMismatch)
}

func TestCheckedAdd_Overflow(t *testing.T) {
	_, err := value.I8(127).CheckedAdd(value.I8(1))
	require.ErrorIs(t, err, value.ErrOverflow)
}

func TestDivByZero(t *testing.T) {
	_, err := value.I32(1).Div(value.I32(0))
	require.ErrorIs(t, err, value.ErrDivideByZero)
}

func TestCmp(t *testing.T) {
	c, err := value.I32(1).Cmp(value.I32(2))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = value.Str("b").Cmp(value.Str("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, c)
}

func TestVecAndOption(t *testing.T) {
	vec := value.NewVec([]value.Value{value.I32(1), value.I32(2)})
	elems, ok := vec.AsVec()
	require.True(t, ok)
	assert.Len(t, elems, 2)

	some := value.Some(value.I32(5))
	inner, ok := some.AsOption()
	require.True(t, ok)
	n, _ := inner.ToI64()
	assert.Equal(t, int64(5), n)

	none := value.None()
	_, ok = none.AsOption()
	assert.False(t, ok)
}

func TestUndetermined(t *testing.T) {
	u := value.Undetermined()
	elems, ok := u.AsVec()
	require.True(t, ok)
	assert.Empty(t, elems)
}

func TestEqual(t *testing.T) {
	a := value.NewVec([]value.Value{value.I32(1), value.Str("x")})
	b := value.NewVec([]value.Value{value.I32(1), value.Str("x")})
	c := value.NewVec([]value.Value{value.I32(2)})
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestHashStable(t *testing.T) {
	a := value.Str("hello")
	b := value.Str("hello")
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestCBORRoundTrip(t *testing.T) {
	orig := value.NewVec([]value.Value{
		value.I32(7),
		value.Some(value.Str("hi")),
		value.Bool(true),
	})

	data, err := orig.MarshalCBOR()
	require.NoError(t, err)

	var got value.Value
	require.NoError(t, got.UnmarshalCBOR(data))
	assert.True(t, orig.Equal(got))
}
