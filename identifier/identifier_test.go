package identifier_test

import (
	"testing"

	"github.com/melodium-lang/melodium/identifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyPath(t *testing.T) {
	_, err := identifier.New("", nil, "foo")
	require.ErrorIs(t, err, identifier.ErrEmptyPath)
}

func TestNew_EmptyName(t *testing.T) {
	_, err := identifier.New("", []string{"root"}, "")
	require.ErrorIs(t, err, identifier.ErrEmptyName)
}

func TestIdentifier_String(t *testing.T) {
	id := identifier.MustNew("1.2.0", []string{"std", "data"}, "Vector")
	assert.Equal(t, "std/data::Vector (1.2.0)", id.String())

	unversioned := identifier.MustNew("", []string{"std"}, "Identity")
	assert.Equal(t, "std::Identity", unversioned.String())
}

func TestIdentifier_Equal(t *testing.T) {
	a := identifier.MustNew("1.0.0", []string{"std"}, "Foo")
	b := identifier.MustNew("1.0.0", []string{"std"}, "Foo")
	c := identifier.MustNew("1.0.1", []string{"std"}, "Foo")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestIdentifier_Less(t *testing.T) {
	a := identifier.MustNew("", []string{"a"}, "x")
	b := identifier.MustNew("", []string{"b"}, "x")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestIdentifier_Root(t *testing.T) {
	id := identifier.MustNew("", []string{"std", "data", "sub"}, "X")
	assert.Equal(t, "std", id.Root())
}

func TestRequirement_Matches(t *testing.T) {
	req, err := identifier.NewRequirement([]string{"std"}, "Foo", ">=1.0.0, <2.0.0")
	require.NoError(t, err)

	inRange := identifier.MustNew("1.5.0", []string{"std"}, "Foo")
	outRange := identifier.MustNew("2.0.0", []string{"std"}, "Foo")
	wrongName := identifier.MustNew("1.5.0", []string{"std"}, "Bar")
	unversioned := identifier.MustNew("", []string{"std"}, "Foo")

	assert.True(t, req.Matches(inRange))
	assert.False(t, req.Matches(outRange))
	assert.False(t, req.Matches(wrongName))
	assert.False(t, req.Matches(unversioned))
}

func TestRequirement_NoVersionConstraint(t *testing.T) {
	req, err := identifier.NewRequirement([]string{"std"}, "Foo", "")
	require.NoError(t, err)

	any1 := identifier.MustNew("1.0.0", []string{"std"}, "Foo")
	any2 := identifier.MustNew("", []string{"std"}, "Foo")
	assert.True(t, req.Matches(any1))
	assert.True(t, req.Matches(any2))
}

func TestRequirement_InvalidConstraint(t *testing.T) {
	_, err := identifier.NewRequirement([]string{"std"}, "Foo", "not-a-version")
	require.Error(t, err)
}
