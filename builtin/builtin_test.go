package builtin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodium-lang/melodium/builtin"
	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/value"
	"github.com/melodium-lang/melodium/world"
)

func idFor(name string) identifier.Identifier {
	return identifier.MustNew("", []string{"test", "builtin"}, name)
}

func TestRegister_AddI32(t *testing.T) {
	collection := descriptor.NewCollection()
	id := idFor("AddI32")

	w := world.NewWorld(collection.Wrap())
	require.NoError(t, builtin.Register(collection, w.Builder(), id, builtin.OpAdd, dtype.I32))

	bld, err := w.Builder().StaticBuild(context.Background(), id, "root", world.Environment{})
	require.NoError(t, err)

	track, err := w.OpenTrack(context.Background(), bld, nil, world.Environment{})
	require.NoError(t, err)
	tr, ok := w.Track(track)
	require.True(t, ok)

	a, ok := tr.InputByPort("a")
	require.True(t, ok)
	b, ok := tr.InputByPort("b")
	require.True(t, ok)
	out, ok := tr.OutputByPort("result")
	require.True(t, ok)

	require.NoError(t, a.Send(value.I32(19)))
	require.NoError(t, b.Send(value.I32(23)))
	a.Close()
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batch, err := out.RecvMany(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	n, _ := batch[0].ToI64()
	assert.Equal(t, int64(42), n)
}

func TestBody_Compare_ResultIsI32RegardlessOfKind(t *testing.T) {
	collection := descriptor.NewCollection()
	id := idFor("CompareF64")

	w := world.NewWorld(collection.Wrap())
	require.NoError(t, builtin.Register(collection, w.Builder(), id, builtin.OpCompare, dtype.F64))

	bld, err := w.Builder().StaticBuild(context.Background(), id, "root", world.Environment{})
	require.NoError(t, err)

	track, err := w.OpenTrack(context.Background(), bld, nil, world.Environment{})
	require.NoError(t, err)
	tr, _ := w.Track(track)

	a, _ := tr.InputByPort("a")
	b, _ := tr.InputByPort("b")
	out, _ := tr.OutputByPort("result")

	require.NoError(t, a.Send(value.F64(1.5)))
	require.NoError(t, b.Send(value.F64(2.5)))
	a.Close()
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batch, err := out.RecvMany(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, dtype.I32, batch[0].Kind())
}

func TestApply_UnknownOp_ReturnsError(t *testing.T) {
	collection := descriptor.NewCollection()
	id := idFor("Bogus")
	w := world.NewWorld(collection.Wrap())
	require.NoError(t, builtin.Register(collection, w.Builder(), id, builtin.Op("frobnicate"), dtype.I32))

	bld, err := w.Builder().StaticBuild(context.Background(), id, "root", world.Environment{})
	require.NoError(t, err)
	track, err := w.OpenTrack(context.Background(), bld, nil, world.Environment{})
	require.NoError(t, err)
	tr, _ := w.Track(track)

	a, _ := tr.InputByPort("a")
	b, _ := tr.InputByPort("b")
	out, _ := tr.OutputByPort("result")

	require.NoError(t, a.Send(value.I32(1)))
	require.NoError(t, b.Send(value.I32(1)))
	a.Close()
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = out.RecvMany(ctx)
	require.Error(t, err)
}
