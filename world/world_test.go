package world

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
)

func idFor(name string) identifier.Identifier {
	return identifier.MustNew("", []string{"test"}, name)
}

func doubleTreatment() *descriptor.TreatmentDescriptor {
	return &descriptor.TreatmentDescriptor{
		ID:    idFor("Double"),
		Build: descriptor.Compiled,
		Inputs: []descriptor.PortDescriptor{
			{Name: "value", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "doubled", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
}

func pipelineTreatment() *descriptor.TreatmentDescriptor {
	td := &descriptor.TreatmentDescriptor{
		ID:    idFor("Pipeline"),
		Build: descriptor.Designed,
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
	d := &design.Design{
		Descriptor: td.ID,
		Treatments: []design.TreatmentInstanciation{
			{LocalName: "d", Treatment: idFor("Double")},
		},
		Connections: []design.Connection{
			{From: design.Endpoint{Self: true, Port: "in"}, To: design.Endpoint{Treatment: "d", Port: "value"}},
			{From: design.Endpoint{Treatment: "d", Port: "doubled"}, To: design.Endpoint{Self: true, Port: "out"}},
		},
	}
	td.CommitDesign(d)
	return td
}

func TestStaticBuild_And_DynamicWiring(t *testing.T) {
	double := doubleTreatment()
	pipeline := pipelineTreatment()

	c := descriptor.NewCollection()
	require.NoError(t, c.Insert(double))
	require.NoError(t, c.Insert(pipeline))
	view := c.Wrap()

	w := NewWorld(view)
	w.Builder().RegisterTreatment(double.ID, func(ctx context.Context, env Environment, inputs map[string]*transmission.ReceiveTransmitter, outputs map[string]*transmission.SendTransmitter) error {
		in := inputs["value"]
		out := outputs["doubled"]
		defer out.Close()
		for {
			b, err := in.RecvMany(ctx)
			if err != nil {
				return nil
			}
			doubled := make(transmission.Batch, len(b))
			for i, v := range b {
				n, _ := v.ToI64()
				doubled[i] = value.I32(int32(n * 2))
			}
			if err := out.SendMultiple(doubled); err != nil {
				return nil
			}
		}
	})

	bld, err := w.Builder().StaticBuild(context.Background(), pipeline.ID, "root", Environment{})
	require.NoError(t, err)
	require.Len(t, bld.ChildOrder, 1)

	track := newTrack(TrackID("t1"), w)
	err = w.giveNext(context.Background(), track, bld, nil, Environment{})
	require.NoError(t, err)

	hostIn := track.rootSelfInputSenders()[string(bld.ID)+":in"]
	hostOut := track.RootOutputs()[string(bld.ID)+":out"]
	require.NotNil(t, hostIn)
	require.NotNil(t, hostOut)

	require.NoError(t, hostIn.Send(value.I32(21)))
	hostIn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := hostOut.RecvMany(ctx)
	require.NoError(t, err)
	require.Len(t, b, 1)
	n, _ := b[0].ToI64()
	assert.Equal(t, int64(42), n)
}

func TestCheckDynamicBuild_MissingCompiledBody(t *testing.T) {
	double := doubleTreatment()
	pipeline := pipelineTreatment()

	c := descriptor.NewCollection()
	require.NoError(t, c.Insert(double))
	require.NoError(t, c.Insert(pipeline))
	view := c.Wrap()

	w := NewWorld(view)
	bld, err := w.Builder().StaticBuild(context.Background(), pipeline.ID, "root", Environment{})
	require.NoError(t, err)

	errs := w.CheckGiveNext(context.Background(), bld)
	require.NotEmpty(t, errs)
}

func TestCreateTrack_NoSourceRegistered(t *testing.T) {
	c := descriptor.NewCollection()
	view := c.Wrap()
	w := NewWorld(view)

	_, err := w.CreateTrack(context.Background(), ModelID("missing"), "start", nil, Environment{}, nil)
	require.Error(t, err)
}
