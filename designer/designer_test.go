package designer_test

import (
	"testing"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/designer"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func id(name string) identifier.Identifier {
	return identifier.MustNew("", []string{"std"}, name)
}

func newCollection(entries ...descriptor.Entry) *descriptor.View {
	c := descriptor.NewCollection()
	for _, e := range entries {
		if err := c.Insert(e); err != nil {
			panic(err)
		}
	}
	return c.Wrap()
}

func passthroughTreatment() *descriptor.TreatmentDescriptor {
	return &descriptor.TreatmentDescriptor{
		ID: id("Identity"),
		Inputs: []descriptor.PortDescriptor{
			{Name: "value", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "passed", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
}

func enclosingTreatment() *descriptor.TreatmentDescriptor {
	return &descriptor.TreatmentDescriptor{
		ID: id("Pipeline"),
		Parameters: []descriptor.ParameterDescriptor{
			{Name: "n", Variability: descriptor.Const, Type: dtype.Scalar(dtype.I32)},
		},
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
}

func TestDesigner_CommitDesign_Success(t *testing.T) {
	child := passthroughTreatment()
	enclosing := enclosingTreatment()
	view := newCollection(child, enclosing)

	d := designer.New(enclosing, view)
	tr, err := d.AddTreatment("a", child.ID)
	require.NoError(t, err)

	d.AddConnection(designer.SelfInput("in"), designer.ChildPort("a", "value"))
	d.AddConnection(designer.ChildPort("a", "passed"), designer.SelfOutput("out"))

	nParam := d.AddParameter("n")
	nParam.SetRaw(value.I32(3))
	_ = tr

	built, errs := d.CommitDesign()
	require.Empty(t, errs)
	require.NotNil(t, built)
	assert.True(t, enclosing.ID.Equal(built.Descriptor))

	// commit_design is idempotent: committing again from the same
	// designer state yields a deep-equal design.
	again, errs2 := d.CommitDesign()
	require.Empty(t, errs2)
	assert.True(t, built.Equal(again))
}

func TestDesigner_Validate_UnknownTreatment(t *testing.T) {
	enclosing := enclosingTreatment()
	view := newCollection(enclosing)

	d := designer.New(enclosing, view)
	_, err := d.AddTreatment("a", id("DoesNotExist"))
	require.NoError(t, err)

	errs := d.Validate()
	require.NotEmpty(t, errs)
	assert.Equal(t, designer.KindUnknownIdentifier, errs[0].Kind)
}

func TestDesigner_Validate_UnconnectedInputAndUnproducedOutput(t *testing.T) {
	enclosing := enclosingTreatment()
	view := newCollection(enclosing)

	d := designer.New(enclosing, view)
	errs := d.Validate()

	var kinds []string
	for _, e := range errs {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, designer.KindUnconnectedInput)
	assert.Contains(t, kinds, designer.KindUnproducedOutput)
}

func TestDesigner_Validate_ConstViolation(t *testing.T) {
	child := &descriptor.TreatmentDescriptor{
		ID: id("NeedsConst"),
		Parameters: []descriptor.ParameterDescriptor{
			{Name: "factor", Variability: descriptor.Const, Type: dtype.Scalar(dtype.I32)},
		},
	}
	enclosing := enclosingTreatment()
	view := newCollection(child, enclosing)

	d := designer.New(enclosing, view)
	tr, err := d.AddTreatment("a", child.ID)
	require.NoError(t, err)

	// "notconst" is not one of the enclosing treatment's own const
	// parameters, so referencing it from a const child parameter is an
	// invariant violation.
	tr.AddParameter("factor").SetVariable("notconst")

	errs := d.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindConstViolation {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDesigner_Validate_ModelInstanciationRejectsContext(t *testing.T) {
	model := &descriptor.ModelDescriptor{
		ID: id("SomeModel"),
		Parameters: []descriptor.ParameterDescriptor{
			{Name: "opt", Variability: descriptor.Const, Type: dtype.Scalar(dtype.I32)},
		},
	}
	enclosing := enclosingTreatment()
	view := newCollection(model, enclosing)

	d := designer.New(enclosing, view)
	m, err := d.AddModel("m", model.ID)
	require.NoError(t, err)
	m.AddParameter("opt").SetContext(id("SomeContext"), "field")

	errs := d.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindNoContext {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDesigner_Validate_MissingModelRole(t *testing.T) {
	model := &descriptor.ModelDescriptor{ID: id("SomeModel")}
	child := &descriptor.TreatmentDescriptor{
		ID:             id("NeedsModel"),
		RequiredModels: []descriptor.ModelRole{{Name: "backend", Model: model.ID}},
	}
	enclosing := enclosingTreatment()
	view := newCollection(model, child, enclosing)

	d := designer.New(enclosing, view)
	_, err := d.AddTreatment("a", child.ID)
	require.NoError(t, err)

	errs := d.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindMissingModelRole {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDesigner_Validate_FlowMismatch(t *testing.T) {
	blockOut := &descriptor.TreatmentDescriptor{
		ID: id("BlockSource"),
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Block},
		},
	}
	streamIn := &descriptor.TreatmentDescriptor{
		ID: id("StreamSink"),
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Block},
		},
	}
	enclosing := enclosingTreatment()
	view := newCollection(blockOut, streamIn, enclosing)

	d := designer.New(enclosing, view)
	_, err := d.AddTreatment("src", blockOut.ID)
	require.NoError(t, err)
	_, err = d.AddTreatment("sink", streamIn.ID)
	require.NoError(t, err)

	// A stream output cannot feed a block input.
	streamOutSink := &descriptor.TreatmentDescriptor{
		ID: id("StreamSource"),
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
	view2 := newCollection(streamOutSink, streamIn, enclosing)
	d2 := designer.New(enclosing, view2)
	_, err = d2.AddTreatment("src", streamOutSink.ID)
	require.NoError(t, err)
	_, err = d2.AddTreatment("sink", streamIn.ID)
	require.NoError(t, err)
	d2.AddConnection(designer.ChildPort("src", "out"), designer.ChildPort("sink", "in"))

	errs := d2.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindFlowMismatch {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDesigner_Validate_IllegalCombinationalCycle(t *testing.T) {
	a := &descriptor.TreatmentDescriptor{
		ID: id("A"),
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Block},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Block},
		},
	}
	b := &descriptor.TreatmentDescriptor{
		ID: id("B"),
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Block},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Block},
		},
	}
	enclosing := enclosingTreatment()
	view := newCollection(a, b, enclosing)

	d := designer.New(enclosing, view)
	_, err := d.AddTreatment("a", a.ID)
	require.NoError(t, err)
	_, err = d.AddTreatment("b", b.ID)
	require.NoError(t, err)
	d.AddConnection(designer.ChildPort("a", "out"), designer.ChildPort("b", "in"))
	d.AddConnection(designer.ChildPort("b", "out"), designer.ChildPort("a", "in"))

	errs := d.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindIllegalCycle {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDesigner_Validate_BufferedCycleAllowed(t *testing.T) {
	a := &descriptor.TreatmentDescriptor{
		ID: id("A2"),
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
	b := &descriptor.TreatmentDescriptor{
		ID: id("B2"),
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "out", Type: dtype.Scalar(dtype.I32), Flow: dtype.Stream},
		},
	}
	enclosing := enclosingTreatment()
	view := newCollection(a, b, enclosing)

	d := designer.New(enclosing, view)
	_, err := d.AddTreatment("a", a.ID)
	require.NoError(t, err)
	_, err = d.AddTreatment("b", b.ID)
	require.NoError(t, err)
	d.AddConnection(designer.ChildPort("a", "out"), designer.ChildPort("b", "in"))
	d.AddConnection(designer.ChildPort("b", "out"), designer.ChildPort("a", "in"))

	errs := d.Validate()
	for _, e := range errs {
		assert.NotEqual(t, designer.KindIllegalCycle, e.Kind)
	}
}

func TestDesigner_Validate_RequiredContextPropagation(t *testing.T) {
	ctx := id("SomeContext")
	child := &descriptor.TreatmentDescriptor{
		ID:               id("NeedsContext"),
		RequiredContexts: []identifier.Identifier{ctx},
	}
	enclosing := enclosingTreatment()
	view := newCollection(child, enclosing)

	d := designer.New(enclosing, view)
	_, err := d.AddTreatment("a", child.ID)
	require.NoError(t, err)

	errs := d.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindNoContext {
			found = true
		}
	}
	assert.True(t, found, "expected missing-context error when enclosing treatment does not declare the required context")

	// Once the enclosing treatment itself requires the context, it's
	// available to children.
	enclosing.RequiredContexts = []identifier.Identifier{ctx}
	d2 := designer.New(enclosing, view)
	_, err = d2.AddTreatment("a", child.ID)
	require.NoError(t, err)
	errs2 := d2.Validate()
	for _, e := range errs2 {
		assert.NotEqual(t, designer.KindNoContext, e.Kind)
	}
}

func TestDesigner_Validate_RequiredContextSatisfiedByModelSource(t *testing.T) {
	ctx := id("SomeContext")
	model := &descriptor.ModelDescriptor{
		ID: id("SomeModel"),
		Sources: []descriptor.ModelSource{
			{Name: "events", RequiredContexts: []identifier.Identifier{ctx}},
		},
	}
	child := &descriptor.TreatmentDescriptor{
		ID:               id("NeedsContextFromSource"),
		RequiredContexts: []identifier.Identifier{ctx},
		RequiredModels:   []descriptor.ModelRole{{Name: "backend", Model: model.ID}},
		SourceFrom:       map[string][]string{"backend": {"events"}},
	}
	enclosing := enclosingTreatment()
	view := newCollection(model, child, enclosing)

	d := designer.New(enclosing, view)
	m, err := d.AddModel("m", model.ID)
	require.NoError(t, err)
	tr, err := d.AddTreatment("a", child.ID)
	require.NoError(t, err)
	tr.BindModelRole("backend", m.LocalName())

	errs := d.Validate()
	for _, e := range errs {
		assert.NotEqual(t, designer.KindNoContext, e.Kind, "model source's guaranteed context should satisfy the requirement without redeclaring it on the enclosing scope")
	}
}

func TestDesigner_Validate_RequiredContextNotSatisfiedByUnrelatedSource(t *testing.T) {
	ctx := id("SomeContext")
	model := &descriptor.ModelDescriptor{
		ID: id("SomeModel"),
		Sources: []descriptor.ModelSource{
			{Name: "other", RequiredContexts: nil},
		},
	}
	child := &descriptor.TreatmentDescriptor{
		ID:               id("NeedsContextFromSource"),
		RequiredContexts: []identifier.Identifier{ctx},
		RequiredModels:   []descriptor.ModelRole{{Name: "backend", Model: model.ID}},
		SourceFrom:       map[string][]string{"backend": {"other"}},
	}
	enclosing := enclosingTreatment()
	view := newCollection(model, child, enclosing)

	d := designer.New(enclosing, view)
	m, err := d.AddModel("m", model.ID)
	require.NoError(t, err)
	tr, err := d.AddTreatment("a", child.ID)
	require.NoError(t, err)
	tr.BindModelRole("backend", m.LocalName())

	errs := d.Validate()
	var found bool
	for _, e := range errs {
		if e.Kind == designer.KindNoContext {
			found = true
		}
	}
	assert.True(t, found, "a source that does not itself guarantee the context must not satisfy the requirement")
}

func TestLogicError_Error(t *testing.T) {
	err := designer.LogicError{Kind: designer.KindTypeMismatch, Identifier: id("X"), Message: "boom"}
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), designer.KindTypeMismatch)
}
