package descriptor_test

import (
	"testing"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func treatment(name string) *descriptor.TreatmentDescriptor {
	return &descriptor.TreatmentDescriptor{
		ID: identifier.MustNew("", []string{"std"}, name),
	}
}

func TestCollection_InsertGet(t *testing.T) {
	c := descriptor.NewCollection()
	tr := treatment("Identity")
	require.NoError(t, c.Insert(tr))

	got, ok := c.Get(tr.ID)
	require.True(t, ok)
	assert.Equal(t, tr, got)
}

func TestCollection_Insert_Idempotent(t *testing.T) {
	c := descriptor.NewCollection()
	tr := treatment("Identity")
	require.NoError(t, c.Insert(tr))
	require.NoError(t, c.Insert(tr))
}

func TestCollection_Insert_Conflict(t *testing.T) {
	c := descriptor.NewCollection()
	a := treatment("Identity")
	b := treatment("Identity")
	require.NoError(t, c.Insert(a))
	err := c.Insert(b)
	require.ErrorIs(t, err, descriptor.ErrConflictingEntry)
}

func TestCollection_Identifiers_Order(t *testing.T) {
	c := descriptor.NewCollection()
	require.NoError(t, c.Insert(treatment("B")))
	require.NoError(t, c.Insert(treatment("A")))
	ids := c.Identifiers()
	require.Len(t, ids, 2)
	assert.Equal(t, "B", ids[0].Name)
	assert.Equal(t, "A", ids[1].Name)
}

func TestCollection_Tree(t *testing.T) {
	c := descriptor.NewCollection()
	require.NoError(t, c.Insert(&descriptor.TreatmentDescriptor{
		ID: identifier.MustNew("", []string{"std", "data"}, "Identity"),
	}))
	tree := c.Tree()
	std, ok := tree.Children["std"]
	require.True(t, ok)
	data, ok := std.Children["data"]
	require.True(t, ok)
	assert.Len(t, data.Entries, 1)
}

func TestView_RequireAll(t *testing.T) {
	c := descriptor.NewCollection()
	tr := treatment("Identity")
	require.NoError(t, c.Insert(tr))
	view := c.Wrap()

	require.NoError(t, view.RequireAll([]identifier.Identifier{tr.ID}))

	missing := identifier.MustNew("", []string{"std"}, "Missing")
	err := view.RequireAll([]identifier.Identifier{missing})
	require.Error(t, err)
}

func TestTreatmentDescriptor_Uses(t *testing.T) {
	dataID := identifier.MustNew("", []string{"std"}, "Point")
	modelID := identifier.MustNew("", []string{"std"}, "SomeModel")
	ctxID := identifier.MustNew("", []string{"std"}, "SomeContext")

	tr := &descriptor.TreatmentDescriptor{
		ID:               identifier.MustNew("", []string{"std"}, "UsesPoint"),
		RequiredContexts: []identifier.Identifier{ctxID},
		RequiredModels:   []descriptor.ModelRole{{Name: "m", Model: modelID}},
		Inputs: []descriptor.PortDescriptor{
			{Name: "in", Type: dtype.DataOf(dataID), Flow: dtype.Stream},
		},
	}

	uses := tr.Uses()
	assert.Contains(t, uses, dataID)
	assert.Contains(t, uses, modelID)
	assert.Contains(t, uses, ctxID)
}

func TestTreatmentDescriptor_CommitDesign(t *testing.T) {
	tr := treatment("WithDesign")
	assert.Nil(t, tr.Design())
	tr.CommitDesign("frozen-design-placeholder")
	assert.Equal(t, "frozen-design-placeholder", tr.Design())
}
