// Package descriptor holds the immutable registry of every entity a
// Mélodium program can reference: contexts, data, functions, models, and
// treatments, keyed by identifier. Descriptors are created at load time
// (by the external parser/loader, out of core scope) and are immutable
// afterward; a Collection is the mutable registry used while loading, and
// Wrap freezes it into the CollectionView handed to the builder.
package descriptor

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
)

// Entry is any descriptor kind storable in a Collection.
type Entry interface {
	// Identifier returns the entry's globally unique identifier.
	Identifier() identifier.Identifier

	// Uses returns the set of identifiers this entry transitively
	// references (parameter types, model roles, required contexts,
	// child treatments, ...). Used to detect missing dependencies before
	// any build begins.
	Uses() []identifier.Identifier
}

// Variability distinguishes const parameters (resolvable at genesis time)
// from var parameters (may depend on per-track context).
type Variability string

const (
	Const Variability = "const"
	Var   Variability = "var"
)

// ParameterDescriptor describes one parameter of a context, model, or
// treatment.
type ParameterDescriptor struct {
	Name        string
	Variability Variability
	Type        dtype.DescribedType
	Default     *ParameterDefault
}

// ParameterDefault is a literal default value, deferred to the value
// package's Value type via an opaque holder to avoid an import cycle
// between descriptor and value (descriptor is a dependency of value's
// consumers, not the reverse). Default values for non-scalar kinds are
// out of scope for a default and must be explicit parameters.
type ParameterDefault struct {
	// Raw is a CBOR-free scalar literal; the world package resolves it
	// into a value.Value using the parameter's declared type.
	Raw any
}

// ContextDescriptor is a named bag of typed fields attached to a track.
type ContextDescriptor struct {
	ID     identifier.Identifier
	Fields []ParameterDescriptor
}

func (c ContextDescriptor) Identifier() identifier.Identifier { return c.ID }
func (c ContextDescriptor) Uses() []identifier.Identifier     { return dataUsesOf(c.Fields) }

// DataDescriptor is metadata for a user-defined data type. The concrete
// Go type backing it lives in a compiled data library (out of core
// scope); the descriptor only needs identity for type-checking.
type DataDescriptor struct {
	ID identifier.Identifier
}

func (d DataDescriptor) Identifier() identifier.Identifier { return d.ID }
func (d DataDescriptor) Uses() []identifier.Identifier     { return nil }

// FunctionDescriptor describes a pure function callable from a parameter
// expression (spec.md §4.2 Function parameter value).
type FunctionDescriptor struct {
	ID         identifier.Identifier
	Generics   []string
	Parameters []ParameterDescriptor
	Return     dtype.DescribedType
}

func (f FunctionDescriptor) Identifier() identifier.Identifier { return f.ID }
func (f FunctionDescriptor) Uses() []identifier.Identifier     { return dataUsesOf(f.Parameters) }

// ModelSource names a hook a model exposes to open tracks, and the
// contexts those tracks are guaranteed to carry.
type ModelSource struct {
	Name              string
	RequiredContexts []identifier.Identifier
}

// BuildMode distinguishes a native compiled closure from a design wrapping
// another descriptor, or a source entry point opened externally by a
// model.
type BuildMode string

const (
	Compiled BuildMode = "compiled"
	Designed BuildMode = "designed"
	Source   BuildMode = "source"
)

// ModelDescriptor describes a long-lived stateful collaborator.
type ModelDescriptor struct {
	ID         identifier.Identifier
	Parameters []ParameterDescriptor
	Sources    []ModelSource
	Build      BuildMode // Compiled or Designed

	// Base is set when Build == Designed: the compiled base model this
	// descriptor wraps, with some const parameters fixed.
	Base *identifier.Identifier
	// FixedParameters holds the const parameter values fixed by a
	// designed model over its base. Resolved by the designer package.
	FixedParameters map[string]ParameterDefault
}

func (m ModelDescriptor) Identifier() identifier.Identifier { return m.ID }
func (m ModelDescriptor) Uses() []identifier.Identifier {
	uses := dataUsesOf(m.Parameters)
	for _, src := range m.Sources {
		uses = append(uses, src.RequiredContexts...)
	}
	if m.Base != nil {
		uses = append(uses, *m.Base)
	}
	return uses
}

// ModelRole names a required model role on a treatment descriptor and the
// model descriptor it must be bound to.
type ModelRole struct {
	Name  string
	Model identifier.Identifier
}

// PortDescriptor describes a single input or output endpoint.
type PortDescriptor struct {
	Name string
	Type dtype.DescribedType
	Flow dtype.Flow
}

// TreatmentDescriptor describes an active graph node template.
type TreatmentDescriptor struct {
	ID               identifier.Identifier
	Parameters       []ParameterDescriptor
	Generics         []string
	RequiredModels   []ModelRole
	RequiredContexts []identifier.Identifier
	Inputs           []PortDescriptor
	Outputs          []PortDescriptor
	// SourceFrom names the model-source hooks that may open tracks rooted
	// at this treatment: role name -> source names.
	SourceFrom map[string][]string
	Build      BuildMode

	// design is set by commit_design (designer package) once the
	// treatment's designer has been frozen. It is stored as an opaque
	// any to avoid an import cycle between descriptor and design; the
	// design package provides typed accessors.
	mu     sync.RWMutex
	design any
}

func (t *TreatmentDescriptor) Identifier() identifier.Identifier { return t.ID }
func (t *TreatmentDescriptor) Uses() []identifier.Identifier {
	uses := dataUsesOf(t.Parameters)
	uses = append(uses, t.RequiredContexts...)
	for _, role := range t.RequiredModels {
		uses = append(uses, role.Model)
	}
	for _, p := range t.Inputs {
		if p.Type.Kind == dtype.Data && p.Type.DataIdentifier != nil {
			uses = append(uses, *p.Type.DataIdentifier)
		}
	}
	for _, p := range t.Outputs {
		if p.Type.Kind == dtype.Data && p.Type.DataIdentifier != nil {
			uses = append(uses, *p.Type.DataIdentifier)
		}
	}
	return uses
}

// CommitDesign stores the frozen design produced by a designer, replacing
// any design committed before. Storing
// it here (rather than in the designer) lets a design be rebuilt
// unboundedly many times from the same descriptor, matching spec.md's
// lifecycle note.
func (t *TreatmentDescriptor) CommitDesign(d any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.design = d
}

// Design returns the previously committed design, or nil if none has been
// committed yet.
func (t *TreatmentDescriptor) Design() any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.design
}

func dataUsesOf(params []ParameterDescriptor) []identifier.Identifier {
	var uses []identifier.Identifier
	for _, p := range params {
		if p.Type.Kind == dtype.Data && p.Type.DataIdentifier != nil {
			uses = append(uses, *p.Type.DataIdentifier)
		}
	}
	return uses
}

// Collection is the mutable keyed registry built while loading a program.
// insert is idempotent by identifier: inserting the same identifier twice
// with an equal entry is a no-op, but a conflicting re-insertion is an
// error surfaced before any build begins.
type Collection struct {
	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
}

// NewCollection creates an empty descriptor collection.
func NewCollection() *Collection {
	return &Collection{entries: make(map[string]Entry)}
}

// ErrConflictingEntry is returned by Insert when the identifier already
// has a different entry registered.
var ErrConflictingEntry = fmt.Errorf("descriptor: conflicting entry for identifier")

// Insert adds an entry, keyed by its identifier. Re-inserting the exact
// same entry value is a no-op (idempotent); inserting a different entry
// under the same identifier is an error.
func (c *Collection) Insert(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := e.Identifier().Key()
	if existing, ok := c.entries[key]; ok {
		// Pointer entries are the same entry only when they are the same
		// pointer; value entries holding slices cannot be compared with ==,
		// so they are compared by deep equality instead.
		same := false
		if reflect.TypeOf(e).Comparable() {
			same = existing == e
		} else {
			same = reflect.DeepEqual(existing, e)
		}
		if same {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflictingEntry, e.Identifier())
	}
	c.entries[key] = e
	c.order = append(c.order, key)
	return nil
}

// Get retrieves an entry by identifier.
func (c *Collection) Get(id identifier.Identifier) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id.Key()]
	return e, ok
}

// Identifiers returns every identifier in insertion order.
func (c *Collection) Identifiers() []identifier.Identifier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]identifier.Identifier, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.entries[key].Identifier())
	}
	return out
}

// TreeNode is one node of the hierarchical grouping Tree() produces.
type TreeNode struct {
	Segment  string
	Children map[string]*TreeNode
	Entries  []identifier.Identifier
}

// Tree groups every identifier by path segment, for documentation
// generation (an external collaborator; the core only provides the
// grouping).
func (c *Collection) Tree() *TreeNode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root := &TreeNode{Children: map[string]*TreeNode{}}
	for _, key := range c.order {
		id := c.entries[key].Identifier()
		node := root
		for _, seg := range id.Path {
			child, ok := node.Children[seg]
			if !ok {
				child = &TreeNode{Segment: seg, Children: map[string]*TreeNode{}}
				node.Children[seg] = child
			}
			node = child
		}
		node.Entries = append(node.Entries, id)
	}
	sortTree(root)
	return root
}

func sortTree(n *TreeNode) {
	sort.Slice(n.Entries, func(i, j int) bool { return n.Entries[i].Less(n.Entries[j]) })
	for _, c := range n.Children {
		sortTree(c)
	}
}

// View is an immutable, reference-shared handle to a Collection, produced
// by Wrap and handed to the builder. Descriptors never change after Wrap;
// sharing is by pointer, matching spec.md §4.1's "wrapped at hand-off".
type View struct {
	c *Collection
}

// Wrap freezes a Collection into an immutable View. The underlying
// Collection must not be mutated by the caller after Wrap (the core
// trusts this boundary; the external loader is the only mutator and it
// calls Wrap exactly once per program load).
func (c *Collection) Wrap() *View {
	return &View{c: c}
}

// Get looks up an entry through the immutable view.
func (v *View) Get(id identifier.Identifier) (Entry, bool) { return v.c.Get(id) }

// Identifiers returns every known identifier.
func (v *View) Identifiers() []identifier.Identifier { return v.c.Identifiers() }

// Tree returns the hierarchical grouping for documentation.
func (v *View) Tree() *TreeNode { return v.c.Tree() }

// RequireAll checks that every identifier in ids resolves in the
// collection, returning the first missing identifier as an error. Used by
// the designer to turn a missing dependency into a load error before any
// build begins (spec.md §4.1).
func (v *View) RequireAll(ids []identifier.Identifier) error {
	for _, id := range ids {
		if _, ok := v.Get(id); !ok {
			return fmt.Errorf("descriptor: missing required identifier %s", id)
		}
	}
	return nil
}
