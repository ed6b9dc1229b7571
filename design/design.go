// Package design implements the frozen, serialisable intermediate
// representation produced by committing a designer (package designer).
// A Design is immutable and may be rebuilt unboundedly many times by the
// builder (package world).
package design

import (
	"reflect"

	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/value"
)

// ParameterValueKind discriminates the ways a parameter can be assigned,
// per spec.md §4.2.
type ParameterValueKind string

const (
	Raw      ParameterValueKind = "raw"
	Variable ParameterValueKind = "variable"
	Context  ParameterValueKind = "context"
	Array    ParameterValueKind = "array"
	Function ParameterValueKind = "function"
)

// ParameterValue is the frozen form of a designer parameter assignment.
type ParameterValue struct {
	Kind ParameterValueKind

	// Raw
	RawValue value.Value

	// Variable
	VariableName string

	// Context
	ContextID    identifier.Identifier
	ContextField string

	// Array
	ArrayItems []ParameterValue

	// Function
	FunctionID       identifier.Identifier
	FunctionGenerics map[string]identifier.Identifier // name -> Data identifier binding (Generic bound to Data<id>); scalar bindings are carried out-of-band by the descriptor's declared type
	FunctionArgs     []ParameterValue
}

// Equal reports deep equality between two parameter values, used to check
// commit_design idempotency (spec.md §8).
func (p ParameterValue) Equal(other ParameterValue) bool {
	if p.Kind != other.Kind {
		return false
	}
	switch p.Kind {
	case Raw:
		return p.RawValue.Equal(other.RawValue)
	case Variable:
		return p.VariableName == other.VariableName
	case Context:
		return p.ContextID.Equal(other.ContextID) && p.ContextField == other.ContextField
	case Array:
		if len(p.ArrayItems) != len(other.ArrayItems) {
			return false
		}
		for i := range p.ArrayItems {
			if !p.ArrayItems[i].Equal(other.ArrayItems[i]) {
				return false
			}
		}
		return true
	case Function:
		if !p.FunctionID.Equal(other.FunctionID) {
			return false
		}
		if len(p.FunctionArgs) != len(other.FunctionArgs) {
			return false
		}
		for i := range p.FunctionArgs {
			if !p.FunctionArgs[i].Equal(other.FunctionArgs[i]) {
				return false
			}
		}
		return reflect.DeepEqual(p.FunctionGenerics, other.FunctionGenerics)
	default:
		return false
	}
}

// ModelInstanciation binds a local name to a model descriptor, with its
// const-only parameter assignments.
type ModelInstanciation struct {
	LocalName  string
	Model      identifier.Identifier
	Parameters map[string]ParameterValue
}

// Equal compares two model instanciations deeply.
func (m ModelInstanciation) Equal(other ModelInstanciation) bool {
	if m.LocalName != other.LocalName || !m.Model.Equal(other.Model) {
		return false
	}
	return equalParamMaps(m.Parameters, other.Parameters)
}

// TreatmentInstanciation pins a child descriptor under a local name, with
// generic bindings, model role bindings, and parameter values.
type TreatmentInstanciation struct {
	LocalName  string
	Treatment  identifier.Identifier
	Generics   map[string]identifier.Identifier // generic name -> Data identifier
	ModelRoles map[string]string                // role name -> local model-instanciation name
	Parameters map[string]ParameterValue
}

// Equal compares two treatment instanciations deeply.
func (t TreatmentInstanciation) Equal(other TreatmentInstanciation) bool {
	if t.LocalName != other.LocalName || !t.Treatment.Equal(other.Treatment) {
		return false
	}
	if !reflect.DeepEqual(t.Generics, other.Generics) {
		return false
	}
	if !reflect.DeepEqual(t.ModelRoles, other.ModelRoles) {
		return false
	}
	return equalParamMaps(t.Parameters, other.Parameters)
}

func equalParamMaps(a, b map[string]ParameterValue) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Endpoint identifies one side of a Connection: either Self (the
// enclosing design's own input/output) or a named child treatment's
// input/output.
type Endpoint struct {
	// Self is true when this endpoint refers to the enclosing design
	// rather than a child treatment instanciation.
	Self bool
	// Treatment is the child's local name; empty when Self is true.
	Treatment string
	// Port is the input or output name on the referenced side.
	Port string
}

// Connection wires an output endpoint to an input endpoint.
//   - Self output -> child input: wires a parent input to a child input.
//   - child output -> Self input: wires a child output to a parent output.
//   - child output -> child input: an internal wire.
//   - Self output -> Self input: a direct passthrough (rare but legal).
type Connection struct {
	From Endpoint // producer (an output)
	To   Endpoint // consumer (an input)
}

// Equal compares two connections.
func (c Connection) Equal(other Connection) bool {
	return c.From == other.From && c.To == other.To
}

// Design is the frozen, serialisable form of a designer's scope: ready to
// be built repeatedly by the world package.
type Design struct {
	Descriptor     identifier.Identifier
	Parameters     map[string]ParameterValue // the enclosing treatment's own const/var parameter defaults set at design time, if any
	Models         []ModelInstanciation
	Treatments     []TreatmentInstanciation
	Connections    []Connection
}

// Equal reports deep equality between two designs, used to verify that
// commit_design is idempotent (spec.md §8: "committing twice yields the
// same design object by deep equality") and that a distribution
// round-trip preserves the design exactly.
func (d *Design) Equal(other *Design) bool {
	if d == nil || other == nil {
		return d == other
	}
	if !d.Descriptor.Equal(other.Descriptor) {
		return false
	}
	if !equalParamMaps(d.Parameters, other.Parameters) {
		return false
	}
	if len(d.Models) != len(other.Models) {
		return false
	}
	for i := range d.Models {
		if !d.Models[i].Equal(other.Models[i]) {
			return false
		}
	}
	if len(d.Treatments) != len(other.Treatments) {
		return false
	}
	for i := range d.Treatments {
		if !d.Treatments[i].Equal(other.Treatments[i]) {
			return false
		}
	}
	if len(d.Connections) != len(other.Connections) {
		return false
	}
	for i := range d.Connections {
		if !d.Connections[i].Equal(other.Connections[i]) {
			return false
		}
	}
	return true
}

// ModelByName returns the model instanciation with the given local name.
func (d *Design) ModelByName(name string) (ModelInstanciation, bool) {
	for _, m := range d.Models {
		if m.LocalName == name {
			return m, true
		}
	}
	return ModelInstanciation{}, false
}

// TreatmentByName returns the treatment instanciation with the given
// local name.
func (d *Design) TreatmentByName(name string) (TreatmentInstanciation, bool) {
	for _, tr := range d.Treatments {
		if tr.LocalName == name {
			return tr, true
		}
	}
	return TreatmentInstanciation{}, false
}
