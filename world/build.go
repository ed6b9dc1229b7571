// Package world implements the builder and world: static and dynamic
// build of a design into running tracks, per spec.md §4.3.
package world

import (
	"fmt"

	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/model"
	"github.com/melodium-lang/melodium/value"
)

// BuildID uniquely identifies one static-build node, stable for the
// lifetime of the world (a design may be rebuilt unboundedly many times,
// each rebuild allocating fresh build ids).
type BuildID string

// ModelID uniquely identifies one live model instanciation in the world's
// model table.
type ModelID = model.ID

// Environment is the genesis environment a static build resolves var
// parameters' enclosing const parameters against, and the contextual
// environment a dynamic build resolves remaining var parameters against.
type Environment struct {
	Variables map[string]value.Value
}

// Lookup resolves a variable by name.
func (e Environment) Lookup(name string) (value.Value, bool) {
	if e.Variables == nil {
		return value.Value{}, false
	}
	v, ok := e.Variables[name]
	return v, ok
}

// ContextInstance is a concrete context attached to a track, matching one
// of a treatment's required contexts by identifier.
type ContextInstance struct {
	ID     identifier.Identifier
	Fields map[string]value.Value
}

// Build is the static-build record for one treatment-instanciation node:
// either a leaf (Compiled descriptor) or a composite (Designed
// descriptor) with its own children.
type Build struct {
	ID         BuildID
	Label      string // slash-separated path from the root, for diagnostics and tracing
	Descriptor *descriptor.TreatmentDescriptor

	// Parameters holds every parameter value resolved so far: consts are
	// fully resolved value.Value; vars are deferred design.ParameterValue,
	// resolved at dynamic build time against the track's contextual
	// environment.
	ConstParameters map[string]value.Value
	VarParameters   map[string]design.ParameterValue

	// Children maps a local name to its static build, present only when
	// Descriptor.Build == descriptor.Designed.
	Children map[string]*Build
	// ChildOrder preserves deterministic iteration for dynamic build and
	// diagnostics.
	ChildOrder []string
	// Models maps a local model-instanciation name to the live model id
	// built for it.
	Models map[string]ModelID
	// Connections is copied from the committed design, empty for leaves.
	Connections []design.Connection
	// Generics carries the generic bindings fixed for this instanciation.
	Generics map[string]identifier.Identifier
}

// resolveDefault converts a descriptor-level default (an opaque Go
// literal) into a typed runtime value, per the parameter's declared type.
// Defaults are only ever scalar literals (spec.md §4.1).
func resolveDefault(pd descriptor.ParameterDescriptor) (value.Value, error) {
	if pd.Default == nil {
		return value.Value{}, fmt.Errorf("world: parameter %q has no default", pd.Name)
	}
	raw := pd.Default.Raw
	switch pd.Type.Kind {
	case dtype.Bool:
		if b, ok := raw.(bool); ok {
			return value.Bool(b), nil
		}
	case dtype.String:
		if s, ok := raw.(string); ok {
			return value.Str(s), nil
		}
	case dtype.F32:
		if f, ok := toFloat(raw); ok {
			return value.F32(float32(f)), nil
		}
	case dtype.F64:
		if f, ok := toFloat(raw); ok {
			return value.F64(f), nil
		}
	case dtype.I8, dtype.I16, dtype.I32, dtype.I64, dtype.I128,
		dtype.U8, dtype.U16, dtype.U32, dtype.U64, dtype.U128:
		if n, ok := toInt(raw); ok {
			return intValueOf(pd.Type.Kind, n), nil
		}
	}
	return value.Value{}, fmt.Errorf("world: default for parameter %q does not match declared type %s", pd.Name, pd.Type.String())
}

func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func toInt(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func intValueOf(k dtype.Kind, n int64) value.Value {
	switch k {
	case dtype.I8:
		return value.I8(int8(n))
	case dtype.I16:
		return value.I16(int16(n))
	case dtype.I32:
		return value.I32(int32(n))
	case dtype.I64:
		return value.I64(n)
	case dtype.I128:
		return value.I128(n)
	case dtype.U8:
		return value.U8(uint8(n))
	case dtype.U16:
		return value.U16(uint16(n))
	case dtype.U32:
		return value.U32(uint32(n))
	case dtype.U64:
		return value.U64(uint64(n))
	case dtype.U128:
		return value.U128(uint64(n))
	}
	return value.Void
}
