package world

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
)

// CompiledTreatment is the body of a leaf (Compiled descriptor)
// treatment: user code, out of core scope, registered by the host
// program. It runs for the lifetime of one track-local instanciation,
// reading its inputs and writing its outputs until it returns.
type CompiledTreatment func(ctx context.Context, env Environment, inputs map[string]*transmission.ReceiveTransmitter, outputs map[string]*transmission.SendTransmitter) error

// CompiledModelBuilder constructs a HostedModel from its resolved const
// parameters.
type CompiledModelBuilder func(params map[string]value.Value) (HostedModel, error)

// FunctionImpl is a registered pure function callable from a const
// parameter expression.
type FunctionImpl func(args []value.Value) (value.Value, error)

// Builder resolves designs into static Build trees, and registers the
// compiled closures (leaf treatment bodies, model builders, and pure
// functions) a designed program is assembled from.
type Builder struct {
	collection *descriptor.View

	treatments map[string]CompiledTreatment
	models     map[string]CompiledModelBuilder
	functions  map[string]FunctionImpl

	tracer trace.Tracer

	buildSeq atomic.Uint64
	world    *World
}

// NewBuilder creates a builder against the given descriptor collection
// view.
func NewBuilder(collection *descriptor.View, tracer trace.Tracer) *Builder {
	return &Builder{
		collection: collection,
		treatments: make(map[string]CompiledTreatment),
		models:     make(map[string]CompiledModelBuilder),
		functions:  make(map[string]FunctionImpl),
		tracer:     tracer,
	}
}

// RegisterTreatment registers the compiled body for a leaf treatment
// descriptor.
func (b *Builder) RegisterTreatment(id identifier.Identifier, fn CompiledTreatment) {
	b.treatments[id.Key()] = fn
}

// RegisterModel registers the compiled builder for a model descriptor.
func (b *Builder) RegisterModel(id identifier.Identifier, fn CompiledModelBuilder) {
	b.models[id.Key()] = fn
}

// RegisterFunction registers a pure function callable from parameter
// expressions.
func (b *Builder) RegisterFunction(id identifier.Identifier, fn FunctionImpl) {
	b.functions[id.Key()] = fn
}

func (b *Builder) nextBuildID() BuildID {
	return BuildID(fmt.Sprintf("build-%d", b.buildSeq.Add(1)))
}

// StaticBuild resolves a designed or compiled treatment descriptor into a
// Build tree: parameters are filled with defaults and const-folded,
// children are recursively built, and model instanciations are
// materialized (spec.md §4.3 "Static build").
func (b *Builder) StaticBuild(ctx context.Context, treatmentID identifier.Identifier, label string, genesis Environment) (*Build, error) {
	entry, ok := b.collection.Get(treatmentID)
	if !ok {
		return nil, fmt.Errorf("world: unknown treatment %s", treatmentID)
	}
	td, ok := entry.(*descriptor.TreatmentDescriptor)
	if !ok {
		return nil, fmt.Errorf("world: %s is not a treatment", treatmentID)
	}

	bld := &Build{
		ID:              b.nextBuildID(),
		Label:           label,
		Descriptor:      td,
		ConstParameters: make(map[string]value.Value),
		VarParameters:   make(map[string]design.ParameterValue),
		Models:          make(map[string]ModelID),
	}

	if b.tracer != nil {
		_, span := b.tracer.Start(ctx, "world.static_build",
			trace.WithAttributes(
				attribute.String("melodium.build_id", string(bld.ID)),
				attribute.String("melodium.treatment", td.ID.String()),
				attribute.String("melodium.label", label),
			))
		defer span.End()
	}

	switch td.Build {
	case descriptor.Compiled:
		// Leaves carry no design; only descriptor-level defaults are
		// filled here. When the leaf is a child, the composite calling in
		// then sets the parameters its TreatmentInstanciation assigns
		// (the loop over ti.Parameters in the Designed case below).
		if err := b.fillDefaults(td.Parameters, bld, genesis); err != nil {
			return nil, err
		}
		return bld, nil

	case descriptor.Designed:
		raw := td.Design()
		if raw == nil {
			return nil, fmt.Errorf("world: %s has no committed design", td.ID)
		}
		d, ok := raw.(*design.Design)
		if !ok {
			return nil, fmt.Errorf("world: %s committed design has unexpected type", td.ID)
		}

		if err := b.fillDefaults(td.Parameters, bld, genesis); err != nil {
			return nil, err
		}
		// The design's own parameter defaults (set at design time, e.g.
		// by a designed model) take precedence over descriptor defaults
		// when present.
		for name, pv := range d.Parameters {
			resolved, err := b.resolveParameterValue(pv, genesis)
			if err == nil {
				bld.ConstParameters[name] = resolved
			}
		}

		bld.Children = make(map[string]*Build)
		bld.Connections = d.Connections

		// Variable(name) in any parameter value owned by this design
		// (model instanciations, child parameter assignments, child
		// default resolution) refers to this scope's own now-resolved
		// const parameters, per spec.md §3's "const parameters refer
		// only to the enclosing scope's const parameters".
		scopedEnv := Environment{Variables: bld.ConstParameters}

		for _, mi := range d.Models {
			modelID, err := b.buildModelInstanciation(ctx, mi, scopedEnv)
			if err != nil {
				return nil, fmt.Errorf("world: building model %q: %w", mi.LocalName, err)
			}
			bld.Models[mi.LocalName] = modelID
		}

		for _, ti := range d.Treatments {
			childLabel := label + "/" + ti.LocalName
			child, err := b.StaticBuild(ctx, ti.Treatment, childLabel, scopedEnv)
			if err != nil {
				return nil, fmt.Errorf("world: building child %q: %w", ti.LocalName, err)
			}
			child.Generics = ti.Generics

			childEntry, _ := b.collection.Get(ti.Treatment)
			childTD, _ := childEntry.(*descriptor.TreatmentDescriptor)
			if childTD != nil {
				for _, pd := range childTD.Parameters {
					pv, assigned := ti.Parameters[pd.Name]
					if !assigned {
						if pd.Default != nil {
							if v, err := resolveDefault(pd); err == nil {
								child.ConstParameters[pd.Name] = v
							}
						}
						continue
					}
					if pv.Kind == design.Context {
						child.VarParameters[pd.Name] = pv
						continue
					}
					resolved, err := b.resolveParameterValueWithGenerics(pv, scopedEnv, child)
					if err != nil {
						if pd.Variability == descriptor.Var {
							child.VarParameters[pd.Name] = pv
							continue
						}
						return nil, fmt.Errorf("world: resolving parameter %q on %q: %w", pd.Name, ti.LocalName, err)
					}
					child.ConstParameters[pd.Name] = resolved
				}
			}

			bld.Children[ti.LocalName] = child
			bld.ChildOrder = append(bld.ChildOrder, ti.LocalName)

			if childTD != nil && b.world != nil {
				b.world.registerSourceRoots(childTD, ti, bld, child)
			}
		}

		return bld, nil

	default:
		return nil, fmt.Errorf("world: unknown build mode %q for %s", td.Build, td.ID)
	}
}

func (b *Builder) fillDefaults(params []descriptor.ParameterDescriptor, bld *Build, genesis Environment) error {
	for _, pd := range params {
		if _, ok := bld.ConstParameters[pd.Name]; ok {
			continue
		}
		if pd.Default == nil {
			continue
		}
		v, err := resolveDefault(pd)
		if err != nil {
			return err
		}
		bld.ConstParameters[pd.Name] = v
	}
	return nil
}

// resolveParameterValue const-folds a parameter value against the
// genesis environment. Context references cannot be resolved statically
// and are an error here (callers route Context-kind values to
// VarParameters instead of calling this).
func (b *Builder) resolveParameterValue(pv design.ParameterValue, env Environment) (value.Value, error) {
	return b.resolveParameterValueWithGenerics(pv, env, nil)
}

func (b *Builder) resolveParameterValueWithGenerics(pv design.ParameterValue, env Environment, bld *Build) (value.Value, error) {
	switch pv.Kind {
	case design.Raw:
		return pv.RawValue, nil
	case design.Variable:
		v, ok := env.Lookup(pv.VariableName)
		if !ok {
			return value.Value{}, fmt.Errorf("world: undefined variable %q", pv.VariableName)
		}
		return v, nil
	case design.Context:
		return value.Value{}, fmt.Errorf("world: context references are resolved at dynamic build time")
	case design.Array:
		items := make([]value.Value, len(pv.ArrayItems))
		for i, item := range pv.ArrayItems {
			v, err := b.resolveParameterValueWithGenerics(item, env, bld)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = v
		}
		return value.NewVec(items), nil
	case design.Function:
		fn, ok := b.functions[pv.FunctionID.Key()]
		if !ok {
			return value.Value{}, fmt.Errorf("world: unregistered function %s", pv.FunctionID)
		}
		args := make([]value.Value, len(pv.FunctionArgs))
		for i, arg := range pv.FunctionArgs {
			v, err := b.resolveParameterValueWithGenerics(arg, env, bld)
			if err != nil {
				return value.Value{}, err
			}
			args[i] = v
		}
		return fn(args)
	default:
		return value.Value{}, fmt.Errorf("world: unknown parameter value kind %q", pv.Kind)
	}
}

// resolveDynamicParameterValue resolves a parameter value at dynamic
// build time, when the track's contexts are available and Context-kind
// values can finally be looked up.
func (b *Builder) resolveDynamicParameterValue(pv design.ParameterValue, contexts []ContextInstance, env Environment) (value.Value, error) {
	switch pv.Kind {
	case design.Context:
		for _, c := range contexts {
			if c.ID.Equal(pv.ContextID) {
				if v, ok := c.Fields[pv.ContextField]; ok {
					return v, nil
				}
				return value.Value{}, fmt.Errorf("world: context %s has no field %q", pv.ContextID, pv.ContextField)
			}
		}
		return value.Value{}, fmt.Errorf("world: no attached context %s", pv.ContextID)
	case design.Array:
		items := make([]value.Value, len(pv.ArrayItems))
		for i, item := range pv.ArrayItems {
			v, err := b.resolveDynamicParameterValue(item, contexts, env)
			if err != nil {
				return value.Value{}, err
			}
			items[i] = v
		}
		return value.NewVec(items), nil
	case design.Function:
		fn, ok := b.functions[pv.FunctionID.Key()]
		if !ok {
			return value.Value{}, fmt.Errorf("world: unregistered function %s", pv.FunctionID)
		}
		args := make([]value.Value, len(pv.FunctionArgs))
		for i, arg := range pv.FunctionArgs {
			v, err := b.resolveDynamicParameterValue(arg, contexts, env)
			if err != nil {
				return value.Value{}, err
			}
			args[i] = v
		}
		return fn(args)
	default:
		return b.resolveParameterValueWithGenerics(pv, env, nil)
	}
}

// buildModelInstanciation materializes one model-instanciation by
// invoking its compiled builder (or, for a Designed model descriptor,
// the base model's builder with the designed defaults merged under the
// instanciation's overrides), and registers the resulting host with the
// world.
func (b *Builder) buildModelInstanciation(ctx context.Context, mi design.ModelInstanciation, genesis Environment) (ModelID, error) {
	entry, ok := b.collection.Get(mi.Model)
	if !ok {
		return "", fmt.Errorf("world: unknown model %s", mi.Model)
	}
	md, ok := entry.(*descriptor.ModelDescriptor)
	if !ok {
		md2, ok2 := entry.(descriptor.ModelDescriptor)
		if !ok2 {
			return "", fmt.Errorf("world: %s is not a model", mi.Model)
		}
		md = &md2
	}

	baseID := md.ID
	baseDescriptor := md
	if md.Build == descriptor.Designed && md.Base != nil {
		baseID = *md.Base
		if baseEntry, ok := b.collection.Get(baseID); ok {
			if bmd, ok := baseEntry.(*descriptor.ModelDescriptor); ok {
				baseDescriptor = bmd
			} else if bmd2, ok := baseEntry.(descriptor.ModelDescriptor); ok {
				baseDescriptor = &bmd2
			}
		}
	}
	baseParamTypes := make(map[string]descriptor.ParameterDescriptor, len(baseDescriptor.Parameters))
	for _, pd := range baseDescriptor.Parameters {
		baseParamTypes[pd.Name] = pd
	}

	params := make(map[string]value.Value)
	for name, def := range md.FixedParameters {
		pd, ok := baseParamTypes[name]
		if !ok || def.Raw == nil {
			continue
		}
		pd.Default = &def
		if v, err := resolveDefault(pd); err == nil {
			params[name] = v
		}
	}
	for name, pv := range mi.Parameters {
		resolved, err := b.resolveParameterValue(pv, genesis)
		if err != nil {
			return "", err
		}
		params[name] = resolved
	}
	for _, pd := range baseDescriptor.Parameters {
		if _, set := params[pd.Name]; !set && pd.Default != nil {
			if v, err := resolveDefault(pd); err == nil {
				params[pd.Name] = v
			}
		}
	}

	builderFn, ok := b.models[baseID.Key()]
	if !ok {
		return "", fmt.Errorf("world: no compiled builder registered for model %s", baseID)
	}
	hosted, err := builderFn(params)
	if err != nil {
		return "", err
	}

	modelID := ModelID(uuid.NewString())
	if b.world != nil {
		b.world.registerModel(modelID, md.ID, hosted)
	}
	return modelID, nil
}

// CheckDynamicBuild is a dry-run variant of DynamicBuild: it walks the
// same recursive path without spawning any transmitter or task,
// collecting diagnostics instead (spec.md §4.3).
func (b *Builder) CheckDynamicBuild(ctx context.Context, bld *Build) []error {
	var errs []error
	if bld.Descriptor.Build == descriptor.Compiled {
		if _, ok := b.treatments[bld.Descriptor.ID.Key()]; !ok {
			errs = append(errs, fmt.Errorf("world: no compiled body registered for %s", bld.Descriptor.ID))
		}
		return errs
	}
	for _, name := range bld.ChildOrder {
		errs = append(errs, b.CheckDynamicBuild(ctx, bld.Children[name])...)
	}
	return errs
}
