// Package designer implements the mutable intermediate representation
// used to assemble a treatment or model design before it is frozen by
// CommitDesign into an immutable design.Design (package design).
//
// A Designer is a Scope: built-up state (model instanciations, treatment
// instanciations, connections, parameter assignments) that Validate checks
// recursively, aggregating every logic error instead of stopping at the
// first, per spec.md §4.2 and §7.
package designer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/value"
)

// Scope is implemented by anything that can report its own descriptor and
// a handle on the descriptor collection it was built against. Designer
// satisfies it; the instanciation handles do not.
type Scope interface {
	Descriptor() descriptor.Entry
	Collection() *descriptor.View
}

// LogicError is a single designer validation failure: the error kind, the
// offending identifier, an optional source location (populated by an
// external parser; empty for programmatically-built designers), and a
// human-readable message.
type LogicError struct {
	Kind       string
	Identifier identifier.Identifier
	Location   string
	Message    string
}

func (e LogicError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s: %s (%s) at %s", e.Kind, e.Message, e.Identifier, e.Location)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Identifier)
}

// Known logic error kinds (spec.md §7: "unexisting parameter/model/context,
// multiple assignment, type mismatch, unset required parameter, const/var
// violation, flow mismatch, illegal cycle, etc.").
const (
	KindUnknownIdentifier  = "unknown_identifier"
	KindUnknownParameter   = "unknown_parameter"
	KindMultipleAssignment = "multiple_assignment"
	KindTypeMismatch       = "type_mismatch"
	KindUnsetParameter     = "unset_parameter"
	KindConstViolation     = "const_violation"
	KindNoContext          = "no_context"
	KindMissingModelRole   = "missing_model_role"
	KindFlowMismatch       = "flow_mismatch"
	KindUnconnectedInput   = "unconnected_input"
	KindUnproducedOutput   = "unproduced_output"
	KindIllegalCycle       = "illegal_cycle"
	KindUnknownEndpoint    = "unknown_endpoint"
)

// ParameterValue mirrors design.ParameterValue during the mutable design
// phase; the two share structure so commit is a straightforward copy.
type ParameterValue = design.ParameterValue

// ParameterHandle lets a caller assign a value to one declared parameter
// of a model or treatment instanciation.
type ParameterHandle struct {
	name  string
	value *ParameterValue
}

// Name returns the parameter's name.
func (p *ParameterHandle) Name() string { return p.name }

// SetRaw assigns a literal value.
func (p *ParameterHandle) SetRaw(v value.Value) {
	*p.value = ParameterValue{Kind: design.Raw, RawValue: v}
}

// SetVariable assigns a reference to an enclosing-scope variable (const
// parameter name or, for var parameters in dynamic contexts, a
// genesis-environment variable).
func (p *ParameterHandle) SetVariable(name string) {
	*p.value = ParameterValue{Kind: design.Variable, VariableName: name}
}

// SetContext assigns a reference to a context field. Only legal on a
// treatment-instanciation parameter (model-instanciation parameters are
// const-only and never reference a context, per spec.md §4.2).
func (p *ParameterHandle) SetContext(ctx identifier.Identifier, field string) {
	*p.value = ParameterValue{Kind: design.Context, ContextID: ctx, ContextField: field}
}

// SetArray assigns a literal array of raw values.
func (p *ParameterHandle) SetArray(items ...value.Value) {
	arr := make([]ParameterValue, len(items))
	for i, it := range items {
		arr[i] = ParameterValue{Kind: design.Raw, RawValue: it}
	}
	*p.value = ParameterValue{Kind: design.Array, ArrayItems: arr}
}

// SetFunction assigns the result of a registered function call, with
// const-only arguments (arguments are themselves ParameterValue, built by
// the caller via the same constructors used here).
func (p *ParameterHandle) SetFunction(fn identifier.Identifier, generics map[string]identifier.Identifier, args []ParameterValue) {
	*p.value = ParameterValue{Kind: design.Function, FunctionID: fn, FunctionGenerics: generics, FunctionArgs: args}
}

// instanciation is the common mutable state of a model or treatment
// instanciation handle.
type instanciation struct {
	localName  string
	descID     identifier.Identifier
	parameters map[string]*ParameterValue
	paramOrder []string
}

func newInstanciation(localName string, id identifier.Identifier) instanciation {
	return instanciation{localName: localName, descID: id, parameters: make(map[string]*ParameterValue)}
}

// AddParameter declares an assignment slot for the named parameter,
// returning a handle used to set its value. Calling AddParameter twice for
// the same name returns a handle on the same slot, so a repeated
// assignment overwrites the earlier one. Neither this layer nor Validate
// reports a multiple assignment: the last value set is the one kept.
func (i *instanciation) AddParameter(name string) *ParameterHandle {
	v, ok := i.parameters[name]
	if !ok {
		v = &ParameterValue{}
		i.parameters[name] = v
		i.paramOrder = append(i.paramOrder, name)
	}
	return &ParameterHandle{name: name, value: v}
}

// ModelInstanciationHandle represents one add_model(...) call's result.
type ModelInstanciationHandle struct {
	instanciation
}

// LocalName returns the local name this model instance was added under.
func (m *ModelInstanciationHandle) LocalName() string { return m.localName }

// TreatmentInstanciationHandle represents one add_treatment(...) call's
// result.
type TreatmentInstanciationHandle struct {
	instanciation
	generics   map[string]identifier.Identifier
	modelRoles map[string]string
}

// LocalName returns the local name this treatment instance was added
// under.
func (t *TreatmentInstanciationHandle) LocalName() string { return t.localName }

// BindGeneric fixes one of the treatment descriptor's generic type
// parameters to a concrete Data identifier.
func (t *TreatmentInstanciationHandle) BindGeneric(name string, dataID identifier.Identifier) {
	if t.generics == nil {
		t.generics = make(map[string]identifier.Identifier)
	}
	t.generics[name] = dataID
}

// BindModelRole binds one of the treatment descriptor's required model
// roles to a local model-instanciation name already added via add_model.
func (t *TreatmentInstanciationHandle) BindModelRole(role, localModelName string) {
	if t.modelRoles == nil {
		t.modelRoles = make(map[string]string)
	}
	t.modelRoles[role] = localModelName
}

// Designer is the mutable scope for one treatment descriptor's design.
type Designer struct {
	mu sync.Mutex

	desc       *descriptor.TreatmentDescriptor
	collection *descriptor.View

	models         map[string]*ModelInstanciationHandle
	modelOrder     []string
	treatments     map[string]*TreatmentInstanciationHandle
	treatmentOrder []string
	connections    []design.Connection

	ownParameters map[string]*ParameterValue // the enclosing treatment's own parameter defaults, settable at design time
}

// New creates a designer scope for the given treatment descriptor, against
// the given descriptor collection view.
func New(desc *descriptor.TreatmentDescriptor, collection *descriptor.View) *Designer {
	return &Designer{
		desc:          desc,
		collection:    collection,
		models:        make(map[string]*ModelInstanciationHandle),
		treatments:    make(map[string]*TreatmentInstanciationHandle),
		ownParameters: make(map[string]*ParameterValue),
	}
}

// Descriptor implements Scope.
func (d *Designer) Descriptor() descriptor.Entry { return d.desc }

// Collection implements Scope.
func (d *Designer) Collection() *descriptor.View { return d.collection }

// ErrDuplicateLocalName is returned by AddModel/AddTreatment when the
// local name is already used within this scope.
var ErrDuplicateLocalName = fmt.Errorf("designer: duplicate local name")

// AddModel declares a model instanciation in this scope.
func (d *Designer) AddModel(localName string, model identifier.Identifier) (*ModelInstanciationHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.models[localName]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalName, localName)
	}
	if _, exists := d.treatments[localName]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalName, localName)
	}

	h := &ModelInstanciationHandle{instanciation: newInstanciation(localName, model)}
	d.models[localName] = h
	d.modelOrder = append(d.modelOrder, localName)
	return h, nil
}

// AddTreatment declares a treatment instanciation (a child node) in this
// scope.
func (d *Designer) AddTreatment(localName string, treatment identifier.Identifier) (*TreatmentInstanciationHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.treatments[localName]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalName, localName)
	}
	if _, exists := d.models[localName]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateLocalName, localName)
	}

	h := &TreatmentInstanciationHandle{instanciation: newInstanciation(localName, treatment)}
	d.treatments[localName] = h
	d.treatmentOrder = append(d.treatmentOrder, localName)
	return h, nil
}

// AddConnection wires an output endpoint to an input endpoint. Endpoints
// name a child's local name plus a port, or Self plus a port for the
// enclosing treatment's own input/output.
func (d *Designer) AddConnection(from, to design.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connections = append(d.connections, design.Connection{From: from, To: to})
}

// AddParameter declares an assignment slot for one of the enclosing
// treatment's own parameters (used to set defaults at design time, e.g.
// for a designed model wrapping a compiled base model).
func (d *Designer) AddParameter(name string) *ParameterHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.ownParameters[name]
	if !ok {
		v = &ParameterValue{}
		d.ownParameters[name] = v
	}
	return &ParameterHandle{name: name, value: v}
}

// SelfInput builds a Self endpoint for one of the enclosing treatment's
// inputs.
func SelfInput(port string) design.Endpoint { return design.Endpoint{Self: true, Port: port} }

// SelfOutput builds a Self endpoint for one of the enclosing treatment's
// outputs (same shape as SelfInput; direction is implied by connection
// position).
func SelfOutput(port string) design.Endpoint { return design.Endpoint{Self: true, Port: port} }

// ChildPort builds an endpoint naming a child treatment instanciation's
// port.
func ChildPort(localName, port string) design.Endpoint {
	return design.Endpoint{Treatment: localName, Port: port}
}

// Design freezes the current designer state into an immutable
// design.Design, without storing it on the descriptor. Callers normally
// use CommitDesign instead; Design is exposed for callers that need to
// inspect the frozen form before committing (e.g. the distribution
// controller serialising a design that will be committed on the remote
// side).
func (d *Designer) Design() *design.Design {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeze()
}

func (d *Designer) freeze() *design.Design {
	out := &design.Design{Descriptor: d.desc.ID}

	if len(d.ownParameters) > 0 {
		out.Parameters = make(map[string]design.ParameterValue, len(d.ownParameters))
		for k, v := range d.ownParameters {
			out.Parameters[k] = *v
		}
	}

	for _, name := range d.modelOrder {
		m := d.models[name]
		mi := design.ModelInstanciation{LocalName: m.localName, Model: m.descID}
		if len(m.parameters) > 0 {
			mi.Parameters = make(map[string]design.ParameterValue, len(m.parameters))
			for k, v := range m.parameters {
				mi.Parameters[k] = *v
			}
		}
		out.Models = append(out.Models, mi)
	}

	for _, name := range d.treatmentOrder {
		tr := d.treatments[name]
		ti := design.TreatmentInstanciation{
			LocalName:  tr.localName,
			Treatment:  tr.descID,
			Generics:   tr.generics,
			ModelRoles: tr.modelRoles,
		}
		if len(tr.parameters) > 0 {
			ti.Parameters = make(map[string]design.ParameterValue, len(tr.parameters))
			for k, v := range tr.parameters {
				ti.Parameters[k] = *v
			}
		}
		out.Treatments = append(out.Treatments, ti)
	}

	out.Connections = append(out.Connections, d.connections...)

	return out
}

// CommitDesign validates the designer, and if validation produced no
// errors, freezes it and stores it on the treatment descriptor.
// commit_design is idempotent: committing twice yields the same design
// object by deep equality (spec.md §8), since freeze() is a pure function
// of the designer's current state and the state is not mutated by
// CommitDesign itself.
func (d *Designer) CommitDesign() (*design.Design, []LogicError) {
	errs := d.Validate()
	if len(errs) > 0 {
		return nil, errs
	}
	frozen := d.Design()
	d.desc.CommitDesign(frozen)
	return frozen, nil
}

// Validate recursively checks every invariant listed in spec.md §3,
// aggregating all errors rather than stopping at the first.
func (d *Designer) Validate() []LogicError {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []LogicError

	// Resolve the enclosing treatment descriptor's own declared
	// parameters, inputs, outputs, model roles and contexts.
	paramsByName := make(map[string]descriptor.ParameterDescriptor, len(d.desc.Parameters))
	constNames := map[string]bool{}
	for _, p := range d.desc.Parameters {
		paramsByName[p.Name] = p
		if p.Variability == descriptor.Const {
			constNames[p.Name] = true
		}
	}
	inputsByName := make(map[string]descriptor.PortDescriptor, len(d.desc.Inputs))
	for _, p := range d.desc.Inputs {
		inputsByName[p.Name] = p
	}
	outputsByName := make(map[string]descriptor.PortDescriptor, len(d.desc.Outputs))
	for _, p := range d.desc.Outputs {
		outputsByName[p.Name] = p
	}
	contextsAvailable := make(map[string]bool, len(d.desc.RequiredContexts))
	for _, c := range d.desc.RequiredContexts {
		contextsAvailable[c.Key()] = true
	}

	// Validate the enclosing treatment's own parameter defaults (set via
	// Designer.AddParameter), e.g. for a designed model fixing base
	// parameters.
	for name, v := range d.ownParameters {
		pd, ok := paramsByName[name]
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownParameter, Identifier: d.desc.ID, Message: "unknown parameter " + name})
			continue
		}
		errs = append(errs, d.validateParameterValue(*v, pd, constNames, nil)...)
	}

	// Validate model instanciations.
	modelDescs := make(map[string]*descriptor.ModelDescriptor, len(d.models))
	for _, name := range d.modelOrder {
		m := d.models[name]
		entry, ok := d.collection.Get(m.descID)
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: m.descID, Message: "unknown model descriptor"})
			continue
		}
		md, ok := entry.(*descriptor.ModelDescriptor)
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: m.descID, Message: "identifier does not name a model"})
			continue
		}
		modelDescs[name] = md

		mParams := make(map[string]descriptor.ParameterDescriptor, len(md.Parameters))
		for _, p := range md.Parameters {
			mParams[p.Name] = p
		}
		for pname, v := range m.parameters {
			pd, ok := mParams[pname]
			if !ok {
				errs = append(errs, LogicError{Kind: KindUnknownParameter, Identifier: m.descID, Message: "unknown parameter " + pname + " on model " + name})
				continue
			}
			// Model-instanciation parameters are const only and never
			// reference a context (spec.md §3 invariant).
			if v.Kind == design.Context {
				errs = append(errs, LogicError{Kind: KindNoContext, Identifier: m.descID, Message: "model instanciation parameter " + pname + " may not reference a context"})
				continue
			}
			errs = append(errs, d.validateParameterValue(*v, pd, constNames, nil)...)
		}
	}

	// Validate treatment instanciations.
	treatmentDescs := make(map[string]*descriptor.TreatmentDescriptor, len(d.treatments))
	for _, name := range d.treatmentOrder {
		tr := d.treatments[name]
		entry, ok := d.collection.Get(tr.descID)
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: tr.descID, Message: "unknown treatment descriptor"})
			continue
		}
		td, ok := entry.(*descriptor.TreatmentDescriptor)
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: tr.descID, Message: "identifier does not name a treatment"})
			continue
		}
		treatmentDescs[name] = td

		// Every required model role must be bound, and bound to a
		// model instanciation compatible with the declared role.
		for _, role := range td.RequiredModels {
			boundName, ok := tr.modelRoles[role.Name]
			if !ok {
				errs = append(errs, LogicError{Kind: KindMissingModelRole, Identifier: td.ID, Message: "required model role " + role.Name + " not bound on " + name})
				continue
			}
			boundModel, ok := d.models[boundName]
			if !ok {
				errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: td.ID, Message: "model role " + role.Name + " bound to unknown local model " + boundName})
				continue
			}
			if !boundModel.descID.Equal(role.Model) {
				errs = append(errs, LogicError{Kind: KindTypeMismatch, Identifier: td.ID, Message: "model role " + role.Name + " bound to incompatible model " + boundModel.descID.String()})
			}
		}

		// Every required context must be available from the build
		// chain: either inherited from the enclosing scope's own
		// required contexts, or guaranteed by a model source this
		// treatment may be opened from (td.SourceFrom), since a model
		// source is itself a first-class source of contexts for the
		// tracks it opens (World.CreateTrack).
		sourceContexts := d.sourceGuaranteedContexts(td, tr, modelDescs)
		for _, ctx := range td.RequiredContexts {
			if !contextsAvailable[ctx.Key()] && !sourceContexts[ctx.Key()] {
				errs = append(errs, LogicError{Kind: KindNoContext, Identifier: td.ID, Message: "required context " + ctx.String() + " not available for " + name})
			}
		}

		paramDescs := make(map[string]descriptor.ParameterDescriptor, len(td.Parameters))
		for _, p := range td.Parameters {
			paramDescs[p.Name] = p
		}
		for pname, v := range tr.parameters {
			pd, ok := paramDescs[pname]
			if !ok {
				errs = append(errs, LogicError{Kind: KindUnknownParameter, Identifier: td.ID, Message: "unknown parameter " + pname + " on treatment " + name})
				continue
			}
			errs = append(errs, d.validateParameterValue(*v, pd, constNames, tr.generics)...)
		}

		// Every const parameter with no default must be assigned.
		for _, p := range td.Parameters {
			if p.Variability != descriptor.Const || p.Default != nil {
				continue
			}
			if _, assigned := tr.parameters[p.Name]; !assigned {
				errs = append(errs, LogicError{Kind: KindUnsetParameter, Identifier: td.ID, Message: "required const parameter " + p.Name + " not set on " + name})
			}
		}
	}

	// Validate connections: endpoints exist and have compatible
	// described types and flow kinds.
	producedOutputs := map[string]bool{} // "Self"/localName + ":" + port, for Self outputs and child outputs fed by at least one connection
	consumedSelfInputs := map[string]bool{}

	for _, c := range d.connections {
		fromPort, fromOK := d.resolveOutput(c.From, inputsByName, outputsByName, treatmentDescs, &errs)
		toPort, toOK := d.resolveInput(c.To, inputsByName, outputsByName, treatmentDescs, &errs)
		if !fromOK || !toOK {
			continue
		}
		if fromPort.Flow == dtype.Stream && toPort.Flow == dtype.Block {
			errs = append(errs, LogicError{Kind: KindFlowMismatch, Identifier: d.desc.ID, Message: fmt.Sprintf("stream output %v cannot feed block input %v", c.From, c.To)})
			continue
		}
		if !fromPort.Type.IsGeneric() && !toPort.Type.IsGeneric() && !fromPort.Type.Equal(toPort.Type) {
			errs = append(errs, LogicError{Kind: KindTypeMismatch, Identifier: d.desc.ID, Message: fmt.Sprintf("incompatible types on connection %v -> %v", c.From, c.To)})
			continue
		}

		if c.To.Self {
			producedOutputs[selfKey(c.To.Port)] = true
		}
		if c.From.Self {
			consumedSelfInputs[selfKey(c.From.Port)] = true
		}
	}

	// Each Self input must be consumed by at least one child input (or
	// Self output, for a direct passthrough).
	for _, in := range d.desc.Inputs {
		if !consumedSelfInputs[selfKey(in.Name)] {
			errs = append(errs, LogicError{Kind: KindUnconnectedInput, Identifier: d.desc.ID, Message: "input " + in.Name + " is never consumed"})
		}
	}
	// Each declared output must be produced by at least one connection.
	for _, out := range d.desc.Outputs {
		if !producedOutputs[selfKey(out.Name)] {
			errs = append(errs, LogicError{Kind: KindUnproducedOutput, Identifier: d.desc.ID, Message: "output " + out.Name + " is never produced"})
		}
	}

	errs = append(errs, d.validateCycles(treatmentDescs)...)

	return errs
}

func selfKey(port string) string { return "self:" + port }

// sourceGuaranteedContexts unions the contexts guaranteed by every model
// source td.SourceFrom binds tr to, through tr's bound model roles. A
// model source is a first-class guarantor of context availability for any
// track it opens (World.CreateTrack), independent of the enclosing scope's
// own required contexts.
func (d *Designer) sourceGuaranteedContexts(td *descriptor.TreatmentDescriptor, tr *TreatmentInstanciationHandle, modelDescs map[string]*descriptor.ModelDescriptor) map[string]bool {
	if len(td.SourceFrom) == 0 {
		return nil
	}
	available := map[string]bool{}
	for role, sourceNames := range td.SourceFrom {
		boundName, ok := tr.modelRoles[role]
		if !ok {
			continue
		}
		md, ok := modelDescs[boundName]
		if !ok {
			continue
		}
		names := make(map[string]bool, len(sourceNames))
		for _, n := range sourceNames {
			names[n] = true
		}
		for _, src := range md.Sources {
			if !names[src.Name] {
				continue
			}
			for _, ctx := range src.RequiredContexts {
				available[ctx.Key()] = true
			}
		}
	}
	return available
}

func (d *Designer) resolveOutput(ep design.Endpoint, inputs, outputs map[string]descriptor.PortDescriptor, treatmentDescs map[string]*descriptor.TreatmentDescriptor, errs *[]LogicError) (descriptor.PortDescriptor, bool) {
	if ep.Self {
		p, ok := inputs[ep.Port]
		if !ok {
			*errs = append(*errs, LogicError{Kind: KindUnknownEndpoint, Identifier: d.desc.ID, Message: "unknown self input " + ep.Port})
			return descriptor.PortDescriptor{}, false
		}
		return p, true
	}
	td, ok := treatmentDescs[ep.Treatment]
	if !ok {
		*errs = append(*errs, LogicError{Kind: KindUnknownEndpoint, Identifier: d.desc.ID, Message: "unknown child treatment " + ep.Treatment})
		return descriptor.PortDescriptor{}, false
	}
	for _, o := range td.Outputs {
		if o.Name == ep.Port {
			return o, true
		}
	}
	*errs = append(*errs, LogicError{Kind: KindUnknownEndpoint, Identifier: td.ID, Message: "unknown output " + ep.Port + " on " + ep.Treatment})
	return descriptor.PortDescriptor{}, false
}

func (d *Designer) resolveInput(ep design.Endpoint, inputs, outputs map[string]descriptor.PortDescriptor, treatmentDescs map[string]*descriptor.TreatmentDescriptor, errs *[]LogicError) (descriptor.PortDescriptor, bool) {
	if ep.Self {
		p, ok := outputs[ep.Port]
		if !ok {
			*errs = append(*errs, LogicError{Kind: KindUnknownEndpoint, Identifier: d.desc.ID, Message: "unknown self output " + ep.Port})
			return descriptor.PortDescriptor{}, false
		}
		return p, true
	}
	td, ok := treatmentDescs[ep.Treatment]
	if !ok {
		*errs = append(*errs, LogicError{Kind: KindUnknownEndpoint, Identifier: d.desc.ID, Message: "unknown child treatment " + ep.Treatment})
		return descriptor.PortDescriptor{}, false
	}
	for _, in := range td.Inputs {
		if in.Name == ep.Port {
			return in, true
		}
	}
	*errs = append(*errs, LogicError{Kind: KindUnknownEndpoint, Identifier: td.ID, Message: "unknown input " + ep.Port + " on " + ep.Treatment})
	return descriptor.PortDescriptor{}, false
}

// validateParameterValue type-checks a single parameter assignment
// against its declared type, after substituting any generic bindings in
// scope.
func (d *Designer) validateParameterValue(v ParameterValue, pd descriptor.ParameterDescriptor, constNames map[string]bool, generics map[string]identifier.Identifier) []LogicError {
	var errs []LogicError

	declared := pd.Type
	if declared.IsGeneric() && generics != nil {
		bindings := make(map[string]dtype.DescribedType, len(generics))
		for name, id := range generics {
			bindings[name] = dtype.DataOf(id)
		}
		if sub, err := declared.Substitute(bindings); err == nil {
			declared = sub
		}
	}

	switch v.Kind {
	case design.Raw:
		if !valueMatchesType(v.RawValue, declared) {
			errs = append(errs, LogicError{Kind: KindTypeMismatch, Identifier: d.desc.ID, Message: "parameter " + pd.Name + " raw value does not match declared type " + declared.String()})
		}
	case design.Variable:
		// Const parameters may only reference the enclosing scope's own
		// const parameters (spec.md §3 invariant).
		if pd.Variability == descriptor.Const && !constNames[v.VariableName] {
			errs = append(errs, LogicError{Kind: KindConstViolation, Identifier: d.desc.ID, Message: "const parameter " + pd.Name + " references non-const variable " + v.VariableName})
		}
	case design.Context:
		if pd.Variability == descriptor.Const {
			errs = append(errs, LogicError{Kind: KindNoContext, Identifier: d.desc.ID, Message: "const parameter " + pd.Name + " may not reference a context"})
		}
	case design.Array:
		for _, item := range v.ArrayItems {
			errs = append(errs, d.validateParameterValue(item, pd, constNames, generics)...)
		}
	case design.Function:
		entry, ok := d.collection.Get(v.FunctionID)
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: v.FunctionID, Message: "unknown function"})
			break
		}
		fd, ok := entry.(descriptor.FunctionDescriptor)
		if !ok {
			errs = append(errs, LogicError{Kind: KindUnknownIdentifier, Identifier: v.FunctionID, Message: "identifier does not name a function"})
			break
		}
		if pd.Variability == descriptor.Const {
			for _, arg := range v.FunctionArgs {
				if arg.Kind == design.Context {
					errs = append(errs, LogicError{Kind: KindConstViolation, Identifier: d.desc.ID, Message: "const parameter " + pd.Name + " function argument references a context"})
				}
			}
		}
		for i, arg := range v.FunctionArgs {
			if i >= len(fd.Parameters) {
				break
			}
			errs = append(errs, d.validateParameterValue(arg, fd.Parameters[i], constNames, generics)...)
		}
	}

	return errs
}

func valueMatchesType(v value.Value, t dtype.DescribedType) bool {
	if t.IsGeneric() {
		return true
	}
	switch t.Kind {
	case dtype.Vec:
		elems, ok := v.AsVec()
		if !ok {
			return false
		}
		if len(elems) == 0 {
			return true // Undetermined matches everything
		}
		for _, e := range elems {
			if !valueMatchesType(e, *t.Elem) {
				return false
			}
		}
		return true
	case dtype.Option:
		inner, has := v.AsOption()
		if !has {
			return v.Kind() == dtype.Option
		}
		return valueMatchesType(inner, *t.Elem)
	case dtype.Data:
		return v.Kind() == dtype.Data
	default:
		return v.Kind() == t.Kind
	}
}

// validateCycles rejects pure combinational cycles: a cycle in the
// treatment-instanciation connection graph where every edge in the cycle
// carries a Block-flow port pair. A cycle that crosses at least one
// Stream edge is allowed (the transmission layer's channel buffer
// guarantees progress), per spec.md §3's last invariant.
func (d *Designer) validateCycles(treatmentDescs map[string]*descriptor.TreatmentDescriptor) []LogicError {
	type edge struct {
		to     string
		stream bool
	}
	adj := map[string][]edge{}
	for _, c := range d.connections {
		if c.From.Self || c.To.Self {
			continue
		}
		td, ok := treatmentDescs[c.From.Treatment]
		stream := false
		if ok {
			for _, o := range td.Outputs {
				if o.Name == c.From.Port && o.Flow == dtype.Stream {
					stream = true
				}
			}
		}
		adj[c.From.Treatment] = append(adj[c.From.Treatment], edge{to: c.To.Treatment, stream: stream})
	}

	var errs []LogicError
	visited := map[string]int{} // 0 unvisited, 1 in-stack, 2 done
	var names []string
	for name := range treatmentDescs {
		names = append(names, name)
	}
	sort.Strings(names)

	var stack []string
	var stackStream []bool
	var dfs func(n string) bool
	dfs = func(n string) bool {
		visited[n] = 1
		stack = append(stack, n)
		for _, e := range adj[n] {
			stackStream = append(stackStream, e.stream)
			switch visited[e.to] {
			case 1:
				// Found a cycle; check whether any edge in the cycle
				// (from the first occurrence of e.to in stack onward)
				// is a stream edge.
				start := indexOf(stack, e.to)
				anyStream := e.stream
				if start >= 0 {
					for i := start; i < len(stackStream); i++ {
						if stackStream[i] {
							anyStream = true
						}
					}
				}
				if !anyStream {
					errs = append(errs, LogicError{Kind: KindIllegalCycle, Identifier: d.desc.ID, Message: "pure combinational cycle involving " + n + " -> " + e.to})
				}
			case 0:
				if dfs(e.to) {
					return true
				}
			}
			stackStream = stackStream[:len(stackStream)-1]
		}
		stack = stack[:len(stack)-1]
		visited[n] = 2
		return false
	}
	for _, n := range names {
		if visited[n] == 0 {
			dfs(n)
		}
	}
	return errs
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
