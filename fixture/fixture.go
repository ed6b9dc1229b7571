// Package fixture loads a trivial YAML description of one composite
// treatment into a Designer, without defining any textual grammar: every
// field maps directly onto an existing designer/design/descriptor type.
// A fixture only wires together treatments the collection already knows
// about (typically registered compiled treatments from package builtin);
// it cannot declare new compiled bodies.
package fixture

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/design"
	"github.com/melodium-lang/melodium/designer"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/value"
)

// IdentifierSpec is the YAML form of identifier.Identifier.
type IdentifierSpec struct {
	Version string   `yaml:"version,omitempty"`
	Path    []string `yaml:"path"`
	Name    string   `yaml:"name"`
}

// Identifier converts the spec to a real identifier.Identifier.
func (s IdentifierSpec) Identifier() (identifier.Identifier, error) {
	return identifier.New(s.Version, s.Path, s.Name)
}

// PortSpec is the YAML form of descriptor.PortDescriptor.
type PortSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	Flow string `yaml:"flow"`
}

func (p PortSpec) descriptor() descriptor.PortDescriptor {
	return descriptor.PortDescriptor{
		Name: p.Name,
		Type: dtype.Scalar(dtype.Kind(p.Kind)),
		Flow: dtype.Flow(p.Flow),
	}
}

// EndpointSpec is the YAML form of design.Endpoint.
type EndpointSpec struct {
	Self      bool   `yaml:"self,omitempty"`
	Treatment string `yaml:"treatment,omitempty"`
	Port      string `yaml:"port"`
}

func (e EndpointSpec) endpoint() (design.Endpoint, error) {
	if e.Self {
		return designer.SelfInput(e.Port), nil
	}
	if e.Treatment == "" {
		return design.Endpoint{}, fmt.Errorf("fixture: connection endpoint missing both self and treatment")
	}
	return designer.ChildPort(e.Treatment, e.Port), nil
}

// ConnectionSpec is the YAML form of a single wire between two endpoints.
type ConnectionSpec struct {
	From EndpointSpec `yaml:"from"`
	To   EndpointSpec `yaml:"to"`
}

// TreatmentSpec declares one child treatment instanciation by the
// identifier of an already-registered descriptor.
type TreatmentSpec struct {
	Local      string         `yaml:"local"`
	Identifier IdentifierSpec `yaml:"identifier"`
}

// Fixture is the root YAML document: one composite entry treatment, its
// public ports, its children, and how they connect.
type Fixture struct {
	Identifier  IdentifierSpec         `yaml:"identifier"`
	Inputs      []PortSpec             `yaml:"inputs"`
	Outputs     []PortSpec             `yaml:"outputs"`
	Treatments  []TreatmentSpec        `yaml:"treatments"`
	Connections []ConnectionSpec       `yaml:"connections"`
	Genesis     map[string]interface{} `yaml:"genesis"`
}

// Parse decodes a Fixture from YAML bytes.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("fixture: parsing yaml: %w", err)
	}
	return &f, nil
}

// Descriptor builds the (not-yet-designed) treatment descriptor for this
// fixture's entry, from its declared public ports.
func (f *Fixture) Descriptor() (*descriptor.TreatmentDescriptor, error) {
	id, err := f.Identifier.Identifier()
	if err != nil {
		return nil, fmt.Errorf("fixture: entry identifier: %w", err)
	}
	td := &descriptor.TreatmentDescriptor{
		ID:    id,
		Build: descriptor.Designed,
	}
	for _, p := range f.Inputs {
		td.Inputs = append(td.Inputs, p.descriptor())
	}
	for _, p := range f.Outputs {
		td.Outputs = append(td.Outputs, p.descriptor())
	}
	return td, nil
}

// Designer builds a designer.Designer for this fixture's entry against
// view, replaying every declared child treatment and connection. view
// must already contain every identifier named by f.Treatments.
func (f *Fixture) Designer(view *descriptor.View) (*designer.Designer, error) {
	td, err := f.Descriptor()
	if err != nil {
		return nil, err
	}

	d := designer.New(td, view)

	for _, ts := range f.Treatments {
		childID, err := ts.Identifier.Identifier()
		if err != nil {
			return nil, fmt.Errorf("fixture: treatment %q identifier: %w", ts.Local, err)
		}
		if _, err := d.AddTreatment(ts.Local, childID); err != nil {
			return nil, fmt.Errorf("fixture: adding treatment %q: %w", ts.Local, err)
		}
	}

	for _, cs := range f.Connections {
		from, err := cs.From.endpoint()
		if err != nil {
			return nil, err
		}
		to, err := cs.To.endpoint()
		if err != nil {
			return nil, err
		}
		d.AddConnection(from, to)
	}

	return d, nil
}

// Genesis converts the fixture's raw YAML-decoded genesis map into the
// value.Value form StaticBuild's Environment expects, handling the
// scalar kinds YAML itself produces (strings, bools, and int64/float64
// numbers).
func (f *Fixture) Genesis() (map[string]value.Value, error) {
	out := make(map[string]value.Value, len(f.Genesis))
	for k, raw := range f.Genesis {
		v, err := scalarValue(raw)
		if err != nil {
			return nil, fmt.Errorf("fixture: genesis variable %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func scalarValue(raw interface{}) (value.Value, error) {
	switch n := raw.(type) {
	case string:
		return value.Str(n), nil
	case bool:
		return value.Bool(n), nil
	case int:
		return value.I64(int64(n)), nil
	case int64:
		return value.I64(n), nil
	case float64:
		return value.F64(n), nil
	default:
		return value.Value{}, fmt.Errorf("unsupported genesis value type %T", raw)
	}
}
