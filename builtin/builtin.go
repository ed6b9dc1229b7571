// Package builtin provides a handful of generic compiled treatments
// usable directly from YAML fixtures. spec.md's arithmetic/comparison
// templates were historically duplicated per numeric kind; here every op
// shares one compiled body parameterised by value.Value's own generic
// arithmetic, so a new numeric kind needs no new treatment.
package builtin

import (
	"context"
	"fmt"

	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/transmission"
	"github.com/melodium-lang/melodium/value"
	"github.com/melodium-lang/melodium/world"
)

// Op names one binary value.Value operation a Body implements.
type Op string

const (
	OpAdd      Op = "add"
	OpSubtract Op = "subtract"
	OpMultiply Op = "multiply"
	OpDivide   Op = "divide"
	OpCompare  Op = "compare"
)

// ErrUnknownOp is returned for an Op no Body recognizes.
var ErrUnknownOp = fmt.Errorf("builtin: unknown op")

func apply(op Op, a, b value.Value) (value.Value, error) {
	switch op {
	case OpAdd:
		return a.Add(b)
	case OpSubtract:
		return a.Sub(b)
	case OpMultiply:
		return a.Mul(b)
	case OpDivide:
		return a.Div(b)
	case OpCompare:
		c, err := a.Cmp(b)
		if err != nil {
			return value.Value{}, err
		}
		return value.I32(int32(c)), nil
	default:
		return value.Value{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
}

// Descriptor builds the treatment descriptor for a binary op over kind:
// stream inputs "a"/"b", stream output "result". Compare's result is
// always i32 regardless of kind.
func Descriptor(id identifier.Identifier, op Op, kind dtype.Kind) *descriptor.TreatmentDescriptor {
	resultKind := kind
	if op == OpCompare {
		resultKind = dtype.I32
	}
	return &descriptor.TreatmentDescriptor{
		ID:    id,
		Build: descriptor.Compiled,
		Inputs: []descriptor.PortDescriptor{
			{Name: "a", Type: dtype.Scalar(kind), Flow: dtype.Stream},
			{Name: "b", Type: dtype.Scalar(kind), Flow: dtype.Stream},
		},
		Outputs: []descriptor.PortDescriptor{
			{Name: "result", Type: dtype.Scalar(resultKind), Flow: dtype.Stream},
		},
	}
}

// Body is the single compiled implementation shared by every op/kind
// pairing. It zips "a" and "b" batches pairwise, applying op to each pair;
// either input reaching end-of-stream ends the treatment.
func Body(op Op) world.CompiledTreatment {
	return func(ctx context.Context, env world.Environment, inputs map[string]*transmission.ReceiveTransmitter, outputs map[string]*transmission.SendTransmitter) error {
		a := inputs["a"]
		b := inputs["b"]
		out := outputs["result"]
		defer out.Close()

		for {
			ab, aerr := a.RecvMany(ctx)
			bb, berr := b.RecvMany(ctx)
			if aerr != nil || berr != nil {
				return nil
			}

			n := len(ab)
			if len(bb) < n {
				n = len(bb)
			}
			batch := make(transmission.Batch, n)
			for i := 0; i < n; i++ {
				r, err := apply(op, ab[i], bb[i])
				if err != nil {
					return fmt.Errorf("builtin: %s: %w", op, err)
				}
				batch[i] = r
			}
			if err := out.SendMultiple(batch); err != nil {
				return nil
			}
		}
	}
}

// Register inserts id's descriptor into collection and its compiled body
// into b, for op over kind.
func Register(collection *descriptor.Collection, b *world.Builder, id identifier.Identifier, op Op, kind dtype.Kind) error {
	td := Descriptor(id, op, kind)
	if err := collection.Insert(td); err != nil {
		return err
	}
	b.RegisterTreatment(id, Body(op))
	return nil
}
