package cli

import (
	"github.com/melodium-lang/melodium/builtin"
	"github.com/melodium-lang/melodium/descriptor"
	"github.com/melodium-lang/melodium/dtype"
	"github.com/melodium-lang/melodium/identifier"
	"github.com/melodium-lang/melodium/world"
)

// builtinKinds are the numeric kinds the CLI pre-registers an arithmetic
// family for; a fixture names one by identifier, e.g.
// melodium/builtin::AddI32.
var builtinKinds = []dtype.Kind{dtype.I32, dtype.I64, dtype.F32, dtype.F64}

var builtinOps = map[builtin.Op]string{
	builtin.OpAdd:      "Add",
	builtin.OpSubtract: "Subtract",
	builtin.OpMultiply: "Multiply",
	builtin.OpDivide:   "Divide",
	builtin.OpCompare:  "Compare",
}

// registerBuiltins inserts every builtin arithmetic treatment the CLI
// ships with into collection and b, under identifiers of the form
// melodium/builtin::<Op><Kind>, e.g. melodium/builtin::AddI32.
func registerBuiltins(collection *descriptor.Collection, b *world.Builder) error {
	for op, label := range builtinOps {
		for _, kind := range builtinKinds {
			id := identifier.MustNew("1.0.0", []string{"melodium", "builtin"}, label+kindSuffix(kind))
			if err := builtin.Register(collection, b, id, op, kind); err != nil {
				return err
			}
		}
	}
	return nil
}

func kindSuffix(kind dtype.Kind) string {
	switch kind {
	case dtype.I32:
		return "I32"
	case dtype.I64:
		return "I64"
	case dtype.F32:
		return "F32"
	case dtype.F64:
		return "F64"
	default:
		return string(kind)
	}
}
