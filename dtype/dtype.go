// Package dtype implements the closed algebraic data type used to describe
// the shape of every value flowing through a Mélodium program: scalar
// kinds, Vec<T>, Option<T>, user Data<identifier>, and unbound Generic(name)
// type parameters used while a treatment is still being designed.
package dtype

import (
	"fmt"

	"github.com/melodium-lang/melodium/identifier"
)

// Kind enumerates the scalar and compound type kinds of the described-type
// algebra.
type Kind string

const (
	Void    Kind = "void"
	I8      Kind = "i8"
	I16     Kind = "i16"
	I32     Kind = "i32"
	I64     Kind = "i64"
	I128    Kind = "i128"
	U8      Kind = "u8"
	U16     Kind = "u16"
	U32     Kind = "u32"
	U64     Kind = "u64"
	U128    Kind = "u128"
	F32     Kind = "f32"
	F64     Kind = "f64"
	Bool    Kind = "bool"
	Byte    Kind = "byte"
	Char    Kind = "char"
	String  Kind = "string"
	Vec     Kind = "vec"
	Option  Kind = "option"
	Data    Kind = "data"
	Generic Kind = "generic"
)

// scalarKinds is the set of leaf kinds that carry no sub-structure.
var scalarKinds = map[Kind]bool{
	Void: true, I8: true, I16: true, I32: true, I64: true, I128: true,
	U8: true, U16: true, U32: true, U64: true, U128: true,
	F32: true, F64: true, Bool: true, Byte: true, Char: true, String: true,
}

// DescribedType is a recursive sum type: a scalar kind, Vec<Elem>,
// Option<Elem>, Data<DataIdentifier>, or Generic(Name). Only one of Elem,
// DataIdentifier, or Name is meaningful, chosen by Kind.
type DescribedType struct {
	Kind           Kind
	Elem           *DescribedType        // set when Kind is Vec or Option
	DataIdentifier *identifier.Identifier // set when Kind is Data
	Name           string                 // set when Kind is Generic
}

// Scalar returns the described type for a scalar kind. Panics if kind is
// not a scalar kind (use VecOf/OptionOf/DataOf/GenericOf for compound kinds).
func Scalar(kind Kind) DescribedType {
	if !scalarKinds[kind] {
		panic(fmt.Sprintf("dtype: %q is not a scalar kind", kind))
	}
	return DescribedType{Kind: kind}
}

// VecOf builds Vec<elem>.
func VecOf(elem DescribedType) DescribedType {
	e := elem
	return DescribedType{Kind: Vec, Elem: &e}
}

// OptionOf builds Option<elem>.
func OptionOf(elem DescribedType) DescribedType {
	e := elem
	return DescribedType{Kind: Option, Elem: &e}
}

// DataOf builds Data<id>, referencing a user-defined data descriptor.
func DataOf(id identifier.Identifier) DescribedType {
	return DescribedType{Kind: Data, DataIdentifier: &id}
}

// GenericOf builds an unbound generic type parameter, valid only inside a
// descriptor or a designer before static build substitutes it.
func GenericOf(name string) DescribedType {
	return DescribedType{Kind: Generic, Name: name}
}

// IsGeneric reports whether this type, or any type nested within it,
// still carries an unbound generic parameter.
func (t DescribedType) IsGeneric() bool {
	switch t.Kind {
	case Generic:
		return true
	case Vec, Option:
		return t.Elem != nil && t.Elem.IsGeneric()
	default:
		return false
	}
}

// Substitute replaces every Generic(name) occurrence with its binding from
// bindings, recursively. Returns an error if a generic has no binding.
func (t DescribedType) Substitute(bindings map[string]DescribedType) (DescribedType, error) {
	switch t.Kind {
	case Generic:
		bound, ok := bindings[t.Name]
		if !ok {
			return DescribedType{}, fmt.Errorf("dtype: unbound generic %q", t.Name)
		}
		return bound, nil
	case Vec:
		sub, err := t.Elem.Substitute(bindings)
		if err != nil {
			return DescribedType{}, err
		}
		return VecOf(sub), nil
	case Option:
		sub, err := t.Elem.Substitute(bindings)
		if err != nil {
			return DescribedType{}, err
		}
		return OptionOf(sub), nil
	default:
		return t, nil
	}
}

// Equal reports structural equality between two described types.
func (t DescribedType) Equal(other DescribedType) bool {
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case Vec, Option:
		if t.Elem == nil || other.Elem == nil {
			return t.Elem == other.Elem
		}
		return t.Elem.Equal(*other.Elem)
	case Data:
		if t.DataIdentifier == nil || other.DataIdentifier == nil {
			return t.DataIdentifier == other.DataIdentifier
		}
		return t.DataIdentifier.Equal(*other.DataIdentifier)
	case Generic:
		return t.Name == other.Name
	default:
		return true
	}
}

// String renders the described type for diagnostics, e.g. "Vec<Option<i32>>".
func (t DescribedType) String() string {
	switch t.Kind {
	case Vec:
		return "Vec<" + t.Elem.String() + ">"
	case Option:
		return "Option<" + t.Elem.String() + ">"
	case Data:
		if t.DataIdentifier != nil {
			return "Data<" + t.DataIdentifier.String() + ">"
		}
		return "Data<?>"
	case Generic:
		return "Generic(" + t.Name + ")"
	default:
		return string(t.Kind)
	}
}

// DataType is a DescribedType known to carry no generics: a concrete type
// ready for runtime value handling. Callers obtain one via Concrete, which
// checks IsGeneric.
type DataType struct {
	inner DescribedType
}

// ErrStillGeneric is returned by Concrete when the described type still
// carries unbound generics.
var ErrStillGeneric = fmt.Errorf("dtype: described type still contains unbound generics")

// Concrete wraps a DescribedType as a DataType, failing if any generic
// remains unsubstituted. Static build is required to call this only after
// generic substitution (see §9 "Generic type erasure").
func Concrete(t DescribedType) (DataType, error) {
	if t.IsGeneric() {
		return DataType{}, ErrStillGeneric
	}
	return DataType{inner: t}, nil
}

// Described returns the underlying DescribedType view.
func (d DataType) Described() DescribedType { return d.inner }

// Kind returns the concrete type's kind.
func (d DataType) Kind() Kind { return d.inner.Kind }

func (d DataType) String() string { return d.inner.String() }

// Equal reports equality between two concrete data types.
func (d DataType) Equal(other DataType) bool { return d.inner.Equal(other.inner) }

// Flow identifies whether an input/output endpoint carries at most one
// value (Block) or a finite/infinite ordered sequence (Stream).
type Flow string

const (
	Block  Flow = "block"
	Stream Flow = "stream"
)
