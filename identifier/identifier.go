// Package identifier provides globally unique, version-aware names for
// every entity known to a Mélodium program: contexts, data types,
// functions, models, and treatments.
package identifier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrEmptyPath is returned when an Identifier is constructed with no path
// segments. Every identifier must have at least one path component (the
// root, conventionally the package name).
var ErrEmptyPath = errors.New("identifier: path must have at least one segment")

// ErrEmptyName is returned when an Identifier is constructed with an empty
// name or an empty path segment.
var ErrEmptyName = errors.New("identifier: name and path segments must be non-empty")

// Identifier names an entity within the descriptor collection.
//
// Equality and hashing are exact on (Version, Path, Name). Ordering is
// lexicographic on the rendered form "a/b/c::name (version)".
type Identifier struct {
	Version string   // optional; empty means "unversioned"
	Path    []string // non-empty ordered sequence of non-empty names
	Name    string
}

// New builds an Identifier, validating that path and name are non-empty.
func New(version string, path []string, name string) (Identifier, error) {
	if len(path) == 0 {
		return Identifier{}, ErrEmptyPath
	}
	if name == "" {
		return Identifier{}, ErrEmptyName
	}
	for _, p := range path {
		if p == "" {
			return Identifier{}, ErrEmptyName
		}
	}
	clone := make([]string, len(path))
	copy(clone, path)
	return Identifier{Version: version, Path: clone, Name: name}, nil
}

// MustNew is like New but panics on error. Intended for static descriptor
// tables built at init time.
func MustNew(version string, path []string, name string) Identifier {
	id, err := New(version, path, name)
	if err != nil {
		panic(err)
	}
	return id
}

// Root returns the first path component, conventionally the package name.
func (id Identifier) Root() string {
	if len(id.Path) == 0 {
		return ""
	}
	return id.Path[0]
}

// String renders the identifier as "a/b/c::name (version)". The version
// suffix is omitted when empty.
func (id Identifier) String() string {
	var sb strings.Builder
	sb.WriteString(strings.Join(id.Path, "/"))
	sb.WriteString("::")
	sb.WriteString(id.Name)
	if id.Version != "" {
		sb.WriteString(" (")
		sb.WriteString(id.Version)
		sb.WriteString(")")
	}
	return sb.String()
}

// Equal reports whether two identifiers are exactly the same, including
// version.
func (id Identifier) Equal(other Identifier) bool {
	if id.Version != other.Version || id.Name != other.Name {
		return false
	}
	if len(id.Path) != len(other.Path) {
		return false
	}
	for i := range id.Path {
		if id.Path[i] != other.Path[i] {
			return false
		}
	}
	return true
}

// Less implements the lexicographic order on the rendered form, used to
// keep descriptor collections and documentation trees deterministically
// sorted.
func (id Identifier) Less(other Identifier) bool {
	return id.String() < other.String()
}

// Key returns a value suitable for use as a map key; Identifier itself is
// not comparable (its Path is a slice), so Key joins the path into a
// single string.
func (id Identifier) Key() string {
	return strings.Join(id.Path, "/") + "::" + id.Name + "@" + id.Version
}

// IdentifierRequirement pairs a path+name with a version requirement
// (a semver range) that a candidate Identifier must satisfy.
type IdentifierRequirement struct {
	Path       []string
	Name       string
	VersionReq string // semver constraint, e.g. ">=1.2.0, <2.0.0"
}

// NewRequirement builds an IdentifierRequirement, validating the version
// constraint syntax eagerly so load-time errors surface before any build
// begins.
func NewRequirement(path []string, name, versionReq string) (IdentifierRequirement, error) {
	if len(path) == 0 {
		return IdentifierRequirement{}, ErrEmptyPath
	}
	if name == "" {
		return IdentifierRequirement{}, ErrEmptyName
	}
	if versionReq != "" {
		if _, err := semver.NewConstraint(versionReq); err != nil {
			return IdentifierRequirement{}, fmt.Errorf("identifier: invalid version requirement %q: %w", versionReq, err)
		}
	}
	clone := make([]string, len(path))
	copy(clone, path)
	return IdentifierRequirement{Path: clone, Name: name, VersionReq: versionReq}, nil
}

// Matches reports whether the candidate identifier satisfies this
// requirement: path and name must be equal, and the candidate's version
// (if the requirement has a constraint) must satisfy it.
func (r IdentifierRequirement) Matches(candidate Identifier) bool {
	if r.Name != candidate.Name {
		return false
	}
	if len(r.Path) != len(candidate.Path) {
		return false
	}
	for i := range r.Path {
		if r.Path[i] != candidate.Path[i] {
			return false
		}
	}
	if r.VersionReq == "" {
		return true
	}
	constraint, err := semver.NewConstraint(r.VersionReq)
	if err != nil {
		return false
	}
	// An unversioned candidate can never satisfy a constrained requirement.
	if candidate.Version == "" {
		return false
	}
	v, err := semver.NewVersion(candidate.Version)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

// String renders the requirement for diagnostics.
func (r IdentifierRequirement) String() string {
	s := strings.Join(r.Path, "/") + "::" + r.Name
	if r.VersionReq != "" {
		s += " (" + r.VersionReq + ")"
	}
	return s
}
