// Package path implements the immutable hierarchical path name used
// throughout the naming server and storage servers. A Path is a
// sequence of non-empty components with a canonical string form
// "/a/b/c" (the root is "/") and a total, lexicographic order used
// by the naming server's path-locking protocol to avoid deadlocks.
package path

import (
	"strings"

	"github.com/branchfs/branchfs/errors"
)

// Path is a parsed, validated hierarchical name. The zero value is
// the root.
type Path struct {
	// elems holds the path's components in order. The root path has
	// a nil/empty slice.
	elems []string
}

// Root is the distinguished root path.
var Root = Path{}

// Parse validates and parses a canonical path string such as "/a/b/c"
// or "/". It rejects empty components and components containing '/'
// or ':'.
func Parse(s string) (Path, error) {
	const op = "path.Parse"
	if s == "" || s[0] != '/' {
		return Path{}, errors.E(op, errors.ArgumentInvalid, errors.Errorf("path %q must be absolute", s))
	}
	if s == "/" {
		return Root, nil
	}
	parts := strings.Split(s[1:], "/")
	elems := make([]string, 0, len(parts))
	for _, p := range parts {
		if err := validateComponent(p); err != nil {
			return Path{}, errors.E(op, errors.ArgumentInvalid, errors.Errorf("path %q: %v", s, err))
		}
		elems = append(elems, p)
	}
	return Path{elems: elems}, nil
}

func validateComponent(c string) error {
	if c == "" {
		return errors.Str("empty path component")
	}
	if strings.ContainsAny(c, "/:") {
		return errors.Str("path component contains '/' or ':'")
	}
	return nil
}

// New builds a Path directly from its components, validating each.
// It is used by callers (such as the RPC substrate) that already
// hold a decomposed path and want to skip re-parsing a string.
func New(elems ...string) (Path, error) {
	for _, e := range elems {
		if err := validateComponent(e); err != nil {
			return Path{}, errors.E("path.New", errors.ArgumentInvalid, err)
		}
	}
	cp := make([]string, len(elems))
	copy(cp, elems)
	return Path{elems: cp}, nil
}

// String returns the canonical string form of p.
func (p Path) String() string {
	if p.IsRoot() {
		return "/"
	}
	return "/" + strings.Join(p.elems, "/")
}

// MarshalText implements encoding.TextMarshaler so a Path can be used
// directly as a map key or in text-based configuration.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool {
	return len(p.elems) == 0
}

// NElem returns the number of components in p.
func (p Path) NElem() int {
	return len(p.elems)
}

// Elem returns the nth component of p. It panics if n is out of range.
func (p Path) Elem(n int) string {
	return p.elems[n]
}

// Elems returns a copy of p's components, in order.
func (p Path) Elems() []string {
	cp := make([]string, len(p.elems))
	copy(cp, p.elems)
	return cp
}

// Last returns the final component of p. It panics if p is the root.
func (p Path) Last() string {
	if p.IsRoot() {
		panic("path: Last called on root")
	}
	return p.elems[len(p.elems)-1]
}

// Parent returns the path to p's parent. It panics if p is the root.
func (p Path) Parent() Path {
	if p.IsRoot() {
		panic("path: Parent called on root")
	}
	return Path{elems: p.elems[:len(p.elems)-1]}
}

// Child returns the path formed by appending elem to p.
func (p Path) Child(elem string) (Path, error) {
	if err := validateComponent(elem); err != nil {
		return Path{}, errors.E("path.Child", errors.ArgumentInvalid, err)
	}
	elems := make([]string, len(p.elems)+1)
	copy(elems, p.elems)
	elems[len(p.elems)] = elem
	return Path{elems: elems}, nil
}

// Equal reports whether p and q name the same path.
func (p Path) Equal(q Path) bool {
	return p.Compare(q) == 0
}

// IsSubpath reports whether other is a prefix of p, including the
// case other equals p. Every path is its own subpath.
func (p Path) IsSubpath(other Path) bool {
	if other.NElem() > p.NElem() {
		return false
	}
	for i := 0; i < other.NElem(); i++ {
		if p.elems[i] != other.elems[i] {
			return false
		}
	}
	return true
}

// Compare returns -1, 0, or 1 according to whether p sorts before,
// equal to, or after q under the canonical component-wise
// lexicographic order. This is the order the naming server's
// path-locking protocol requires callers to respect when holding
// more than one path lock at a time (see naming.Tree's lock docs).
func (p Path) Compare(q Path) int {
	n := p.NElem()
	if q.NElem() < n {
		n = q.NElem()
	}
	for i := 0; i < n; i++ {
		switch {
		case p.elems[i] < q.elems[i]:
			return -1
		case p.elems[i] > q.elems[i]:
			return 1
		}
	}
	switch {
	case p.NElem() < q.NElem():
		return -1
	case p.NElem() > q.NElem():
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before q. It is provided so a slice of
// Paths can be handed directly to sort.Slice.
func (p Path) Less(q Path) bool {
	return p.Compare(q) < 0
}
