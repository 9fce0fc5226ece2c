// Package crud defines the request vocabulary shared by the planner and the
// resolvers: write directives, filters, read specs, result records, and the
// error taxonomy. Everything here is request-scoped and immutable once
// submitted.
package crud

import (
	"fmt"
	"strings"
)

// Path locates a directive inside the original write-directive tree, as a
// chain of relation field names. List positions are rendered in brackets,
// e.g. `user.posts[1].connect`. Every propagated error carries the path that
// produced it.
type Path []string

// Child returns a new path extended by the given segment. The receiver is
// never mutated; paths are shared across plan operations.
func (p Path) Child(segment string) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)
	return append(child, segment)
}

// ChildIndexed returns a new path extended by a list-positioned segment.
func (p Path) ChildIndexed(segment string, index int) Path {
	return p.Child(fmt.Sprintf("%s[%d]", segment, index))
}

func (p Path) String() string {
	if len(p) == 0 {
		return "."
	}
	return strings.Join(p, ".")
}
