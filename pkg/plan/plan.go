// Package plan defines the ordered primitive operations emitted by the
// nested write planner. A Plan is produced once per write request, handed to
// the transaction executor for the duration of one transaction, and never
// reused. Row identities are carried symbolically until execution resolves
// them.
package plan

import (
	"fmt"
	"strings"

	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
)

// RowRef is a symbolic handle for a logical row's identity within one plan.
// Operations producing a row (inserts and lookups) bind their RowRef;
// later operations reference it through ValueRef.
type RowRef int

// NoRef marks operations that bind no row.
const NoRef RowRef = -1

// ValueRef is a placeholder for "field F of logical row R", resolved by the
// execution loop once R has materialized.
type ValueRef struct {
	Row   RowRef
	Field string
}

// Coalesce resolves to the first of its references bound to a row at
// execution time. It carries the two possible sources of a
// connectOrCreate target's identity: the lookup and the guarded insert.
type Coalesce struct {
	Refs []ValueRef
}

// Guard makes an operation conditional on the outcome of an earlier lookup:
// the operation runs only if the lookup bound to Ref found a row (Exists
// true) or found none (Exists false). Guards nest when guarded payloads
// contain further conditional directives; all guards of an operation must
// pass.
type Guard struct {
	Ref    RowRef
	Exists bool
}

// JoinCleanup instructs the execution loop to delete, for every row removed
// by the operation, the join rows of one join table whose Column equals the
// removed row's primary key. Join rows are never retained as orphans.
type JoinCleanup struct {
	Table  string
	Column string
}

// OpKind enumerates the primitive operations.
type OpKind uint8

const (
	// OpLookup resolves a unique selector to a row inside the transaction.
	OpLookup OpKind = iota

	// OpInsert inserts one row and binds its generated identity.
	OpInsert

	// OpUpdate updates the row addressed by the operation's selector.
	OpUpdate

	// OpDelete deletes the row addressed by the operation's selector.
	OpDelete

	// OpLinkFK sets a foreign key column on the addressed row. It is the
	// second half of the two-phase split used to break optional-FK cycles,
	// and the linking primitive for target-owned relations.
	OpLinkFK

	// OpUnlinkFK nulls a foreign key column on the row(s) matching Where.
	OpUnlinkFK

	// OpJoinInsert inserts a many-to-many join row.
	OpJoinInsert

	// OpJoinDelete deletes the many-to-many join rows matching Where.
	OpJoinDelete

	// OpUpdateWhere updates every row matching Where, one primitive row
	// update per matched row at execution time.
	OpUpdateWhere

	// OpDeleteWhere deletes every row matching Where, one primitive row
	// deletion per matched row at execution time.
	OpDeleteWhere
)

func (k OpKind) String() string {
	switch k {
	case OpLookup:
		return "lookup"
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpLinkFK:
		return "link-fk"
	case OpUnlinkFK:
		return "unlink-fk"
	case OpJoinInsert:
		return "join-insert"
	case OpJoinDelete:
		return "join-delete"
	case OpUpdateWhere:
		return "update-where"
	case OpDeleteWhere:
		return "delete-where"
	default:
		return fmt.Sprintf("op(%d)", k)
	}
}

// Operation is one primitive storage operation. Values and Selector entries
// may hold ValueRef or Coalesce placeholders.
type Operation struct {
	Kind OpKind

	// Table is the target model name, or the join table name for
	// OpJoinInsert and OpJoinDelete.
	Table string

	// Values carries insert/update column assignments.
	Values map[string]any

	// Selector addresses a single row for OpLookup, OpUpdate, OpDelete and
	// OpLinkFK.
	Selector schema.UniqueSelector

	// Where addresses row sets for OpUnlinkFK, OpJoinDelete, OpUpdateWhere
	// and OpDeleteWhere. Value placeholders are resolved before evaluation.
	Where crud.Filter

	// Ref is the row binding produced by OpLookup and OpInsert.
	Ref RowRef

	// Guards, when non-empty, make the operation conditional; every guard
	// must pass.
	Guards []Guard

	// Optional marks lookups that may legitimately find no row
	// (connectOrCreate and upsert branches). A required lookup finding no
	// row aborts the plan with UniqueTargetNotFoundError.
	Optional bool

	// RetryAsConnect marks the guarded insert of a connectOrCreate: a
	// uniqueness conflict is retried exactly once as a connect via the
	// operation's Selector.
	RetryAsConnect bool

	// LinkFields names the foreign key columns inside Values. When a
	// RetryAsConnect insert falls back to connecting an existing row, only
	// these columns are applied to it.
	LinkFields []string

	// IgnoreConflict treats a uniqueness conflict as success; used for
	// join-row inserts, which makes repeated many-to-many connects
	// idempotent.
	IgnoreConflict bool

	// Join triggers join-row cleanup for rows removed by OpDelete and
	// OpDeleteWhere, one entry per join table the removed rows appear in.
	Join []JoinCleanup

	// Path is the position in the original directive tree, for error
	// annotation.
	Path crud.Path
}

// Plan is the complete ordered primitive operation list for one write
// request. Operations execute strictly in order, never reordered or
// parallelized, since later operations may reference identities produced by
// earlier ones.
type Plan struct {
	// Root is the row reference holding the root row after execution.
	Root RowRef

	Ops []*Operation
}

// Kinds returns the ordered operation kinds, for plan-shape assertions.
func (p *Plan) Kinds() []OpKind {
	kinds := make([]OpKind, len(p.Ops))
	for i, op := range p.Ops {
		kinds[i] = op.Kind
	}
	return kinds
}

func (p *Plan) String() string {
	var sb strings.Builder
	for i, op := range p.Ops {
		fmt.Fprintf(&sb, "%02d %s %s", i, op.Kind, op.Table)
		for _, g := range op.Guards {
			fmt.Fprintf(&sb, " [if r%d exists=%t]", g.Ref, g.Exists)
		}
		if op.Ref != NoRef {
			fmt.Fprintf(&sb, " -> r%d", op.Ref)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
