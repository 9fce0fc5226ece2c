// Package storage defines the transaction executor contract consumed by the
// planner and resolvers. The core owns no storage state: it begins a
// transaction, submits primitive mutations and queries, and commits or rolls
// back. Enforcing statement and transaction timeouts is the executor's
// responsibility.
package storage

import (
	"context"

	"github.com/relquery/relquery/pkg/crud"
)

// Row is one stored row, keyed by field name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	clone := make(Row, len(r))
	for k, v := range r {
		clone[k] = v
	}
	return clone
}

// MutationKind enumerates the mutations an executor must support.
type MutationKind uint8

const (
	MutationInsert MutationKind = iota
	MutationUpdate
	MutationDelete
)

// Mutation is one fully resolved primitive write: all symbolic references
// have been materialized by the execution loop before it reaches the
// executor.
type Mutation struct {
	Kind  MutationKind
	Table string

	// Values carries the column assignments for inserts and updates.
	Values Row

	// Key addresses the affected row(s) by field equality for updates and
	// deletes. Inserts leave it nil.
	Key Row
}

// Result reports the outcome of a mutation. Inserted is the stored row
// including generated identity fields; Affected is the matched row count for
// updates and deletes.
type Result struct {
	Inserted Row
	Affected int64
}

// Query is one read against a single table. Where must contain no
// RelatedVia nodes; the relation filter translator lowers them to
// SubqueryIn before any storage call.
type Query struct {
	Table   string
	Where   crud.Filter
	OrderBy []crud.Order
	Limit   *int
}

// Executor opens transactions against a concrete storage engine.
type Executor interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one storage transaction. All mutations submitted between Begin and
// Commit apply atomically; Rollback discards them. Uniqueness violations
// must surface as a ConflictError, distinguishable from other failures.
type Tx interface {
	Execute(ctx context.Context, m Mutation) (Result, error)
	Query(ctx context.Context, q Query) ([]Row, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ConcurrentQuerier is implemented by transactions whose Query method is
// safe for concurrent use. The nested read resolver fetches independent
// same-level relations concurrently only when the transaction opts in.
type ConcurrentQuerier interface {
	ConcurrentReads() bool
}
