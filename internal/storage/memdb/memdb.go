// Package memdb implements the transaction executor over hashicorp/go-memdb.
// It is the reference executor: fully in-memory, single writer, with
// uniqueness constraints checked by the executor itself so conflicts surface
// the same way they do on a relational engine.
package memdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

const (
	errUnableToInstantiate = "unable to instantiate memdb executor: %w"
	errUnableToMutate      = "unable to apply mutation: %w"
	errUnableToQuery       = "unable to query rows: %w"

	indexID = "id"
)

// record is the stored unit: an opaque identity for go-memdb's primary index
// plus the row itself. The identity is unrelated to the row's primary key so
// that executor-level uniqueness checks stay in one place.
type record struct {
	ID  string
	Row storage.Row
}

// Executor is an in-memory storage executor. The zero value is not usable;
// construct it with NewExecutor.
type Executor struct {
	db *memdb.MemDB

	// uniques maps each table to the field sets the executor must keep
	// unique, including join-table link pairs.
	uniques map[string][][]string

	// generated maps tables with a single-field primary key to that field,
	// for identity generation on insert.
	generated map[string]string
}

// NewExecutor builds an executor whose tables mirror the given schema: one
// table per model plus one per join table.
func NewExecutor(s *schema.Schema) (*Executor, error) {
	tables := make(map[string]*memdb.TableSchema)
	uniques := make(map[string][][]string)
	generated := make(map[string]string)

	for _, name := range s.Models() {
		m, err := s.Model(name)
		if err != nil {
			return nil, fmt.Errorf(errUnableToInstantiate, err)
		}
		tables[name] = tableSchema(name)
		uniques[name] = m.UniqueConstraints()
		if len(m.PrimaryKey) == 1 {
			generated[name] = m.PrimaryKey[0]
		}
	}
	for _, jt := range s.JoinTables() {
		tables[jt.Table] = tableSchema(jt.Table)
		uniques[jt.Table] = [][]string{{jt.SourceColumn, jt.TargetColumn}}
	}

	db, err := memdb.NewMemDB(&memdb.DBSchema{Tables: tables})
	if err != nil {
		return nil, fmt.Errorf(errUnableToInstantiate, err)
	}
	return &Executor{db: db, uniques: uniques, generated: generated}, nil
}

func tableSchema(name string) *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: name,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:    indexID,
				Unique:  true,
				Indexer: &memdb.StringFieldIndex{Field: "ID"},
			},
		},
	}
}

// Begin opens a write transaction. go-memdb serializes writers, so plans
// running concurrently against the same executor queue up here.
func (e *Executor) Begin(_ context.Context) (storage.Tx, error) {
	return &transaction{exec: e, txn: e.db.Txn(true)}, nil
}

type transaction struct {
	exec *Executor
	txn  *memdb.Txn

	// mu serializes reads; the nested read resolver may issue them from
	// multiple goroutines.
	mu sync.Mutex
}

var _ storage.ConcurrentQuerier = (*transaction)(nil)

// ConcurrentReads reports that Query is safe for concurrent use.
func (t *transaction) ConcurrentReads() bool { return true }

func (t *transaction) Commit(_ context.Context) error {
	t.txn.Commit()
	return nil
}

func (t *transaction) Rollback(_ context.Context) error {
	t.txn.Abort()
	return nil
}

func (t *transaction) Query(ctx context.Context, q storage.Query) ([]storage.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rows, err := t.queryLocked(ctx, q)
	if err != nil {
		return nil, fmt.Errorf(errUnableToQuery, err)
	}
	return rows, nil
}

func (t *transaction) queryLocked(ctx context.Context, q storage.Query) ([]storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := t.tableRecords(q.Table)
	if err != nil {
		return nil, err
	}

	var rows []storage.Row
	for _, rec := range records {
		match, err := t.matches(q.Where, rec.Row)
		if err != nil {
			return nil, err
		}
		if match {
			rows = append(rows, rec.Row.Clone())
		}
	}

	sortRows(rows, q.OrderBy)
	if q.Limit != nil && len(rows) > *q.Limit {
		rows = rows[:*q.Limit]
	}
	return rows, nil
}

func (t *transaction) Execute(ctx context.Context, m storage.Mutation) (storage.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}

	switch m.Kind {
	case storage.MutationInsert:
		return t.insert(m)
	case storage.MutationUpdate:
		return t.update(m)
	case storage.MutationDelete:
		return t.delete(m)
	default:
		return storage.Result{}, fmt.Errorf(errUnableToMutate, fmt.Errorf("unknown mutation kind %d", m.Kind))
	}
}

func (t *transaction) insert(m storage.Mutation) (storage.Result, error) {
	row := m.Values.Clone()
	if pk, ok := t.exec.generated[m.Table]; ok && row[pk] == nil {
		row[pk] = uuid.NewString()
	}

	if err := t.checkUnique(m.Table, row, ""); err != nil {
		return storage.Result{}, err
	}
	rec := &record{ID: uuid.NewString(), Row: row}
	if err := t.txn.Insert(m.Table, rec); err != nil {
		return storage.Result{}, fmt.Errorf(errUnableToMutate, err)
	}
	return storage.Result{Inserted: row.Clone(), Affected: 1}, nil
}

func (t *transaction) update(m storage.Mutation) (storage.Result, error) {
	matched, err := t.matchKey(m.Table, m.Key)
	if err != nil {
		return storage.Result{}, err
	}
	for _, rec := range matched {
		updated := rec.Row.Clone()
		for f, v := range m.Values {
			updated[f] = v
		}
		if err := t.checkUnique(m.Table, updated, rec.ID); err != nil {
			return storage.Result{}, err
		}
		if err := t.txn.Insert(m.Table, &record{ID: rec.ID, Row: updated}); err != nil {
			return storage.Result{}, fmt.Errorf(errUnableToMutate, err)
		}
	}
	return storage.Result{Affected: int64(len(matched))}, nil
}

func (t *transaction) delete(m storage.Mutation) (storage.Result, error) {
	matched, err := t.matchKey(m.Table, m.Key)
	if err != nil {
		return storage.Result{}, err
	}
	for _, rec := range matched {
		if err := t.txn.Delete(m.Table, rec); err != nil {
			return storage.Result{}, fmt.Errorf(errUnableToMutate, err)
		}
	}
	return storage.Result{Affected: int64(len(matched))}, nil
}

// checkUnique enforces the table's unique constraints against every other
// stored row. A constraint with a nil field value never conflicts, matching
// SQL null semantics.
func (t *transaction) checkUnique(table string, row storage.Row, selfID string) error {
	constraints := t.exec.uniques[table]
	if len(constraints) == 0 {
		return nil
	}
	records, err := t.tableRecords(table)
	if err != nil {
		return err
	}

	for _, constraint := range constraints {
		if anyNil(row, constraint) {
			continue
		}
		for _, rec := range records {
			if rec.ID == selfID || anyNil(rec.Row, constraint) {
				continue
			}
			same := true
			for _, f := range constraint {
				if !valuesEqual(row[f], rec.Row[f]) {
					same = false
					break
				}
			}
			if same {
				return storage.NewConflictError(table, fmt.Errorf("duplicate value for (%v)", constraint))
			}
		}
	}
	return nil
}

func (t *transaction) matchKey(table string, key storage.Row) ([]*record, error) {
	records, err := t.tableRecords(table)
	if err != nil {
		return nil, err
	}
	var matched []*record
	for _, rec := range records {
		same := true
		for f, v := range key {
			if !valuesEqual(rec.Row[f], v) {
				same = false
				break
			}
		}
		if same {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

func (t *transaction) tableRecords(table string) ([]*record, error) {
	it, err := t.txn.Get(table, indexID)
	if err != nil {
		return nil, fmt.Errorf("unknown table %q: %w", table, err)
	}
	var records []*record
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*record))
	}
	return records, nil
}

// subqueryValues collects the distinct SelectField values of the rows of a
// SubqueryIn node, for membership evaluation.
func (t *transaction) subqueryValues(node crud.SubqueryIn) ([]any, error) {
	records, err := t.tableRecords(node.Table)
	if err != nil {
		return nil, err
	}
	var values []any
	for _, rec := range records {
		match, err := t.matches(node.Where, rec.Row)
		if err != nil {
			return nil, err
		}
		if match {
			values = append(values, rec.Row[node.SelectField])
		}
	}
	return values, nil
}
