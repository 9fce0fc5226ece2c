// Package client is the front door of the relation-query engine: typed
// entrypoints for nested writes, filtered reads with relation inclusion, and
// fluent relation traversal, all compiled against a schema and executed
// through a pluggable transaction executor.
package client

import (
	"context"
	"fmt"

	"github.com/relquery/relquery/internal/chain"
	"github.com/relquery/relquery/internal/filter"
	"github.com/relquery/relquery/internal/logging"
	"github.com/relquery/relquery/internal/planner"
	"github.com/relquery/relquery/internal/reader"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/plan"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

// Client executes relation queries against one schema and one storage
// executor. It is stateless and safe for concurrent use.
type Client struct {
	schema   *schema.Schema
	executor storage.Executor

	queryTimeout timeout
}

// New constructs a client over a validated schema and an executor.
func New(s *schema.Schema, executor storage.Executor, opts ...Option) *Client {
	c := &Client{schema: s, executor: executor}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create inserts a row together with its nested relation directives in one
// transaction and returns the stored root row with the read spec resolved.
func (c *Client) Create(ctx context.Context, model string, data *crud.Data, spec crud.ReadSpec) (*crud.Record, error) {
	p, err := planner.PlanCreate(c.schema, model, data)
	if err != nil {
		return nil, err
	}
	return c.runWrite(ctx, model, p, spec)
}

// Update applies a nested update payload to the row addressed by the unique
// selector and returns the updated root row with the read spec resolved.
func (c *Client) Update(ctx context.Context, model string, where schema.UniqueSelector, data *crud.Data, spec crud.ReadSpec) (*crud.Record, error) {
	p, err := planner.PlanUpdate(c.schema, model, where, data)
	if err != nil {
		return nil, err
	}
	return c.runWrite(ctx, model, p, spec)
}

// Delete removes the row addressed by the unique selector, along with its
// join rows, and returns the row as it was before deletion.
func (c *Client) Delete(ctx context.Context, model string, where schema.UniqueSelector) (storage.Row, error) {
	p, err := planner.PlanDelete(c.schema, model, where)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.queryTimeout.apply(ctx)
	defer cancel()

	tx, err := c.executor.Begin(ctx)
	if err != nil {
		return nil, err
	}
	root, err := planner.Run(ctx, tx, c.schema, p)
	if err != nil {
		rollback(ctx, tx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		rollback(ctx, tx)
		return nil, crud.NewTransactionAbortedError(crud.Path{model}, err)
	}
	return root, nil
}

func (c *Client) runWrite(ctx context.Context, model string, p *plan.Plan, spec crud.ReadSpec) (*crud.Record, error) {
	ctx, cancel := c.queryTimeout.apply(ctx)
	defer cancel()

	tx, err := c.executor.Begin(ctx)
	if err != nil {
		return nil, err
	}
	root, err := planner.Run(ctx, tx, c.schema, p)
	if err != nil {
		rollback(ctx, tx)
		return nil, err
	}

	record, err := c.reloadRoot(ctx, tx, model, root, spec)
	if err != nil {
		rollback(ctx, tx)
		return nil, crud.NewTransactionAbortedError(crud.Path{model}, err)
	}
	if err := tx.Commit(ctx); err != nil {
		rollback(ctx, tx)
		return nil, crud.NewTransactionAbortedError(crud.Path{model}, err)
	}
	return record, nil
}

// reloadRoot resolves the read spec against the written root row inside the
// write transaction, so the returned record reflects the transaction's own
// effects and nothing later.
func (c *Client) reloadRoot(ctx context.Context, tx storage.Tx, model string, root storage.Row, spec crud.ReadSpec) (*crud.Record, error) {
	if len(spec) == 0 {
		return &crud.Record{Values: root}, nil
	}
	m, err := c.schema.Model(model)
	if err != nil {
		return nil, err
	}
	key := make(crud.And, 0, len(m.PrimaryKey))
	for _, f := range m.PrimaryKey {
		key = append(key, crud.Eq(f, root[f]))
	}
	records, err := reader.Fetch(ctx, tx, c.schema, storage.Query{Table: model, Where: key}, spec)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("written row of model %q vanished before reload", model)
	}
	return records[0], nil
}

// FindUnique fetches at most one row by unique selector, resolving the read
// spec. It returns nil without error when no row matches.
func (c *Client) FindUnique(ctx context.Context, model string, where schema.UniqueSelector, spec crud.ReadSpec) (*crud.Record, error) {
	if err := c.schema.CheckUniqueSelector(model, where); err != nil {
		return nil, err
	}
	one := 1
	records, err := c.findRecords(ctx, storage.Query{
		Table: model,
		Where: selectorFilter(where),
		Limit: &one,
	}, spec)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// FindMany fetches the rows matching the filter, resolving the read spec.
// Relation-scoped filter nodes are lowered to semi-join predicates before
// any storage call.
func (c *Client) FindMany(ctx context.Context, model string, where crud.Filter, orderBy []crud.Order, limit *int, spec crud.ReadSpec) ([]*crud.Record, error) {
	lowered, err := c.lower(model, where)
	if err != nil {
		return nil, err
	}
	return c.findRecords(ctx, storage.Query{
		Table:   model,
		Where:   lowered,
		OrderBy: orderBy,
		Limit:   limit,
	}, spec)
}

func (c *Client) findRecords(ctx context.Context, base storage.Query, spec crud.ReadSpec) ([]*crud.Record, error) {
	ctx, cancel := c.queryTimeout.apply(ctx)
	defer cancel()

	tx, err := c.executor.Begin(ctx)
	if err != nil {
		return nil, err
	}
	records, err := reader.Fetch(ctx, tx, c.schema, base, spec)
	if err != nil {
		rollback(ctx, tx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		rollback(ctx, tx)
		return nil, err
	}
	return records, nil
}

func (c *Client) lower(model string, where crud.Filter) (crud.Filter, error) {
	if where == nil {
		return nil, nil
	}
	return filter.Lower(c.schema, model, where)
}

// Traverse starts a fluent relation traversal from the row addressed by the
// locator. Steps accumulate without touching storage; validation and
// execution happen when the traversal runs.
func (c *Client) Traverse(model string, locator schema.UniqueSelector) *Traversal {
	return &Traversal{client: c, chain: chain.New(c.schema, model, locator)}
}

// Traversal is an immutable fluent chain; each step returns a new value.
type Traversal struct {
	client *Client
	chain  *chain.Chain
}

// Relation appends an unfiltered relation step.
func (t *Traversal) Relation(name string) *Traversal {
	return &Traversal{client: t.client, chain: t.chain.Traverse(name, nil)}
}

// RelationWhere appends a filtered relation step. A filter is accepted only
// on the final step, and only on a list relation; violations surface when
// the traversal runs, before any query.
func (t *Traversal) RelationWhere(name string, where crud.Filter) *Traversal {
	return &Traversal{client: t.client, chain: t.chain.Traverse(name, where)}
}

// All validates and runs the traversal, returning every row of the final
// step. A root locator matching no row yields an empty slice.
func (t *Traversal) All(ctx context.Context) ([]storage.Row, error) {
	rows, _, err := t.run(ctx)
	return rows, err
}

// One validates and runs the traversal, returning the final step's single
// row or nil when the path breaks along the way. It fails when the chain
// ends on a list relation.
func (t *Traversal) One(ctx context.Context) (storage.Row, error) {
	rows, list, err := t.run(ctx)
	if err != nil {
		return nil, err
	}
	if list {
		return nil, crud.NewChainCardinalityError("", "chain ends on a list relation; use All")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (t *Traversal) run(ctx context.Context) ([]storage.Row, bool, error) {
	resolved, err := t.chain.Resolve()
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := t.client.queryTimeout.apply(ctx)
	defer cancel()

	tx, err := t.client.executor.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	rows, err := resolved.Run(ctx, tx)
	if err != nil {
		rollback(ctx, tx)
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		rollback(ctx, tx)
		return nil, false, err
	}
	return rows, resolved.List, nil
}

func selectorFilter(sel schema.UniqueSelector) crud.Filter {
	conds := make(crud.And, 0, len(sel))
	for _, f := range sel.Fields() {
		conds = append(conds, crud.Eq(f, sel[f]))
	}
	return conds
}

func rollback(ctx context.Context, tx storage.Tx) {
	if err := tx.Rollback(ctx); err != nil {
		logging.Warn().Err(err).Msg("transaction rollback failed")
	}
}
