// Package chain validates and compiles fluent relation-traversal chains. A
// chain starts from a single-row locator and narrows through relation steps;
// it compiles into at most two sequential queries: one resolving the root
// row's identity, one fetching the final relation. The two-query form is
// deliberately non-atomic; callers needing atomicity use a relation filter
// instead.
package chain

import (
	"context"

	"github.com/relquery/relquery/internal/filter"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

// Step is one relation traversal. A filter is accepted only on the final
// step, and only when that step's relation is a list.
type Step struct {
	Relation string
	Where    crud.Filter
}

// Chain is an unresolved traversal. Building it performs no validation;
// Resolve validates the whole chain at plan time, before any query is
// issued.
type Chain struct {
	schema    *schema.Schema
	rootModel string
	locator   schema.UniqueSelector
	steps     []Step
}

// New starts a chain from a single-row locator on the root model.
func New(s *schema.Schema, rootModel string, locator schema.UniqueSelector) *Chain {
	return &Chain{schema: s, rootModel: rootModel, locator: locator}
}

// Traverse appends a relation step and returns a new chain; the receiver is
// unchanged.
func (c *Chain) Traverse(relation string, where crud.Filter) *Chain {
	steps := make([]Step, len(c.steps), len(c.steps)+1)
	copy(steps, c.steps)
	return &Chain{
		schema:    c.schema,
		rootModel: c.rootModel,
		locator:   c.locator,
		steps:     append(steps, Step{Relation: relation, Where: where}),
	}
}

// Resolved is a validated, compiled chain.
type Resolved struct {
	// RootQuery resolves the root locator to the addressed row.
	RootQuery storage.Query

	// FinalModel is the model of the returned rows.
	FinalModel string

	// List reports whether the result is a row list rather than at most one
	// row.
	List bool

	// finalWhere builds the second query's predicate from the resolved root
	// row; nil for an empty chain.
	finalWhere func(root storage.Row) (crud.Filter, error)
}

// Resolve validates the chain against the schema and compiles it. The
// anchor cardinality starts at "single" (the locator addresses at most one
// row); each step narrows it to the step relation's cardinality. A step
// following a list step fails with ChainCardinalityError before any query
// runs.
func (c *Chain) Resolve() (*Resolved, error) {
	if err := c.schema.CheckUniqueSelector(c.rootModel, c.locator); err != nil {
		return nil, err
	}

	root, err := c.schema.Model(c.rootModel)
	if err != nil {
		return nil, err
	}

	anchorMany := false
	finalModel := c.rootModel
	relations := make([]*schema.Relation, 0, len(c.steps))
	sourceModels := make([]string, 0, len(c.steps))

	for i, step := range c.steps {
		if anchorMany {
			return nil, crud.NewChainCardinalityError(step.Relation, "cannot traverse a relation of a row list")
		}
		rel, err := c.schema.Relation(finalModel, step.Relation)
		if err != nil {
			return nil, err
		}
		if step.Where != nil {
			if i != len(c.steps)-1 {
				return nil, crud.NewChainCardinalityError(step.Relation, "a relation filter is accepted only on the final step")
			}
			if !rel.List {
				return nil, crud.NewChainCardinalityError(step.Relation, "a relation filter is accepted only on a list relation")
			}
		}
		relations = append(relations, rel)
		sourceModels = append(sourceModels, finalModel)
		finalModel = rel.Target
		anchorMany = rel.List
	}

	resolved := &Resolved{
		RootQuery: storage.Query{
			Table: c.rootModel,
			Where: selectorFilter(c.locator),
			Limit: limitOne(),
		},
		FinalModel: finalModel,
		List:       anchorMany,
	}

	if len(c.steps) == 0 {
		return resolved, nil
	}

	// Lower the final step's relation filter now so unknown relation names
	// surface at plan time.
	var finalFilter crud.Filter
	if last := c.steps[len(c.steps)-1]; last.Where != nil {
		finalFilter, err = filter.Lower(c.schema, finalModel, last.Where)
		if err != nil {
			return nil, err
		}
	}

	rootPK := root.PrimaryKey
	steps := relations
	models := sourceModels
	resolved.finalWhere = func(rootRow storage.Row) (crud.Filter, error) {
		pred := make(crud.And, 0, len(rootPK))
		for _, f := range rootPK {
			pred = append(pred, crud.Eq(f, rootRow[f]))
		}

		var hop crud.Filter = pred
		for i, rel := range steps {
			var err error
			hop, err = filter.RelatedSetPredicate(c.schema, models[i], rel, hop)
			if err != nil {
				return nil, err
			}
		}

		if finalFilter != nil {
			return crud.And{hop, finalFilter}, nil
		}
		return hop, nil
	}
	return resolved, nil
}

// Run executes the resolved chain: one query for an empty chain, two
// sequential queries otherwise. A root locator matching no row yields an
// empty result.
func (r *Resolved) Run(ctx context.Context, tx storage.Tx) ([]storage.Row, error) {
	roots, err := tx.Query(ctx, r.RootQuery)
	if err != nil {
		return nil, err
	}
	if r.finalWhere == nil || len(roots) == 0 {
		return roots, nil
	}

	where, err := r.finalWhere(roots[0])
	if err != nil {
		return nil, err
	}
	final := storage.Query{Table: r.FinalModel, Where: where}
	if !r.List {
		final.Limit = limitOne()
	}
	return tx.Query(ctx, final)
}

func selectorFilter(sel schema.UniqueSelector) crud.Filter {
	conds := make(crud.And, 0, len(sel))
	for _, f := range sel.Fields() {
		conds = append(conds, crud.Eq(f, sel[f]))
	}
	return conds
}

func limitOne() *int {
	one := 1
	return &one
}
