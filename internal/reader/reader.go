// Package reader compiles an inclusion tree into a batched, level-by-level
// fetch plan. Each included relation issues exactly one batched fetch for
// all parents at the current level, keyed by the parents' identities, and
// children are reattached to their exact parent by foreign key equality.
// Relations at the same level are independent and may fetch concurrently
// when the transaction supports it; levels are strictly sequential.
package reader

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/relquery/relquery/internal/filter"
	"github.com/relquery/relquery/internal/logging"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

// Fetch runs the base query and resolves the read spec against its result.
// The spec is validated against the schema before any storage call; depth is
// bounded exactly by the spec's own nesting.
func Fetch(ctx context.Context, tx storage.Tx, s *schema.Schema, base storage.Query, spec crud.ReadSpec) ([]*crud.Record, error) {
	if err := crud.ValidateReadSpec(s, base.Table, spec); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, base)
	if err != nil {
		return nil, err
	}
	records := make([]*crud.Record, len(rows))
	for i, row := range rows {
		records[i] = &crud.Record{Values: row}
	}

	if err := attachLevel(ctx, tx, s, base.Table, records, spec); err != nil {
		return nil, err
	}
	return records, nil
}

// fetched is the outcome of one relation's batched fetch, produced possibly
// concurrently and applied to parents sequentially.
type fetched struct {
	relation string
	children []*crud.Record
	attach   func(parents []*crud.Record)
}

func attachLevel(ctx context.Context, tx storage.Tx, s *schema.Schema, model string, parents []*crud.Record, spec crud.ReadSpec) error {
	if len(spec) == 0 || len(parents) == 0 {
		return nil
	}

	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]*fetched, len(names))
	if concurrent(tx) && len(names) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, name := range names {
			i, name := i, name
			g.Go(func() error {
				f, err := fetchRelation(gctx, tx, s, model, parents, name, spec[name])
				if err != nil {
					return err
				}
				results[i] = f
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	} else {
		for i, name := range names {
			f, err := fetchRelation(ctx, tx, s, model, parents, name, spec[name])
			if err != nil {
				return err
			}
			results[i] = f
		}
	}

	// Attach, then recurse one relation at a time: the next level's parent
	// identity set is only known once this level is fully assembled.
	for i, name := range names {
		results[i].attach(parents)

		inc := spec[name]
		if inc == nil || inc.Nested == nil || len(results[i].children) == 0 {
			continue
		}
		rel, err := s.Relation(model, name)
		if err != nil {
			return err
		}
		if err := attachLevel(ctx, tx, s, rel.Target, results[i].children, inc.Nested); err != nil {
			return err
		}
	}
	return nil
}

func fetchRelation(ctx context.Context, tx storage.Tx, s *schema.Schema, model string, parents []*crud.Record, name string, inc *crud.Include) (*fetched, error) {
	rel, err := s.Relation(model, name)
	if err != nil {
		return nil, err
	}

	logging.Ctx(ctx).Trace().
		Str("model", model).
		Str("relation", name).
		Int("parents", len(parents)).
		Msg("batched relation fetch")

	if rel.Join != nil {
		return fetchManyToMany(ctx, tx, s, model, parents, rel, inc)
	}
	if rel.Owning {
		return fetchOwned(ctx, tx, parents, rel)
	}
	if rel.List {
		return fetchList(ctx, tx, s, parents, rel, inc)
	}
	return fetchInverseOne(ctx, tx, parents, rel)
}

// fetchOwned loads the to-one targets of a relation whose foreign key lives
// on the parent.
func fetchOwned(ctx context.Context, tx storage.Tx, parents []*crud.Record, rel *schema.Relation) (*fetched, error) {
	keys := distinctKeys(parents, rel.FKField)
	byRef := make(map[any]*crud.Record, len(keys))
	var children []*crud.Record

	if len(keys) > 0 {
		rows, err := tx.Query(ctx, storage.Query{
			Table: rel.Target,
			Where: crud.In(rel.RefField, keys),
		})
		if err != nil {
			return nil, err
		}
		children = makeRecords(rows)
		for _, child := range children {
			byRef[child.Values[rel.RefField]] = child
		}
	}

	return &fetched{
		relation: rel.Name,
		children: children,
		attach: func(parents []*crud.Record) {
			for _, p := range parents {
				key := p.Values[rel.FKField]
				if key == nil {
					p.AttachOne(rel.Name, nil)
					continue
				}
				p.AttachOne(rel.Name, byRef[key])
			}
		},
	}, nil
}

// fetchInverseOne loads the to-one targets of a relation whose foreign key
// lives on the target.
func fetchInverseOne(ctx context.Context, tx storage.Tx, parents []*crud.Record, rel *schema.Relation) (*fetched, error) {
	keys := distinctKeys(parents, rel.RefField)
	byFK := make(map[any]*crud.Record, len(keys))
	var children []*crud.Record

	if len(keys) > 0 {
		rows, err := tx.Query(ctx, storage.Query{
			Table: rel.Target,
			Where: crud.In(rel.FKField, keys),
		})
		if err != nil {
			return nil, err
		}
		children = makeRecords(rows)
		for _, child := range children {
			key := child.Values[rel.FKField]
			if _, ok := byFK[key]; !ok {
				byFK[key] = child
			}
		}
	}

	return &fetched{
		relation: rel.Name,
		children: children,
		attach: func(parents []*crud.Record) {
			for _, p := range parents {
				p.AttachOne(rel.Name, byFK[p.Values[rel.RefField]])
			}
		},
	}, nil
}

// fetchList loads the one-to-many children of all parents with a single
// IN-set fetch and groups them back per parent in storage return order.
func fetchList(ctx context.Context, tx storage.Tx, s *schema.Schema, parents []*crud.Record, rel *schema.Relation, inc *crud.Include) (*fetched, error) {
	keys := distinctKeys(parents, rel.RefField)
	byFK := make(map[any][]*crud.Record, len(keys))
	var children []*crud.Record

	if len(keys) > 0 {
		where, orderBy, err := includeQueryParts(s, rel.Target, inc, crud.In(rel.FKField, keys))
		if err != nil {
			return nil, err
		}
		rows, err := tx.Query(ctx, storage.Query{
			Table:   rel.Target,
			Where:   where,
			OrderBy: orderBy,
		})
		if err != nil {
			return nil, err
		}
		children = makeRecords(rows)
		for _, child := range children {
			key := child.Values[rel.FKField]
			byFK[key] = append(byFK[key], child)
		}
		if inc != nil {
			children = limitGroups(byFK, children, inc.Limit)
		}
	}

	return &fetched{
		relation: rel.Name,
		children: children,
		attach: func(parents []*crud.Record) {
			for _, p := range parents {
				group := byFK[p.Values[rel.RefField]]
				if group == nil {
					group = []*crud.Record{}
				}
				p.AttachMany(rel.Name, group)
			}
		},
	}, nil
}

// fetchManyToMany loads join rows for all parents, then the distinct target
// rows, and reattaches each child through its join rows.
func fetchManyToMany(ctx context.Context, tx storage.Tx, s *schema.Schema, model string, parents []*crud.Record, rel *schema.Relation, inc *crud.Include) (*fetched, error) {
	source, err := s.Model(model)
	if err != nil {
		return nil, err
	}
	target, err := s.Model(rel.Target)
	if err != nil {
		return nil, err
	}
	sourcePK, targetPK := source.PrimaryKey[0], target.PrimaryKey[0]

	keys := distinctKeys(parents, sourcePK)
	byParent := make(map[any][]*crud.Record, len(keys))
	var children []*crud.Record

	if len(keys) > 0 {
		joinRows, err := tx.Query(ctx, storage.Query{
			Table: rel.Join.Table,
			Where: crud.In(rel.Join.SourceColumn, keys),
		})
		if err != nil {
			return nil, err
		}

		targetKeys := make([]any, 0, len(joinRows))
		seen := make(map[any]struct{}, len(joinRows))
		for _, jr := range joinRows {
			tk := jr[rel.Join.TargetColumn]
			if _, ok := seen[tk]; !ok {
				seen[tk] = struct{}{}
				targetKeys = append(targetKeys, tk)
			}
		}

		if len(targetKeys) > 0 {
			where, orderBy, err := includeQueryParts(s, rel.Target, inc, crud.In(targetPK, targetKeys))
			if err != nil {
				return nil, err
			}
			rows, err := tx.Query(ctx, storage.Query{
				Table:   rel.Target,
				Where:   where,
				OrderBy: orderBy,
			})
			if err != nil {
				return nil, err
			}
			children = makeRecords(rows)
			byPK := make(map[any]*crud.Record, len(children))
			for _, child := range children {
				byPK[child.Values[targetPK]] = child
			}

			if inc != nil && len(inc.OrderBy) > 0 {
				// An explicit order wins over join-row order: walk the
				// children in storage return order and keep membership from
				// the join rows.
				members := make(map[any]map[any]struct{}, len(keys))
				for _, jr := range joinRows {
					pk := jr[rel.Join.SourceColumn]
					if members[pk] == nil {
						members[pk] = make(map[any]struct{})
					}
					members[pk][jr[rel.Join.TargetColumn]] = struct{}{}
				}
				for pk, set := range members {
					for _, child := range children {
						if _, ok := set[child.Values[targetPK]]; ok {
							byParent[pk] = append(byParent[pk], child)
						}
					}
				}
			} else {
				for _, jr := range joinRows {
					if child, ok := byPK[jr[rel.Join.TargetColumn]]; ok {
						pk := jr[rel.Join.SourceColumn]
						byParent[pk] = append(byParent[pk], child)
					}
				}
			}
			if inc != nil {
				children = limitGroups(byParent, children, inc.Limit)
			}
		}
	}

	return &fetched{
		relation: rel.Name,
		children: children,
		attach: func(parents []*crud.Record) {
			for _, p := range parents {
				group := byParent[p.Values[sourcePK]]
				if group == nil {
					group = []*crud.Record{}
				}
				p.AttachMany(rel.Name, group)
			}
		},
	}, nil
}

func includeQueryParts(s *schema.Schema, targetModel string, inc *crud.Include, link crud.Filter) (crud.Filter, []crud.Order, error) {
	if inc == nil {
		return link, nil, nil
	}
	where := link
	if inc.Where != nil {
		lowered, err := filter.Lower(s, targetModel, inc.Where)
		if err != nil {
			return nil, nil, err
		}
		where = crud.And{link, lowered}
	}
	return where, inc.OrderBy, nil
}

// limitGroups truncates each parent's group to the inclusion limit. The
// batched fetch spans every parent, so the bound applies here rather than on
// the storage query; dropped children are removed from the level's child set
// so deeper inclusions never resolve them.
func limitGroups(groups map[any][]*crud.Record, children []*crud.Record, limit *int) []*crud.Record {
	if limit == nil {
		return children
	}
	kept := make(map[*crud.Record]bool, len(children))
	for key, group := range groups {
		if len(group) > *limit {
			group = group[:*limit]
			groups[key] = group
		}
		for _, child := range group {
			kept[child] = true
		}
	}
	trimmed := children[:0]
	for _, child := range children {
		if kept[child] {
			trimmed = append(trimmed, child)
		}
	}
	return trimmed
}

func distinctKeys(parents []*crud.Record, field string) []any {
	keys := make([]any, 0, len(parents))
	seen := make(map[any]struct{}, len(parents))
	for _, p := range parents {
		v := p.Values[field]
		if v == nil {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		keys = append(keys, v)
	}
	return keys
}

func makeRecords(rows []storage.Row) []*crud.Record {
	records := make([]*crud.Record, len(rows))
	for i, row := range rows {
		records[i] = &crud.Record{Values: row}
	}
	return records
}

func concurrent(tx storage.Tx) bool {
	cq, ok := tx.(storage.ConcurrentQuerier)
	return ok && cq.ConcurrentReads()
}
