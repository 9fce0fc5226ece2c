// Package filter lowers relation-scoped predicates into plain predicates on
// the owning query. A RelatedVia node ("there exists a related row
// satisfying the inner predicate") becomes a SubqueryIn whose direction is
// determined strictly by foreign key ownership, never by which side the
// request originated from. The lowered form evaluates atomically in a single
// query, unlike the fluent two-query traversal of the same relation.
package filter

import (
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
)

// Lower rewrites every RelatedVia node in the filter into its
// ownership-corrected SubqueryIn form. The returned filter contains only
// nodes executors understand. Unknown relation names fail before any storage
// call.
func Lower(s *schema.Schema, model string, f crud.Filter) (crud.Filter, error) {
	if f == nil {
		return nil, nil
	}

	switch node := f.(type) {
	case crud.FieldCond:
		return node, nil

	case crud.And:
		lowered, err := lowerAll(s, model, node)
		if err != nil {
			return nil, err
		}
		return crud.And(lowered), nil

	case crud.Or:
		lowered, err := lowerAll(s, model, node)
		if err != nil {
			return nil, err
		}
		return crud.Or(lowered), nil

	case crud.Not:
		inner, err := Lower(s, model, node.Inner)
		if err != nil {
			return nil, err
		}
		return crud.Not{Inner: inner}, nil

	case crud.SubqueryIn:
		// Already lowered; still lower its inner filter when the subquery
		// targets a model.
		if _, err := s.Model(node.Table); err != nil {
			return node, nil
		}
		inner, err := Lower(s, node.Table, node.Where)
		if err != nil {
			return nil, err
		}
		node.Where = inner
		return node, nil

	case crud.RelatedVia:
		return lowerRelated(s, model, node)

	default:
		return nil, crud.NewInvalidDirectiveError(nil, "unknown filter node")
	}
}

func lowerAll(s *schema.Schema, model string, filters []crud.Filter) ([]crud.Filter, error) {
	lowered := make([]crud.Filter, 0, len(filters))
	for _, f := range filters {
		lf, err := Lower(s, model, f)
		if err != nil {
			return nil, err
		}
		lowered = append(lowered, lf)
	}
	return lowered, nil
}

func lowerRelated(s *schema.Schema, model string, node crud.RelatedVia) (crud.Filter, error) {
	rel, err := s.Relation(model, node.Relation)
	if err != nil {
		return nil, err
	}

	inner, err := Lower(s, rel.Target, node.Where)
	if err != nil {
		return nil, err
	}

	if rel.Join != nil {
		// Many-to-many: the source row's primary key must appear among the
		// join rows whose target side satisfies the inner predicate.
		source, err := s.Model(model)
		if err != nil {
			return nil, err
		}
		target, err := s.Model(rel.Target)
		if err != nil {
			return nil, err
		}
		return crud.SubqueryIn{
			Field:       source.PrimaryKey[0],
			Table:       rel.Join.Table,
			SelectField: rel.Join.SourceColumn,
			Where: crud.SubqueryIn{
				Field:       rel.Join.TargetColumn,
				Table:       rel.Target,
				SelectField: target.PrimaryKey[0],
				Where:       inner,
			},
		}, nil
	}

	if rel.Owning {
		// The source stores the foreign key: join outward on it.
		return crud.SubqueryIn{
			Field:       rel.FKField,
			Table:       rel.Target,
			SelectField: rel.RefField,
			Where:       inner,
		}, nil
	}

	// The target stores the foreign key: semi-join back to the source's
	// referenced field.
	return crud.SubqueryIn{
		Field:       rel.RefField,
		Table:       rel.Target,
		SelectField: rel.FKField,
		Where:       inner,
	}, nil
}

// RelatedSetPredicate builds the membership predicate relating rows of a
// relation's target to a set of source rows satisfying sourcePred. It is the
// hop primitive the fluent chain resolver folds over.
func RelatedSetPredicate(s *schema.Schema, model string, rel *schema.Relation, sourcePred crud.Filter) (crud.Filter, error) {
	if rel.Join != nil {
		source, err := s.Model(model)
		if err != nil {
			return nil, err
		}
		target, err := s.Model(rel.Target)
		if err != nil {
			return nil, err
		}
		return crud.SubqueryIn{
			Field:       target.PrimaryKey[0],
			Table:       rel.Join.Table,
			SelectField: rel.Join.TargetColumn,
			Where: crud.SubqueryIn{
				Field:       rel.Join.SourceColumn,
				Table:       model,
				SelectField: source.PrimaryKey[0],
				Where:       sourcePred,
			},
		}, nil
	}

	if rel.Owning {
		// Source rows hold the key of the target rows.
		return crud.SubqueryIn{
			Field:       rel.RefField,
			Table:       model,
			SelectField: rel.FKField,
			Where:       sourcePred,
		}, nil
	}

	// Target rows hold the key of the source rows.
	return crud.SubqueryIn{
		Field:       rel.FKField,
		Table:       model,
		SelectField: rel.RefField,
		Where:       sourcePred,
	}, nil
}
