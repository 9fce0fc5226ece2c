package postgres

import (
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/relquery/relquery/pkg/crud"
)

// compileFilter lowers a filter tree to a squirrel predicate. RelatedVia
// nodes never reach an executor; everything else maps directly onto SQL.
func compileFilter(f crud.Filter) (sq.Sqlizer, error) {
	switch node := f.(type) {
	case crud.FieldCond:
		return compileFieldCond(node)

	case crud.And:
		conj := make(sq.And, 0, len(node))
		for _, inner := range node {
			pred, err := compileFilter(inner)
			if err != nil {
				return nil, err
			}
			conj = append(conj, pred)
		}
		return conj, nil

	case crud.Or:
		disj := make(sq.Or, 0, len(node))
		for _, inner := range node {
			pred, err := compileFilter(inner)
			if err != nil {
				return nil, err
			}
			disj = append(disj, pred)
		}
		return disj, nil

	case crud.Not:
		inner, err := compileFilter(node.Inner)
		if err != nil {
			return nil, err
		}
		sql, args, err := inner.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr(fmt.Sprintf("NOT (%s)", sql), args...), nil

	case crud.SubqueryIn:
		sub := sq.Select(node.SelectField).From(node.Table)
		if node.Where != nil {
			pred, err := compileFilter(node.Where)
			if err != nil {
				return nil, err
			}
			sub = sub.Where(pred)
		}
		sql, args, err := sub.ToSql()
		if err != nil {
			return nil, err
		}
		return sq.Expr(fmt.Sprintf("%s IN (%s)", node.Field, sql), args...), nil

	default:
		return nil, fmt.Errorf("filter node %T must be lowered before reaching storage", f)
	}
}

func compileFieldCond(cond crud.FieldCond) (sq.Sqlizer, error) {
	switch cond.Op {
	case crud.OpEq:
		return sq.Eq{cond.Field: cond.Value}, nil
	case crud.OpNeq:
		return sq.NotEq{cond.Field: cond.Value}, nil
	case crud.OpLt:
		return sq.Lt{cond.Field: cond.Value}, nil
	case crud.OpLte:
		return sq.LtOrEq{cond.Field: cond.Value}, nil
	case crud.OpGt:
		return sq.Gt{cond.Field: cond.Value}, nil
	case crud.OpGte:
		return sq.GtOrEq{cond.Field: cond.Value}, nil
	case crud.OpIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a []any value", cond.Op)
		}
		return sq.Eq{cond.Field: values}, nil
	case crud.OpContains:
		value, ok := cond.Value.(string)
		if !ok {
			return nil, fmt.Errorf("operator %s requires a string value", cond.Op)
		}
		return sq.Like{cond.Field: "%" + value + "%"}, nil
	default:
		return nil, fmt.Errorf("unknown operator %s", cond.Op)
	}
}
