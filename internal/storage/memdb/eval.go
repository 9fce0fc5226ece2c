package memdb

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/storage"
)

// matches evaluates a lowered filter against one row. RelatedVia nodes never
// reach an executor; encountering one is a programming error upstream.
func (t *transaction) matches(f crud.Filter, row storage.Row) (bool, error) {
	switch node := f.(type) {
	case nil:
		return true, nil

	case crud.FieldCond:
		return fieldMatches(node, row)

	case crud.And:
		for _, inner := range node {
			ok, err := t.matches(inner, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case crud.Or:
		for _, inner := range node {
			ok, err := t.matches(inner, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case crud.Not:
		ok, err := t.matches(node.Inner, row)
		return !ok, err

	case crud.SubqueryIn:
		values, err := t.subqueryValues(node)
		if err != nil {
			return false, err
		}
		have := row[node.Field]
		if have == nil {
			return false, nil
		}
		for _, v := range values {
			if valuesEqual(have, v) {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("filter node %T must be lowered before reaching storage", f)
	}
}

func fieldMatches(cond crud.FieldCond, row storage.Row) (bool, error) {
	have := row[cond.Field]

	switch cond.Op {
	case crud.OpEq:
		return valuesEqual(have, cond.Value), nil
	case crud.OpNeq:
		return !valuesEqual(have, cond.Value), nil

	case crud.OpIn:
		values, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("operator %s requires a []any value", cond.Op)
		}
		for _, v := range values {
			if valuesEqual(have, v) {
				return true, nil
			}
		}
		return false, nil

	case crud.OpContains:
		haveStr, ok1 := have.(string)
		wantStr, ok2 := cond.Value.(string)
		return ok1 && ok2 && strings.Contains(haveStr, wantStr), nil

	case crud.OpLt, crud.OpLte, crud.OpGt, crud.OpGte:
		if have == nil || cond.Value == nil {
			return false, nil
		}
		c, ok := compareValues(have, cond.Value)
		if !ok {
			return false, fmt.Errorf("cannot order values of %T and %T", have, cond.Value)
		}
		switch cond.Op {
		case crud.OpLt:
			return c < 0, nil
		case crud.OpLte:
			return c <= 0, nil
		case crud.OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}

	default:
		return false, fmt.Errorf("unknown operator %s", cond.Op)
	}
}

// valuesEqual compares row values loosely across numeric widths, so a filter
// built with an int matches a stored int64.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// anyNil reports whether any of the named fields is unset; a null field never
// participates in a uniqueness conflict.
func anyNil(row storage.Row, fields []string) bool {
	for _, f := range fields {
		if row[f] == nil {
			return true
		}
	}
	return false
}

// compareValues orders two values of compatible types; ok is false when the
// types cannot be ordered against each other.
func compareValues(a, b any) (int, bool) {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		if !bok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// sortRows applies the ordering terms in sequence, nils last within each
// term. Without terms the storage order is kept.
func sortRows(rows []storage.Row, orderBy []crud.Order) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, term := range orderBy {
			a, b := rows[i][term.Field], rows[j][term.Field]
			if a == nil && b == nil {
				continue
			}
			if a == nil {
				return false
			}
			if b == nil {
				return true
			}
			c, ok := compareValues(a, b)
			if !ok || c == 0 {
				continue
			}
			if term.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
