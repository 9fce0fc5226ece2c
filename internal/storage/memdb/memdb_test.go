package memdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	s, err := schema.New(
		&schema.Model{
			Name:       "user",
			Fields:     []schema.Field{{Name: "id"}, {Name: "email"}, {Name: "age", Optional: true}},
			PrimaryKey: []string{"id"},
			Uniques:    [][]string{{"email"}},
			Relations: []schema.Relation{
				{Name: "tags", Target: "tag", Kind: schema.ManyToMany, List: true,
					Join: &schema.JoinTable{Table: "user_tags", SourceColumn: "user_id", TargetColumn: "tag_id"}},
			},
		},
		&schema.Model{
			Name:       "tag",
			Fields:     []schema.Field{{Name: "id"}, {Name: "label"}},
			PrimaryKey: []string{"id"},
		},
	)
	require.NoError(t, err)
	exec, err := NewExecutor(s)
	require.NoError(t, err)
	return exec
}

func insert(t *testing.T, tx storage.Tx, table string, row storage.Row) storage.Row {
	t.Helper()
	res, err := tx.Execute(context.Background(), storage.Mutation{
		Kind:   storage.MutationInsert,
		Table:  table,
		Values: row,
	})
	require.NoError(t, err)
	return res.Inserted
}

func TestInsertGeneratesPrimaryKey(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()

	row := insert(t, tx, "user", storage.Row{"email": "a@example.com"})
	require.NotEmpty(row["id"])

	explicit := insert(t, tx, "user", storage.Row{"id": "u7", "email": "b@example.com"})
	require.Equal("u7", explicit["id"])
}

func TestInsertConflicts(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()

	insert(t, tx, "user", storage.Row{"id": "u1", "email": "a@example.com"})

	_, err = tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationInsert,
		Table:  "user",
		Values: storage.Row{"id": "u1", "email": "other@example.com"},
	})
	require.Error(err)
	require.True(storage.IsConflict(err))

	_, err = tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationInsert,
		Table:  "user",
		Values: storage.Row{"id": "u2", "email": "a@example.com"},
	})
	require.Error(err)
	require.True(storage.IsConflict(err))
}

func TestJoinTableLinkPairIsUnique(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()

	insert(t, tx, "user_tags", storage.Row{"user_id": "u1", "tag_id": "t1"})
	insert(t, tx, "user_tags", storage.Row{"user_id": "u1", "tag_id": "t2"})

	_, err = tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationInsert,
		Table:  "user_tags",
		Values: storage.Row{"user_id": "u1", "tag_id": "t1"},
	})
	require.Error(err)
	require.True(storage.IsConflict(err))
}

func TestUpdateAndDeleteByKey(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()

	insert(t, tx, "user", storage.Row{"id": "u1", "email": "a@example.com", "age": 30})
	insert(t, tx, "user", storage.Row{"id": "u2", "email": "b@example.com", "age": 30})

	res, err := tx.Execute(ctx, storage.Mutation{
		Kind:   storage.MutationUpdate,
		Table:  "user",
		Values: storage.Row{"age": 31},
		Key:    storage.Row{"id": "u1"},
	})
	require.NoError(err)
	require.EqualValues(1, res.Affected)

	rows, err := tx.Query(ctx, storage.Query{Table: "user", Where: crud.Eq("id", "u1")})
	require.NoError(err)
	require.Len(rows, 1)
	require.EqualValues(31, rows[0]["age"])

	res, err = tx.Execute(ctx, storage.Mutation{
		Kind:  storage.MutationDelete,
		Table: "user",
		Key:   storage.Row{"id": "u2"},
	})
	require.NoError(err)
	require.EqualValues(1, res.Affected)

	res, err = tx.Execute(ctx, storage.Mutation{
		Kind:  storage.MutationDelete,
		Table: "user",
		Key:   storage.Row{"id": "ghost"},
	})
	require.NoError(err)
	require.Zero(res.Affected)
}

func TestQueryFilterOrderLimit(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()

	insert(t, tx, "user", storage.Row{"id": "u1", "email": "carol@example.com", "age": 25})
	insert(t, tx, "user", storage.Row{"id": "u2", "email": "dan@example.com", "age": 35})
	insert(t, tx, "user", storage.Row{"id": "u3", "email": "erin@example.com", "age": 45})

	rows, err := tx.Query(ctx, storage.Query{
		Table: "user",
		Where: crud.FieldCond{Field: "age", Op: crud.OpGte, Value: 30},
		OrderBy: []crud.Order{
			{Field: "age", Desc: true},
		},
	})
	require.NoError(err)
	require.Len(rows, 2)
	require.Equal("u3", rows[0]["id"])
	require.Equal("u2", rows[1]["id"])

	one := 1
	rows, err = tx.Query(ctx, storage.Query{
		Table:   "user",
		Where:   crud.Not{Inner: crud.Eq("id", "u2")},
		OrderBy: []crud.Order{{Field: "email"}},
		Limit:   &one,
	})
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal("u1", rows[0]["id"])

	rows, err = tx.Query(ctx, storage.Query{
		Table: "user",
		Where: crud.In("id", []any{"u1", "u3"}),
	})
	require.NoError(err)
	require.Len(rows, 2)

	rows, err = tx.Query(ctx, storage.Query{
		Table: "user",
		Where: crud.FieldCond{Field: "email", Op: crud.OpContains, Value: "dan"},
	})
	require.NoError(err)
	require.Len(rows, 1)
}

func TestQuerySubqueryIn(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()

	insert(t, tx, "user", storage.Row{"id": "u1", "email": "a@example.com"})
	insert(t, tx, "user", storage.Row{"id": "u2", "email": "b@example.com"})
	insert(t, tx, "tag", storage.Row{"id": "t1", "label": "admin"})
	insert(t, tx, "user_tags", storage.Row{"user_id": "u1", "tag_id": "t1"})

	rows, err := tx.Query(ctx, storage.Query{
		Table: "user",
		Where: crud.SubqueryIn{
			Field:       "id",
			Table:       "user_tags",
			SelectField: "user_id",
			Where: crud.SubqueryIn{
				Field:       "tag_id",
				Table:       "tag",
				SelectField: "id",
				Where:       crud.Eq("label", "admin"),
			},
		},
	})
	require.NoError(err)
	require.Len(rows, 1)
	require.Equal("u1", rows[0]["id"])
}

func TestRollbackDiscardsWrites(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)
	insert(t, tx, "user", storage.Row{"id": "u1", "email": "a@example.com"})
	require.NoError(tx.Rollback(ctx))

	tx, err = exec.Begin(ctx)
	require.NoError(err)
	defer func() { _ = tx.Rollback(ctx) }()
	rows, err := tx.Query(ctx, storage.Query{Table: "user"})
	require.NoError(err)
	require.Empty(rows)
}

func TestConcurrentReadsDeclared(t *testing.T) {
	require := require.New(t)
	exec := newExecutor(t)

	tx, err := exec.Begin(context.Background())
	require.NoError(err)
	defer func() { _ = tx.Rollback(context.Background()) }()

	cq, ok := tx.(storage.ConcurrentQuerier)
	require.True(ok)
	require.True(cq.ConcurrentReads())
}
