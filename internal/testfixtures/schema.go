// Package testfixtures provides the standard schema and seeded in-memory
// executor shared by the engine's tests.
package testfixtures

import (
	"context"

	"github.com/stretchr/testify/require"

	"github.com/relquery/relquery/internal/storage/memdb"
	"github.com/relquery/relquery/pkg/schema"
	"github.com/relquery/relquery/pkg/storage"
)

// The standard catalog: users with an optional one-to-one profile, posts
// owned by an optional author, and a many-to-many between posts and
// categories through post_categories.
var (
	UserModel = &schema.Model{
		Name: "user",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "email"},
			{Name: "name", Optional: true},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"email"}},
		Relations: []schema.Relation{
			{
				Name:     "profile",
				Target:   "profile",
				Kind:     schema.OneToOne,
				FKField:  "user_id",
				RefField: "id",
				Optional: false,
			},
			{
				Name:     "posts",
				Target:   "post",
				Kind:     schema.OneToMany,
				List:     true,
				FKField:  "author_id",
				RefField: "id",
				Optional: true,
			},
		},
	}

	ProfileModel = &schema.Model{
		Name: "profile",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "bio", Optional: true},
			{Name: "user_id"},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"user_id"}},
		Relations: []schema.Relation{
			{
				Name:     "user",
				Target:   "user",
				Kind:     schema.OneToOne,
				Owning:   true,
				FKField:  "user_id",
				RefField: "id",
				Optional: false,
			},
		},
	}

	PostModel = &schema.Model{
		Name: "post",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "title"},
			{Name: "published", Optional: true},
			{Name: "author_id", Optional: true},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"title"}},
		Relations: []schema.Relation{
			{
				Name:     "author",
				Target:   "user",
				Kind:     schema.OneToMany,
				Owning:   true,
				FKField:  "author_id",
				RefField: "id",
				Optional: true,
			},
			{
				Name:   "categories",
				Target: "category",
				Kind:   schema.ManyToMany,
				List:   true,
				Join: &schema.JoinTable{
					Table:        "post_categories",
					SourceColumn: "post_id",
					TargetColumn: "category_id",
				},
			},
		},
	}

	CategoryModel = &schema.Model{
		Name: "category",
		Fields: []schema.Field{
			{Name: "id"},
			{Name: "name"},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"name"}},
		Relations: []schema.Relation{
			{
				Name:   "posts",
				Target: "post",
				Kind:   schema.ManyToMany,
				List:   true,
				Join: &schema.JoinTable{
					Table:        "post_categories",
					SourceColumn: "category_id",
					TargetColumn: "post_id",
				},
			},
		},
	}
)

// StandardSchema builds the standard catalog.
func StandardSchema(require *require.Assertions) *schema.Schema {
	s, err := schema.New(UserModel, ProfileModel, PostModel, CategoryModel)
	require.NoError(err)
	return s
}

// StandardExecutor builds an empty in-memory executor over the standard
// catalog.
func StandardExecutor(require *require.Assertions, s *schema.Schema) *memdb.Executor {
	exec, err := memdb.NewExecutor(s)
	require.NoError(err)
	return exec
}

// StandardExecutorWithData builds an in-memory executor seeded with two
// users, a profile, three posts and two categories; the first post carries
// both categories.
func StandardExecutorWithData(require *require.Assertions, s *schema.Schema) *memdb.Executor {
	exec := StandardExecutor(require, s)
	ctx := context.Background()

	tx, err := exec.Begin(ctx)
	require.NoError(err)

	seed := []struct {
		table string
		row   storage.Row
	}{
		{"user", storage.Row{"id": "u1", "email": "alice@example.com", "name": "Alice"}},
		{"user", storage.Row{"id": "u2", "email": "bob@example.com", "name": "Bob"}},
		{"profile", storage.Row{"id": "pr1", "bio": "gardener", "user_id": "u1"}},
		{"post", storage.Row{"id": "p1", "title": "seed rotation", "published": true, "author_id": "u1"}},
		{"post", storage.Row{"id": "p2", "title": "composting", "published": false, "author_id": "u1"}},
		{"post", storage.Row{"id": "p3", "title": "winter pruning", "published": true, "author_id": "u2"}},
		{"category", storage.Row{"id": "c1", "name": "gardening"}},
		{"category", storage.Row{"id": "c2", "name": "howto"}},
		{"post_categories", storage.Row{"post_id": "p1", "category_id": "c1"}},
		{"post_categories", storage.Row{"post_id": "p1", "category_id": "c2"}},
		{"post_categories", storage.Row{"post_id": "p3", "category_id": "c1"}},
	}
	for _, item := range seed {
		_, err := tx.Execute(ctx, storage.Mutation{
			Kind:   storage.MutationInsert,
			Table:  item.table,
			Values: item.row,
		})
		require.NoError(err)
	}
	require.NoError(tx.Commit(ctx))
	return exec
}
