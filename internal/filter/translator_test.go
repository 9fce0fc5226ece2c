package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relquery/relquery/internal/testfixtures"
	"github.com/relquery/relquery/pkg/crud"
	"github.com/relquery/relquery/pkg/schema"
)

func TestLowerOwningRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	lowered, err := Lower(s, "post", crud.RelatedVia{
		Relation: "author",
		Where:    crud.Eq("email", "alice@example.com"),
	})
	require.NoError(err)

	// The post stores the key: post.author_id IN (SELECT id FROM user ...).
	require.Equal(crud.SubqueryIn{
		Field:       "author_id",
		Table:       "user",
		SelectField: "id",
		Where:       crud.Eq("email", "alice@example.com"),
	}, lowered)
}

func TestLowerInverseRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	lowered, err := Lower(s, "user", crud.RelatedVia{
		Relation: "posts",
		Where:    crud.Eq("published", true),
	})
	require.NoError(err)

	// The posts store the key: user.id IN (SELECT author_id FROM post ...).
	require.Equal(crud.SubqueryIn{
		Field:       "id",
		Table:       "post",
		SelectField: "author_id",
		Where:       crud.Eq("published", true),
	}, lowered)
}

func TestLowerManyToManyRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	lowered, err := Lower(s, "post", crud.RelatedVia{
		Relation: "categories",
		Where:    crud.Eq("name", "gardening"),
	})
	require.NoError(err)

	require.Equal(crud.SubqueryIn{
		Field:       "id",
		Table:       "post_categories",
		SelectField: "post_id",
		Where: crud.SubqueryIn{
			Field:       "category_id",
			Table:       "category",
			SelectField: "id",
			Where:       crud.Eq("name", "gardening"),
		},
	}, lowered)
}

func TestLowerRecursesThroughCombinators(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	lowered, err := Lower(s, "post", crud.And{
		crud.Eq("published", true),
		crud.Or{
			crud.Not{Inner: crud.RelatedVia{Relation: "author", Where: crud.Eq("name", "Bob")}},
		},
	})
	require.NoError(err)

	and, ok := lowered.(crud.And)
	require.True(ok)
	require.Len(and, 2)
	or, ok := and[1].(crud.Or)
	require.True(ok)
	not, ok := or[0].(crud.Not)
	require.True(ok)
	_, ok = not.Inner.(crud.SubqueryIn)
	require.True(ok)
}

func TestLowerUnknownRelation(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	_, err := Lower(s, "post", crud.RelatedVia{Relation: "ghost"})
	require.Error(err)
	require.ErrorAs(err, &schema.RelationNotFoundError{})
}

func TestRelatedSetPredicate(t *testing.T) {
	require := require.New(t)
	s := testfixtures.StandardSchema(require)

	source := crud.Filter(crud.Eq("id", "u1"))

	// user -> posts: posts hold the key of the user rows.
	rel, err := s.Relation("user", "posts")
	require.NoError(err)
	pred, err := RelatedSetPredicate(s, "user", rel, source)
	require.NoError(err)
	require.Equal(crud.SubqueryIn{
		Field:       "author_id",
		Table:       "user",
		SelectField: "id",
		Where:       source,
	}, pred)

	// post -> author: posts hold the key of the user rows, inverted.
	rel, err = s.Relation("post", "author")
	require.NoError(err)
	pred, err = RelatedSetPredicate(s, "post", rel, source)
	require.NoError(err)
	require.Equal(crud.SubqueryIn{
		Field:       "id",
		Table:       "post",
		SelectField: "author_id",
		Where:       source,
	}, pred)

	// post -> categories: through the join table.
	rel, err = s.Relation("post", "categories")
	require.NoError(err)
	pred, err = RelatedSetPredicate(s, "post", rel, source)
	require.NoError(err)
	require.Equal(crud.SubqueryIn{
		Field:       "id",
		Table:       "post_categories",
		SelectField: "category_id",
		Where: crud.SubqueryIn{
			Field:       "post_id",
			Table:       "post",
			SelectField: "id",
			Where:       source,
		},
	}, pred)
}
