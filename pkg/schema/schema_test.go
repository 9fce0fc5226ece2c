package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func userModel() *Model {
	return &Model{
		Name: "user",
		Fields: []Field{
			{Name: "id"},
			{Name: "email"},
		},
		PrimaryKey: []string{"id"},
		Uniques:    [][]string{{"email"}},
	}
}

func postModel() *Model {
	return &Model{
		Name: "post",
		Fields: []Field{
			{Name: "id"},
			{Name: "author_id", Optional: true},
		},
		PrimaryKey: []string{"id"},
		Relations: []Relation{{
			Name:     "author",
			Target:   "user",
			Kind:     OneToMany,
			Owning:   true,
			FKField:  "author_id",
			RefField: "id",
			Optional: true,
		}},
	}
}

func TestNewSchema(t *testing.T) {
	require := require.New(t)

	s, err := New(userModel(), postModel())
	require.NoError(err)

	m, err := s.Model("post")
	require.NoError(err)
	require.NotNil(m.Field("author_id"))
	require.Nil(m.Field("missing"))
	require.NotNil(m.Relation("author"))

	rel, err := s.Relation("post", "author")
	require.NoError(err)
	require.Equal("user", rel.Target)

	require.Equal([]string{"post", "user"}, s.Models())
}

func TestNewSchemaRejectsUnknownTarget(t *testing.T) {
	require := require.New(t)

	post := postModel()
	post.Relations[0].Target = "ghost"
	_, err := New(userModel(), post)
	require.Error(err)
	require.ErrorAs(err, &InvalidSchemaError{})
}

func TestNewSchemaRejectsNonUniqueRefField(t *testing.T) {
	require := require.New(t)

	user := userModel()
	user.Fields = append(user.Fields, Field{Name: "nickname"})
	post := postModel()
	post.Relations[0].RefField = "nickname"
	_, err := New(user, post)
	require.Error(err)
	require.ErrorAs(err, &InvalidSchemaError{})
}

func TestNewSchemaRejectsManyToManyWithCompositeKey(t *testing.T) {
	require := require.New(t)

	user := userModel()
	user.PrimaryKey = []string{"id", "email"}
	tag := &Model{
		Name:       "tag",
		Fields:     []Field{{Name: "id"}},
		PrimaryKey: []string{"id"},
		Relations: []Relation{{
			Name:   "users",
			Target: "user",
			Kind:   ManyToMany,
			List:   true,
			Join:   &JoinTable{Table: "user_tags", SourceColumn: "tag_id", TargetColumn: "user_id"},
		}},
	}
	_, err := New(user, tag)
	require.Error(err)
	require.ErrorAs(err, &InvalidSchemaError{})
}

func TestNewSchemaRejectsDuplicateModel(t *testing.T) {
	require := require.New(t)

	_, err := New(userModel(), userModel())
	require.Error(err)
	require.ErrorAs(err, &InvalidSchemaError{})
}

func TestCheckUniqueSelector(t *testing.T) {
	require := require.New(t)

	s, err := New(userModel(), postModel())
	require.NoError(err)

	require.NoError(s.CheckUniqueSelector("user", UniqueSelector{"id": "u1"}))
	require.NoError(s.CheckUniqueSelector("user", UniqueSelector{"email": "a@example.com"}))

	err = s.CheckUniqueSelector("user", UniqueSelector{"name": "alice"})
	require.Error(err)
	require.ErrorAs(err, &NotUniqueSelectorError{})

	err = s.CheckUniqueSelector("ghost", UniqueSelector{"id": "u1"})
	require.Error(err)
	require.ErrorAs(err, &ModelNotFoundError{})
}

func TestJoinTablesDeduplicates(t *testing.T) {
	require := require.New(t)

	jt := &JoinTable{Table: "post_tags", SourceColumn: "post_id", TargetColumn: "tag_id"}
	reverse := &JoinTable{Table: "post_tags", SourceColumn: "tag_id", TargetColumn: "post_id"}
	post := &Model{
		Name:       "post",
		Fields:     []Field{{Name: "id"}},
		PrimaryKey: []string{"id"},
		Relations: []Relation{{
			Name: "tags", Target: "tag", Kind: ManyToMany, List: true, Join: jt,
		}},
	}
	tag := &Model{
		Name:       "tag",
		Fields:     []Field{{Name: "id"}},
		PrimaryKey: []string{"id"},
		Relations: []Relation{{
			Name: "posts", Target: "post", Kind: ManyToMany, List: true, Join: reverse,
		}},
	}
	s, err := New(post, tag)
	require.NoError(err)
	require.Len(s.JoinTables(), 1)
}
