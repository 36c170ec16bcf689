package engine

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/prism"
	"github.com/syssam/prism/dialect"
)

type tag struct {
	ID    int64  `db:"id"`
	Label string `db:"label"`
}

type post struct {
	ID       int64          `db:"id"`
	Title    string         `db:"title"`
	AuthorID *int64         `db:"author_id"`
	Rating   *float64       `db:"rating"`
	Draft    bool           `db:"draft"`
	Meta     map[string]any `db:"meta"`
	Tags     []tag          `db:"tags"`
	Author   *author        `db:"author"`
	Comments *Lazy          `db:"comments"`
	Secret   string         `db:"-"`
}

type author struct {
	ID        int64 `db:"id"`
	Name      sql.NullString
	CreatedAt time.Time `db:"created_at"`
	Age       uint8
}

func TestDecode(t *testing.T) {
	lazy := &Lazy{}
	recs := []dialect.Record{
		{
			"id":        int64(1),
			"title":     []byte("hello"),
			"author_id": int64(7),
			"rating":    "2.5",
			"draft":     int64(1),
			"meta":      `{"views": 3}`,
			"tags":      []dialect.Record{{"id": int64(10), "label": "go"}},
			"author": dialect.Record{
				"id":         int64(7),
				"name":       "ann",
				"created_at": "2024-03-01 10:00:00",
				"age":        int64(30),
			},
			"comments": lazy,
			"Secret":   "x",
			"unknown":  1,
		},
		{"id": int64(2), "author_id": nil, "author": nil},
	}
	posts, err := Decode[post](recs)
	require.NoError(t, err)
	require.Len(t, posts, 2)

	p := posts[0]
	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, "hello", p.Title)
	require.NotNil(t, p.AuthorID)
	assert.Equal(t, int64(7), *p.AuthorID)
	require.NotNil(t, p.Rating)
	assert.Equal(t, 2.5, *p.Rating)
	assert.True(t, p.Draft)
	assert.Equal(t, map[string]any{"views": float64(3)}, p.Meta)
	assert.Equal(t, []tag{{ID: 10, Label: "go"}}, p.Tags)
	require.NotNil(t, p.Author)
	assert.Equal(t, sql.NullString{String: "ann", Valid: true}, p.Author.Name)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), p.Author.CreatedAt)
	assert.Equal(t, uint8(30), p.Author.Age)
	assert.Same(t, lazy, p.Comments)
	assert.Empty(t, p.Secret)

	assert.Equal(t, int64(2), posts[1].ID)
	assert.Nil(t, posts[1].AuthorID)
	assert.Nil(t, posts[1].Author)
}

func TestDecodeOne(t *testing.T) {
	p, err := DecodeOne[*tag](dialect.Record{"id": "12", "label": "db"})
	require.NoError(t, err)
	assert.Equal(t, &tag{ID: 12, Label: "db"}, p)

	p, err = DecodeOne[*tag](nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	rec, err := DecodeOne[dialect.Record](dialect.Record{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, dialect.Record{"id": 1}, rec)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		rec  dialect.Record
	}{
		{"not a number", dialect.Record{"id": "abc"}},
		{"overflow", dialect.Record{"age": int64(300)}},
		{"negative unsigned", dialect.Record{"age": int64(-1)}},
		{"fractional", dialect.Record{"age": 1.5}},
		{"bad time", dialect.Record{"created_at": "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOne[author](tt.rec)
			require.Error(t, err)
			assert.Equal(t, prism.TypeConversion, prism.CodeOf(err))
		})
	}

	_, err := DecodeOne[tag](dialect.Record{"label": int64(1)})
	assert.Equal(t, prism.TypeConversion, prism.CodeOf(err), "numbers do not decode into strings")
	_, err = DecodeOne[int](dialect.Record{"id": 1})
	assert.Equal(t, prism.TypeConversion, prism.CodeOf(err))
	_, err = DecodeOne[post](dialect.Record{"tags": "x"})
	assert.Equal(t, prism.TypeConversion, prism.CodeOf(err))
	_, err = DecodeOne[post](dialect.Record{"comments": 1})
	assert.Equal(t, prism.TypeConversion, prism.CodeOf(err))
}

func TestParseTime(t *testing.T) {
	for _, s := range []string{
		"2024-03-01T10:00:00Z",
		"2024-03-01 10:00:00+00:00",
		"2024-03-01 10:00:00",
		"2024-03-01T10:00:00",
	} {
		got, err := parseTime(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)), s)
	}
	got, err := parseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Day())
}
