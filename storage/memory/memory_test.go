package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/storage"
)

func TestInsertIgnoresExisting(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Insert(ctx, "t", []storage.Row{{"id": "a", "v": int64(1)}}))
	require.NoError(t, s.Insert(ctx, "t", []storage.Row{{"id": "a", "v": int64(2)}, {"id": "b", "v": int64(3)}}))

	a, ok := s.Get("t", "a")
	require.True(t, ok)
	require.Equal(t, int64(1), a["v"])
	require.Equal(t, 2, s.Len("t"))
}

func TestUpsertMerges(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.Upsert(ctx, "t", []storage.Row{{"id": "a", "x": "1", "y": "1"}}))
	require.NoError(t, s.Upsert(ctx, "t", []storage.Row{{"id": "a", "y": "2"}}))

	a, _ := s.Get("t", "a")
	require.Equal(t, storage.Row{"id": "a", "x": "1", "y": "2"}, a)
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	rows := []storage.Row{{"id": "a", "x": "1"}, {"id": "b", "x": "2"}}

	require.NoError(t, s.Upsert(ctx, "t", rows))
	once, err := s.Find(ctx, storage.Query{Table: "t"})
	require.NoError(t, err)

	require.NoError(t, s.Upsert(ctx, "t", rows))
	twice, err := s.Find(ctx, storage.Query{Table: "t"})
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestRowsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	r := storage.Row{"id": "a", "x": "1"}
	require.NoError(t, s.Insert(ctx, "t", []storage.Row{r}))
	r["x"] = "mutated"

	found, err := s.FindBy(ctx, "t", "id", "a")
	require.NoError(t, err)
	require.Equal(t, "1", found[0]["x"])
	found[0]["x"] = "mutated"

	again, _ := s.Get("t", "a")
	require.Equal(t, "1", again["x"])
}

func TestMissingID(t *testing.T) {
	s := NewStore()
	require.Error(t, s.Insert(context.Background(), "t", []storage.Row{{"x": "1"}}))
	require.Error(t, s.Upsert(context.Background(), "t", []storage.Row{{"id": ""}}))
}

func TestFindFilters(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Insert(ctx, "t", []storage.Row{
		{"id": "a", "owner": "x", "retries": int64(0), "fetched": false},
		{"id": "b", "owner": "y", "retries": int64(3), "fetched": false},
		{"id": "c", "owner": "x", "retries": int64(1), "fetched": true},
		{"id": "d", "owner": nil, "retries": int64(2), "fetched": false},
	}))

	ids := func(rows []storage.Row) []string {
		out := []string{}
		for _, r := range rows {
			out = append(out, r.ID())
		}
		return out
	}

	rows, err := s.Find(ctx, storage.Query{Table: "t", Filters: []storage.Filter{storage.Eq("owner", "x")}})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, ids(rows))

	rows, err = s.Find(ctx, storage.Query{Table: "t", Filters: []storage.Filter{storage.Eq("owner", nil)}})
	require.NoError(t, err)
	require.Equal(t, []string{"d"}, ids(rows))

	rows, err = s.Find(ctx, storage.Query{Table: "t", Filters: []storage.Filter{storage.In("id", []string{"b", "d", "zz"})}})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "d"}, ids(rows))

	// Ints of different widths compare numerically.
	rows, err = s.Find(ctx, storage.Query{
		Table:   "t",
		Filters: []storage.Filter{storage.Eq("fetched", false), storage.Lt("retries", 3)},
		OrderBy: "retries",
		Limit:   1,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(rows))

	rows, err = s.Find(ctx, storage.Query{Table: "t", OrderBy: "retries"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c", "d", "b"}, ids(rows))

	_, err = s.Find(ctx, storage.Query{Table: "t", Filters: []storage.Filter{{Field: "id", Op: storage.OpIn, Value: "a"}}})
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.Insert(ctx, "t", []storage.Row{
		{"id": "a", "profile": "p1"},
		{"id": "b", "profile": "p1"},
		{"id": "c", "profile": "p2"},
	}))

	require.ErrorIs(t, s.Remove(ctx, "t"), storage.ErrNoFilters)
	require.NoError(t, s.Remove(ctx, "t", storage.In("profile", []string{"p1"})))
	require.Equal(t, 1, s.Len("t"))
	_, ok := s.Get("t", "c")
	require.True(t, ok)

	// Removing from an unknown table is a no-op.
	require.NoError(t, s.Remove(ctx, "nope", storage.Eq("id", "a")))
}
