package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chillwhales/lsp-indexer/log"
	"github.com/chillwhales/lsp-indexer/storage"
	"github.com/chillwhales/lsp-indexer/storage/postgres"
	"github.com/chillwhales/lsp-indexer/storage/postgres/testutil"
)

func TestInvalidConnect(t *testing.T) {
	_, err := postgres.NewClient("an invalid connstring", log.NewDiscardLogger())
	require.Error(t, err)
}

func setupTable(t *testing.T) (*postgres.Client, context.Context) {
	client := testutil.NewTestClient(t)
	t.Cleanup(client.Close)
	ctx := context.Background()

	require.NoError(t, client.Wipe(ctx), "failed to wipe database")
	batch := &storage.QueryBatch{}
	batch.Queue(`CREATE TABLE item (id TEXT PRIMARY KEY, owner TEXT, retries INT NOT NULL DEFAULT 0)`)
	require.NoError(t, client.SendBatch(ctx, batch))
	return client, ctx
}

func TestInsertAndUpsert(t *testing.T) {
	client, ctx := setupTable(t)

	require.NoError(t, client.Insert(ctx, "item", []storage.Row{{"id": "a", "owner": "x"}}))
	require.NoError(t, client.Insert(ctx, "item", []storage.Row{{"id": "a", "owner": "y"}}))
	rows, err := client.FindBy(ctx, "item", "id", "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "x", rows[0]["owner"])

	require.NoError(t, client.Upsert(ctx, "item", []storage.Row{{"id": "a", "retries": 2}}))
	require.NoError(t, client.Upsert(ctx, "item", []storage.Row{{"id": "a", "retries": 2}}))
	rows, err = client.FindBy(ctx, "item", "id", "a")
	require.NoError(t, err)
	require.Equal(t, "x", rows[0]["owner"])
	require.EqualValues(t, 2, rows[0]["retries"])
}

func TestFindAndRemove(t *testing.T) {
	client, ctx := setupTable(t)

	require.NoError(t, client.Insert(ctx, "item", []storage.Row{
		{"id": "a", "owner": "x", "retries": 0},
		{"id": "b", "owner": nil, "retries": 5},
		{"id": "c", "owner": "x", "retries": 1},
	}))

	rows, err := client.Find(ctx, storage.Query{
		Table:   "item",
		Filters: []storage.Filter{storage.Eq("owner", "x"), storage.Lt("retries", 3)},
		OrderBy: "retries",
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].ID())

	require.NoError(t, client.Remove(ctx, "item", storage.In("id", []string{"a", "b"})))
	rows, err = client.Find(ctx, storage.Query{Table: "item"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "c", rows[0].ID())
}

func TestInvalidBatchIsAtomic(t *testing.T) {
	client, ctx := setupTable(t)

	batch := &storage.QueryBatch{}
	batch.Queue(`INSERT INTO item (id) VALUES ('ok')`)
	batch.Queue(`an invalid query`)
	require.Error(t, client.SendBatch(ctx, batch))

	rows, err := client.Find(ctx, storage.Query{Table: "item"})
	require.NoError(t, err)
	require.Empty(t, rows)
}
