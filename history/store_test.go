package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Migrate(t *testing.T) {
	r := require.New(t)
	store := setupTestStore(t)

	version, err := store.Version(context.Background())
	r.NoError(err)
	r.EqualValues(2, version)

	// running again is a no-op
	r.NoError(Migrate(context.Background(), store.db))
}

func TestStore_Queries(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	store := setupTestStore(t)

	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []string{StatusSuccess, StatusError, StatusCancelled} {
		r.NoError(store.LogQuery(ctx, QueryRecord{
			UserID:       "alice",
			ConnectionID: "pg",
			Start:        start.Add(time.Duration(i) * time.Minute),
			End:          start.Add(time.Duration(i)*time.Minute + 1500*time.Millisecond),
			Status:       status,
			Snippet:      "select 1",
		}))
	}
	r.NoError(store.LogQuery(ctx, QueryRecord{UserID: "bob", ConnectionID: "pg", Start: start, End: start, Status: StatusSuccess}))

	queries, err := store.Queries(ctx, "alice", "pg", 2)
	r.NoError(err)
	r.Len(queries, 2)
	r.Equal(StatusCancelled, queries[0].Status)
	r.Equal(StatusError, queries[1].Status)
	r.Equal(1500*time.Millisecond, queries[0].Duration())
	r.True(queries[0].Start.Equal(start.Add(2 * time.Minute)))

	r.NoError(store.LogConsole(ctx, ConsoleRecord{UserID: "alice", ConnectionID: "pg", Start: start, Snippet: `\dt`}))
	consoles, err := store.Consoles(ctx, "alice", "pg", 10)
	r.NoError(err)
	r.Len(consoles, 1)
	r.Equal(`\dt`, consoles[0].Snippet)
}

func TestStore_Tabs(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	store := setupTestStore(t)

	id, err := store.SaveTab(ctx, TabRecord{UserID: "alice", ConnectionID: "pg", Title: "Query", Snippet: "select 1"})
	r.NoError(err)
	r.NotZero(id)

	same, err := store.SaveTab(ctx, TabRecord{ID: id, UserID: "alice", ConnectionID: "pg", Title: "Query", Snippet: "select 2"})
	r.NoError(err)
	r.Equal(id, same)

	_, err = store.SaveTab(ctx, TabRecord{ID: id + 100, Snippet: "x"})
	r.ErrorIs(err, ErrTabNotFound)

	tabs, err := store.Tabs(ctx, "alice")
	r.NoError(err)
	r.Len(tabs, 1)
	r.Equal("select 2", tabs[0].Snippet)

	r.NoError(store.DeleteTab(ctx, id))
	r.ErrorIs(store.DeleteTab(ctx, id), ErrTabNotFound)

	tabs, err = store.Tabs(ctx, "alice")
	r.NoError(err)
	r.Empty(tabs)
}
