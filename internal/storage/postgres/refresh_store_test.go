package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statcache/internal/statcache"
)

func TestRecordRefreshInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRefreshStoreWithPool(mock, "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := statcache.RefreshRecord{
		ID:         "0190c6a0-uuid-v7",
		Key:        "predlist:2025-04-01",
		Outcome:    statcache.OutcomeFetched,
		Attempts:   2,
		Source:     statcache.SourceLive,
		Digest:     "abc123",
		Changed:    true,
		StartedAt:  now,
		FinishedAt: now.Add(3 * time.Second),
	}

	mock.ExpectExec("INSERT INTO cache_refreshes").
		WithArgs(
			rec.ID,
			rec.Key,
			rec.Outcome,
			rec.Attempts,
			"live",
			rec.Digest,
			rec.Changed,
			(*string)(nil),
			rec.StartedAt,
			rec.FinishedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordRefresh(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRefreshPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRefreshStoreWithPool(mock, "audit")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO audit").WillReturnError(errors.New("connection reset"))

	err = store.RecordRefresh(context.Background(), statcache.RefreshRecord{
		ID:      "id-1",
		Key:     "s_nos:2025-04-01",
		Outcome: statcache.OutcomeFailed,
		ErrText: "render timeout",
	})
	require.ErrorContains(t, err, "insert refresh")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRefreshValidates(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRefreshStoreWithPool(mock, "")
	require.NoError(t, err)

	require.Error(t, store.RecordRefresh(context.Background(), statcache.RefreshRecord{Key: "k"}))
	require.Error(t, store.RecordRefresh(context.Background(), statcache.RefreshRecord{ID: "id"}))

	var nilStore *RefreshStore
	require.Error(t, nilStore.RecordRefresh(context.Background(), statcache.RefreshRecord{ID: "id", Key: "k"}))
	nilStore.Close()
}

func TestNewRefreshStoreWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewRefreshStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRefreshStoreWithPool(mock, "bad-name; DROP TABLE")
	require.Error(t, err)
}

func TestNewRefreshStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRefreshStore(context.Background(), RefreshStoreConfig{})
	require.ErrorContains(t, err, "db.dsn")

	_, err = NewRefreshStore(context.Background(), RefreshStoreConfig{DSN: "postgres://localhost/db", Table: "1bad"})
	require.ErrorContains(t, err, "invalid table name")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRefreshStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cache_refreshes").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentRefreshes(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRefreshStoreWithPool(mock, "")
	require.NoError(t, err)

	started := time.Unix(1700000000, 0).UTC()
	errText := "render timeout"
	rows := pgxmock.NewRows([]string{
		"id", "cache_key", "outcome", "attempts", "source", "payload_digest",
		"changed", "error_message", "started_at", "finished_at",
	}).AddRow("id-2", "predlist:2025-04-01", "stale", 3, "stale", "", false, &errText, started, started.Add(time.Second))

	mock.ExpectQuery("SELECT (.+) FROM cache_refreshes").
		WithArgs("predlist:2025-04-01", 20).
		WillReturnRows(rows)

	got, err := store.RecentRefreshes(context.Background(), "predlist:2025-04-01", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "id-2", got[0].ID)
	require.Equal(t, statcache.SourceStale, got[0].Source)
	require.Equal(t, 3, got[0].Attempts)
	require.Equal(t, errText, got[0].ErrText)
	require.NoError(t, mock.ExpectationsWereMet())
}
