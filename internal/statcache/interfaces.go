package statcache

import (
	"context"
	"time"
)

// Store is the durable keyspace. Get never waits on disk I/O; Put and
// PutAll commit atomically or leave the previous state intact.
type Store interface {
	Get(key string) (Entry, bool)
	Put(ctx context.Context, entry Entry) error
	PutAll(ctx context.Context, entries KeySpace) error
	LoadAll(ctx context.Context) (KeySpace, error)
	ListKeys() []string
	Inspect(key string) (Entry, bool)
}

// Fetcher performs one bounded acquisition attempt for a key. It never retries.
type Fetcher interface {
	Fetch(ctx context.Context, key string) FetchResult
}

// SnapshotSource retrieves a precomputed keyspace published elsewhere.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, url string, timeout time.Duration) (KeySpace, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher computes payload digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces identifiers for audit records.
type IDGenerator interface {
	NewID() (string, error)
}

// RefreshRecord describes the outcome of one live refresh.
type RefreshRecord struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Source     Source    `json:"source,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Changed    bool      `json:"changed"`
	ErrText    string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Refresh outcomes stored in RefreshRecord.Outcome.
const (
	OutcomeFetched  = "fetched"
	OutcomeStale    = "stale"
	OutcomeFailed   = "failed"
	OutcomeNotFound = "not_found"
)

// RefreshRecorder persists refresh outcomes for auditing.
type RefreshRecorder interface {
	RecordRefresh(ctx context.Context, record RefreshRecord) error
}

// Publisher pushes refresh events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RefreshEvent is the notification published after a successful live refresh.
type RefreshEvent struct {
	Key       string    `json:"key"`
	Source    Source    `json:"source"`
	Digest    string    `json:"digest"`
	Changed   bool      `json:"changed"`
	FetchedAt time.Time `json:"fetched_at"`
}
