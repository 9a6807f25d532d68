package statcache

import (
	"encoding/json"
	"time"
)

// Source records how an entry's payload was obtained.
type Source string

const (
	// SourceLive marks a payload scraped by this process.
	SourceLive Source = "live"
	// SourceRemote marks a payload copied from a remote snapshot.
	SourceRemote Source = "remote"
	// SourceStale marks an expired payload served because a refresh failed.
	SourceStale Source = "stale"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceLive, SourceRemote, SourceStale:
		return true
	default:
		return false
	}
}

// Mode selects how the coordinator acquires data on a cache miss.
type Mode string

const (
	// ModeCacheOnly never scrapes; misses are served from a remote snapshot.
	ModeCacheOnly Mode = "cache_only"
	// ModeLive scrapes on miss or expiry.
	ModeLive Mode = "live"
)

// DefaultTTLMinutes is the freshness window applied when none is configured.
const DefaultTTLMinutes = 30

// Entry is one cached payload. Entries are values; writers replace them
// and never mutate a stored entry in place.
type Entry struct {
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"data"`
	FetchedAt  time.Time       `json:"ts"`
	TTLMinutes int             `json:"ttl_minutes"`
	Source     Source          `json:"source"`
}

// TTL returns the entry's freshness window.
func (e Entry) TTL() time.Duration {
	return time.Duration(e.TTLMinutes) * time.Minute
}

// IsFresh reports whether now - FetchedAt is strictly less than the TTL.
func (e Entry) IsFresh(now time.Time) bool {
	if e.TTLMinutes <= 0 {
		return false
	}
	return now.Sub(e.FetchedAt) < e.TTL()
}

// Age returns how long ago the payload was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Clone returns a deep copy so callers can never alias stored payload bytes.
func (e Entry) Clone() Entry {
	out := e
	if e.Payload != nil {
		out.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return out
}

// WithSource returns a copy of the entry tagged with the given source.
func (e Entry) WithSource(source Source) Entry {
	out := e.Clone()
	out.Source = source
	return out
}

// KeySpace maps cache keys to their entries.
type KeySpace map[string]Entry

// Clone deep-copies the keyspace.
func (k KeySpace) Clone() KeySpace {
	out := make(KeySpace, len(k))
	for key, entry := range k {
		out[key] = entry.Clone()
	}
	return out
}

// FetchResult is the outcome of one fetch attempt.
type FetchResult struct {
	Payload   json.RawMessage
	Err       error
	Retryable bool
}

// Success builds a successful result.
func Success(payload json.RawMessage) FetchResult {
	return FetchResult{Payload: payload}
}

// Failure builds a failed result.
func Failure(err error, retryable bool) FetchResult {
	return FetchResult{Err: err, Retryable: retryable}
}

// OK reports whether the attempt produced a payload.
func (r FetchResult) OK() bool {
	return r.Err == nil
}
