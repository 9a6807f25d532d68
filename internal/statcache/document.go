package statcache

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// documentEntry is the persisted shape of an entry. The data and ts field
// names are shared with published snapshots.
type documentEntry struct {
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Source     Source          `json:"source,omitempty"`
	TTLMinutes int             `json:"ttl_minutes,omitempty"`
}

// DocumentDefaults fills fields missing from a decoded document.
type DocumentDefaults struct {
	TTLMinutes int
	Source     Source
	// ForceSource overrides whatever source the document carries.
	ForceSource bool
	// Now, when set, bounds every decoded timestamp. Stamps later than Now
	// are corrected; see correctFuture.
	Now time.Time
}

// kstOffset is how far ahead of UTC a Korea wall-clock stamp labelled
// +00:00 reads.
const kstOffset = 9 * time.Hour

// EncodeDocument renders the keyspace as a single JSON object keyed by cache key.
func EncodeDocument(entries KeySpace) ([]byte, error) {
	doc := make(map[string]documentEntry, len(entries))
	for key, entry := range entries {
		source := entry.Source
		if source == SourceStale {
			source = SourceLive
		}
		doc[key] = documentEntry{
			Data:       entry.Payload,
			TS:         entry.FetchedAt.UTC().Format(time.RFC3339Nano),
			Source:     source,
			TTLMinutes: entry.TTLMinutes,
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal cache document: %w", err)
	}
	return data, nil
}

// DecodeDocument parses a persisted document or published snapshot.
// Entries without a parseable timestamp are dropped.
func DecodeDocument(data []byte, defaults DocumentDefaults) (KeySpace, error) {
	var doc map[string]documentEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal cache document: %w", err)
	}
	if defaults.TTLMinutes <= 0 {
		defaults.TTLMinutes = DefaultTTLMinutes
	}
	if !defaults.Source.Valid() {
		defaults.Source = SourceRemote
	}
	out := make(KeySpace, len(doc))
	for key, raw := range doc {
		fetchedAt, ok := parseTimestamp(raw.TS)
		if !ok || key == "" {
			continue
		}
		if !defaults.Now.IsZero() {
			fetchedAt = correctFuture(raw.TS, fetchedAt, defaults.Now.UTC())
		}
		entry := Entry{
			Key:        key,
			Payload:    raw.Data,
			FetchedAt:  fetchedAt,
			TTLMinutes: raw.TTLMinutes,
			Source:     raw.Source,
		}
		if entry.TTLMinutes <= 0 {
			entry.TTLMinutes = defaults.TTLMinutes
		}
		if defaults.ForceSource || !entry.Source.Valid() || entry.Source == SourceStale {
			entry.Source = defaults.Source
		}
		out[key] = entry
	}
	return out, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 and zone-less ISO 8601 timestamps (read as UTC).
func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// correctFuture keeps a decoded timestamp from lying in the future. Upstream
// snapshot writers emit Korea wall-clock time with a +00:00 suffix; such a
// stamp is shifted back by the KST offset when that lands it at or before
// now. Anything still in the future is clamped to now.
func correctFuture(raw string, ts, now time.Time) time.Time {
	if !ts.After(now) {
		return ts
	}
	if strings.HasSuffix(raw, "+00:00") {
		if shifted := ts.Add(-kstOffset); !shifted.After(now) {
			return shifted
		}
	}
	return now
}
