package statcache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeDocumentLegacySnapshot(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"predlist:2025-04-01": {"ts": "2025-04-01T03:00:00.123456", "data": [{"s_no": "1"}]},
		"s_nos:2025-04-01": {"ts": "2025-04-01T03:00:00+00:00", "data": ["1", "2"]},
		"broken": {"data": []}
	}`)

	entries, err := DecodeDocument(raw, DocumentDefaults{TTLMinutes: 30})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entry := entries["predlist:2025-04-01"]
	require.Equal(t, SourceRemote, entry.Source)
	require.Equal(t, 30, entry.TTLMinutes)
	require.Equal(t, time.Date(2025, 4, 1, 3, 0, 0, 123456000, time.UTC), entry.FetchedAt)
	require.JSONEq(t, `[{"s_no": "1"}]`, string(entry.Payload))
}

func TestEncodeDecodeKeepsSourceAndTTL(t *testing.T) {
	t.Parallel()

	fetched := time.Date(2025, 4, 1, 3, 0, 0, 0, time.UTC)
	in := KeySpace{
		"predlist:2025-04-01": {Key: "predlist:2025-04-01", Payload: json.RawMessage(`[]`), FetchedAt: fetched, TTLMinutes: 10, Source: SourceLive},
		"s_nos:2025-04-01":    {Key: "s_nos:2025-04-01", Payload: json.RawMessage(`["1"]`), FetchedAt: fetched, TTLMinutes: 30, Source: SourceStale},
	}

	data, err := EncodeDocument(in)
	require.NoError(t, err)

	out, err := DecodeDocument(data, DocumentDefaults{Source: SourceLive})
	require.NoError(t, err)
	require.Equal(t, in["predlist:2025-04-01"], out["predlist:2025-04-01"])
	require.Equal(t, SourceLive, out["s_nos:2025-04-01"].Source)

	forced, err := DecodeDocument(data, DocumentDefaults{Source: SourceRemote, ForceSource: true})
	require.NoError(t, err)
	for _, entry := range forced {
		require.Equal(t, SourceRemote, entry.Source)
	}
}

func TestDecodeDocumentRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeDocument([]byte(`{"predlist:2025`), DocumentDefaults{})
	require.Error(t, err)
}

func TestDecodeDocumentCorrectsFutureTimestamps(t *testing.T) {
	t.Parallel()

	written := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	raw := []byte(`{
		"predlist:2025-04-01": {"ts": "2025-04-01T21:00:00+00:00", "data": []},
		"s_nos:2025-04-01": {"ts": "2025-04-02T09:00:00Z", "data": []},
		"predlist:2025-03-31": {"ts": "2025-03-31T21:00:00+00:00", "data": []}
	}`)

	entries, err := DecodeDocument(raw, DocumentDefaults{TTLMinutes: 30, Now: written})
	require.NoError(t, err)

	kst := entries["predlist:2025-04-01"]
	require.Equal(t, written, kst.FetchedAt)
	require.True(t, kst.IsFresh(written))
	require.False(t, kst.IsFresh(written.Add(5*time.Hour)))

	require.Equal(t, written, entries["s_nos:2025-04-01"].FetchedAt)
	require.Equal(t, time.Date(2025, 3, 31, 21, 0, 0, 0, time.UTC), entries["predlist:2025-03-31"].FetchedAt)

	unbounded, err := DecodeDocument(raw, DocumentDefaults{TTLMinutes: 30})
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 4, 1, 21, 0, 0, 0, time.UTC), unbounded["predlist:2025-04-01"].FetchedAt)
}
