package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/statcache/internal/statcache"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New(0)
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "topic-a", msgs[0].Topic)
	require.Equal(t, "topic-b", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages must return a copy")
}

func TestPublisherCapacity(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for i := 0; i < 5; i++ {
		_, err := pub.Publish(context.Background(), "t", i)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "memory-4", msgs[0].ID)
	require.Equal(t, 4, msgs[1].Payload)
}

func TestPublisherEvents(t *testing.T) {
	t.Parallel()

	pub := New(10)
	ctx := context.Background()
	_, _ = pub.Publish(ctx, "t", statcache.RefreshEvent{Key: "predlist:2025-04-01"})
	_, _ = pub.Publish(ctx, "t", "not an event")
	_, _ = pub.Publish(ctx, "t", statcache.RefreshEvent{Key: "s_nos:2025-04-01"})

	require.Len(t, pub.Events(""), 2)
	got := pub.Events("s_nos:2025-04-01")
	require.Len(t, got, 1)
	require.Equal(t, "s_nos:2025-04-01", got[0].Key)
}
