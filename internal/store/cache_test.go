package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

const testRoom = id.RoomID("!room:example.org")

func testMessage(index int) tavern.Message {
	return tavern.Message{
		ID:        id.EventID(fmt.Sprintf("$event-%04d", index)),
		RoomID:    testRoom,
		Sender:    id.UserID("@alice:example.org"),
		Body:      fmt.Sprintf("message %d", index),
		Type:      tavern.MessageTypeChat,
		Timestamp: time.Unix(int64(1700000000+index), 0),
	}
}

func TestCachePutIsIdempotent(t *testing.T) {
	t.Parallel()

	cache := NewCache(nil, nil)
	message := testMessage(1)

	require.True(t, cache.Put(context.Background(), message))
	message.Body = "mutated duplicate"
	require.False(t, cache.Put(context.Background(), message))

	records := cache.Get(testRoom)
	require.Len(t, records, 1)
	assert.Equal(t, "message 1", records[0].Body)
}

func TestCacheGetReturnsInsertionOrderCopy(t *testing.T) {
	t.Parallel()

	cache := NewCache(nil, nil)
	for index := 0; index < 5; index++ {
		cache.Put(context.Background(), testMessage(index))
	}

	records := cache.Get(testRoom)
	require.Len(t, records, 5)
	for index, record := range records {
		assert.Equal(t, id.EventID(fmt.Sprintf("$event-%04d", index)), record.ID)
	}

	records[0].Body = "caller mutation"
	assert.Equal(t, "message 0", cache.Get(testRoom)[0].Body)

	assert.Empty(t, cache.Get(id.RoomID("!other:example.org")))
}

func TestCacheMarkRedacted(t *testing.T) {
	t.Parallel()

	cache := NewCache(nil, nil)
	for index := 0; index < 3; index++ {
		cache.Put(context.Background(), testMessage(index))
	}

	assert.False(t, cache.MarkRedacted(context.Background(), testRoom, "$unknown"), "unknown id must be a no-op")

	require.True(t, cache.MarkRedacted(context.Background(), testRoom, "$event-0001"))
	records := cache.Get(testRoom)
	assert.False(t, records[0].Redacted)
	assert.True(t, records[1].Redacted)
	assert.False(t, records[2].Redacted)
}

func TestCachePruneKeepsNewestThousand(t *testing.T) {
	t.Parallel()

	cache := NewCache(nil, nil)
	for index := 0; index < 1500; index++ {
		cache.Put(context.Background(), testMessage(index))
	}

	removed := cache.Prune(context.Background(), testRoom)
	assert.Equal(t, 500, removed)

	records := cache.Get(testRoom)
	require.Len(t, records, MaxRoomRecords)
	assert.Equal(t, id.EventID("$event-0500"), records[0].ID)
	assert.Equal(t, id.EventID("$event-1499"), records[len(records)-1].ID)

	// Pruned ids are forgotten, so the same event id can be re-inserted.
	assert.True(t, cache.Put(context.Background(), testMessage(0)))
}

func TestCacheLatestBySender(t *testing.T) {
	t.Parallel()

	cache := NewCache(nil, nil)
	alice := id.UserID("@alice:example.org")
	bob := id.UserID("@bob:example.org")

	first := testMessage(0)
	second := testMessage(1)
	second.Sender = bob
	third := testMessage(2)
	cache.Put(context.Background(), first)
	cache.Put(context.Background(), second)
	cache.Put(context.Background(), third)

	latest, found := cache.LatestBySender(testRoom, alice)
	require.True(t, found)
	assert.Equal(t, third.ID, latest.ID)

	// A redacted record is skipped.
	cache.MarkRedacted(context.Background(), testRoom, third.ID)
	latest, found = cache.LatestBySender(testRoom, alice)
	require.True(t, found)
	assert.Equal(t, first.ID, latest.ID)

	_, found = cache.LatestBySender(testRoom, id.UserID("@carol:example.org"))
	assert.False(t, found)
}

// flakyPersister fails a configurable number of Insert calls, then succeeds.
// Failures report the quota sentinel unless failErr overrides it.
type flakyPersister struct {
	failures int
	failErr  error
	inserts  []id.EventID
	trims    int
}

func (p *flakyPersister) Insert(_ context.Context, message tavern.Message) error {
	if p.failures > 0 {
		p.failures--
		if p.failErr != nil {
			return p.failErr
		}
		return fmt.Errorf("insert message: %w", tavern.ErrQuota)
	}
	p.inserts = append(p.inserts, message.ID)
	return nil
}

func (p *flakyPersister) MarkRedacted(context.Context, id.RoomID, id.EventID) error { return nil }

func (p *flakyPersister) Trim(context.Context, id.RoomID, int) error {
	p.trims++
	return nil
}

func (p *flakyPersister) Load(context.Context) (map[id.RoomID][]tavern.Message, error) {
	return nil, nil
}

func (p *flakyPersister) Close() error { return nil }

func TestCachePersistQuotaRetriesAfterPrune(t *testing.T) {
	t.Parallel()

	persister := &flakyPersister{failures: 1}
	cache := NewCache(persister, nil)

	require.True(t, cache.Put(context.Background(), testMessage(1)))
	assert.Equal(t, 1, persister.trims, "quota failure must trigger a trim before retry")
	require.Len(t, persister.inserts, 1)
	assert.Equal(t, id.EventID("$event-0001"), persister.inserts[0])
}

func TestCachePersistSecondFailureKeepsMemoryState(t *testing.T) {
	t.Parallel()

	persister := &flakyPersister{failures: 2}
	cache := NewCache(persister, nil)

	require.True(t, cache.Put(context.Background(), testMessage(1)))
	assert.Empty(t, persister.inserts, "both persist attempts failed")
	assert.Len(t, cache.Get(testRoom), 1, "in-memory record must survive persistence failure")
}

func TestCachePersistNonQuotaFailureSkipsFallback(t *testing.T) {
	t.Parallel()

	persister := &flakyPersister{failures: 1, failErr: errors.New("database locked")}
	cache := NewCache(persister, nil)

	require.True(t, cache.Put(context.Background(), testMessage(1)))
	assert.Zero(t, persister.trims, "non-quota failures must not trigger the prune fallback")
	assert.Empty(t, persister.inserts, "non-quota failures must not be retried")
	assert.Len(t, cache.Get(testRoom), 1, "in-memory record must survive persistence failure")
}

func TestCacheRehydrate(t *testing.T) {
	t.Parallel()

	var persistErr = errors.New("backend gone")
	t.Run("loads persisted records", func(t *testing.T) {
		t.Parallel()

		seeded := &flakyPersister{}
		cache := NewCache(seeded, nil)
		cache.Put(context.Background(), testMessage(0))

		restored := NewCache(&staticPersister{rooms: map[id.RoomID][]tavern.Message{
			testRoom: {testMessage(0), testMessage(1)},
		}}, nil)
		require.NoError(t, restored.Rehydrate(context.Background()))
		assert.Len(t, restored.Get(testRoom), 2)
		assert.False(t, restored.Put(context.Background(), testMessage(1)), "rehydrated ids must dedup")
	})

	t.Run("propagates load failure", func(t *testing.T) {
		t.Parallel()

		cache := NewCache(&staticPersister{loadErr: persistErr}, nil)
		assert.ErrorIs(t, cache.Rehydrate(context.Background()), persistErr)
	})
}

type staticPersister struct {
	flakyPersister
	rooms   map[id.RoomID][]tavern.Message
	loadErr error
}

func (p *staticPersister) Load(context.Context) (map[id.RoomID][]tavern.Message, error) {
	return p.rooms, p.loadErr
}
