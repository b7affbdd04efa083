// Package store holds the client's durable state: the per-room message
// cache and the persisted session slot.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

// MaxRoomRecords is the number of most-recent messages retained per room
// after pruning.
const MaxRoomRecords = 1000

// Persister mirrors cache mutations to durable storage.
//
// The in-memory cache is the read authority; persister failures degrade
// durability, never correctness.
type Persister interface {
	// Insert stores one message record.
	Insert(ctx context.Context, message tavern.Message) error
	// MarkRedacted raises the redacted flag on a stored record.
	MarkRedacted(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	// Trim retains only the newest keep records for a room.
	Trim(ctx context.Context, roomID id.RoomID, keep int) error
	// Load returns all stored records grouped by room in insertion order.
	Load(ctx context.Context) (map[id.RoomID][]tavern.Message, error)
	// Close releases underlying resources.
	Close() error
}

// Cache is the deduplicated, insertion-ordered message store for all rooms.
//
// Writes mirror to the Persister best-effort: a quota failure triggers one
// prune-then-retry, any other failure degrades that write to memory only,
// and the in-memory state stays valid throughout.
type Cache struct {
	mu        sync.Mutex
	rooms     map[id.RoomID][]tavern.Message
	seen      map[id.RoomID]map[id.EventID]struct{}
	persister Persister
	logger    *slog.Logger
}

// NewCache creates an empty cache mirroring to persister. A nil persister
// disables durability.
func NewCache(persister Persister, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		rooms:     make(map[id.RoomID][]tavern.Message),
		seen:      make(map[id.RoomID]map[id.EventID]struct{}),
		persister: persister,
		logger:    logger,
	}
}

// Rehydrate replaces the in-memory state with the persisted records.
func (c *Cache) Rehydrate(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}

	rooms, err := c.persister.Load(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms = make(map[id.RoomID][]tavern.Message, len(rooms))
	c.seen = make(map[id.RoomID]map[id.EventID]struct{}, len(rooms))
	for _, records := range rooms {
		for _, record := range records {
			c.insertLocked(record)
		}
	}

	return nil
}

// Put inserts a message iff no record in its room shares its event id.
// It reports whether the record was inserted.
func (c *Cache) Put(ctx context.Context, message tavern.Message) bool {
	c.mu.Lock()
	inserted := c.insertLocked(message)
	c.mu.Unlock()

	if inserted {
		c.persist(ctx, message.RoomID, func(persistCtx context.Context) error {
			return c.persister.Insert(persistCtx, message)
		})
	}

	return inserted
}

// Contains reports whether the room already holds the event id.
func (c *Cache) Contains(roomID id.RoomID, eventID id.EventID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.seen[roomID][eventID]
	return exists
}

// Get returns the room's records in insertion order. The result is a copy.
func (c *Cache) Get(roomID id.RoomID) []tavern.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]tavern.Message(nil), c.rooms[roomID]...)
}

// Len returns the room's current record count.
func (c *Cache) Len(roomID id.RoomID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.rooms[roomID])
}

// MarkRedacted flips the redacted flag on a matching record. It reports
// whether a record was found; an unknown id is a no-op.
func (c *Cache) MarkRedacted(ctx context.Context, roomID id.RoomID, eventID id.EventID) bool {
	c.mu.Lock()
	found := false
	records := c.rooms[roomID]
	for index := range records {
		if records[index].ID == eventID {
			records[index].Redacted = true
			found = true
			break
		}
	}
	c.mu.Unlock()

	if found {
		c.persist(ctx, roomID, func(persistCtx context.Context) error {
			return c.persister.MarkRedacted(persistCtx, roomID, eventID)
		})
	}

	return found
}

// LatestBySender returns the sender's most recent non-redacted record in the
// room, by insertion order.
func (c *Cache) LatestBySender(roomID id.RoomID, sender id.UserID) (tavern.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.rooms[roomID]
	for index := len(records) - 1; index >= 0; index-- {
		if records[index].Sender == sender && !records[index].Redacted {
			return records[index], true
		}
	}

	return tavern.Message{}, false
}

// Prune retains only the newest MaxRoomRecords records for the room,
// trimming oldest-first. It returns the number of records removed.
func (c *Cache) Prune(ctx context.Context, roomID id.RoomID) int {
	removed := c.pruneMemory(roomID)
	if removed > 0 && c.persister != nil {
		if err := c.persister.Trim(ctx, roomID, MaxRoomRecords); err != nil {
			c.logger.Warn("cache trim persist failed", "room_id", roomID, "error", err)
		}
	}

	return removed
}

// insertLocked appends the record unless its event id is already present.
func (c *Cache) insertLocked(message tavern.Message) bool {
	roomSeen, exists := c.seen[message.RoomID]
	if !exists {
		roomSeen = make(map[id.EventID]struct{})
		c.seen[message.RoomID] = roomSeen
	}
	if _, duplicate := roomSeen[message.ID]; duplicate {
		return false
	}

	roomSeen[message.ID] = struct{}{}
	c.rooms[message.RoomID] = append(c.rooms[message.RoomID], message)

	return true
}

// pruneMemory drops the oldest in-memory records beyond MaxRoomRecords.
func (c *Cache) pruneMemory(roomID id.RoomID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.rooms[roomID]
	excess := len(records) - MaxRoomRecords
	if excess <= 0 {
		return 0
	}

	for _, dropped := range records[:excess] {
		delete(c.seen[roomID], dropped.ID)
	}
	c.rooms[roomID] = append([]tavern.Message(nil), records[excess:]...)

	return excess
}

// persist runs one mutation against the persister with the quota fallback:
// a quota-classified failure triggers a prune of the room followed by one
// retry, and a second failure degrades that write to memory-only. Any other
// failure skips the fallback and is logged.
func (c *Cache) persist(ctx context.Context, roomID id.RoomID, mutate func(context.Context) error) {
	if c.persister == nil {
		return
	}

	err := mutate(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, tavern.ErrQuota) {
		c.logger.Warn("cache persist failed, record kept in memory only", "room_id", roomID, "error", err)
		return
	}

	c.logger.Warn("cache persist hit storage quota, pruning and retrying", "room_id", roomID, "error", err)
	c.pruneMemory(roomID)
	if trimErr := c.persister.Trim(ctx, roomID, MaxRoomRecords); trimErr != nil {
		c.logger.Warn("cache trim after persist failure failed", "room_id", roomID, "error", trimErr)
	}

	if retryErr := mutate(ctx); retryErr != nil {
		c.logger.Warn("cache persist retry failed, record kept in memory only", "room_id", roomID, "error", retryErr)
	}
}
