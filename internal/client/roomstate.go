package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

// roomStateTracker caches member power levels per room.
//
// Each refresh replaces the room's map wholesale; a failed refresh leaves
// the previous state in place.
type roomStateTracker struct {
	protocol tavern.Protocol
	bus      tavern.EventBus
	logger   *slog.Logger

	mu     sync.RWMutex
	states map[id.RoomID]tavern.RoomState
}

func newRoomStateTracker(protocol tavern.Protocol, bus tavern.EventBus, logger *slog.Logger) *roomStateTracker {
	return &roomStateTracker{
		protocol: protocol,
		bus:      bus,
		logger:   logger,
		states:   make(map[id.RoomID]tavern.RoomState),
	}
}

// Refresh fetches power levels and joined members, replaces the room's
// state, and publishes a room.state event. On failure it publishes an error
// event and keeps the stale state.
func (t *roomStateTracker) Refresh(ctx context.Context, roomID id.RoomID) error {
	powerLevels, err := t.protocol.PowerLevels(ctx, roomID)
	if err != nil {
		t.reportFailure(ctx, roomID, fmt.Errorf("refresh power levels: %w", err))
		return err
	}
	members, err := t.protocol.JoinedMembers(ctx, roomID)
	if err != nil {
		t.reportFailure(ctx, roomID, fmt.Errorf("refresh members: %w", err))
		return err
	}

	state := tavern.RoomState{
		RoomID:      roomID,
		PowerLevels: powerLevels,
		Members:     members,
	}

	t.mu.Lock()
	t.states[roomID] = state
	t.mu.Unlock()

	t.publishState(ctx, state)

	return nil
}

// PowerLevel returns the cached power level for a member, zero when unknown.
func (t *roomStateTracker) PowerLevel(roomID id.RoomID, userID id.UserID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.states[roomID].PowerLevels[userID]
}

// Forget drops the cached state for a room.
func (t *roomStateTracker) Forget(roomID id.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.states, roomID)
}

func (t *roomStateTracker) publishState(ctx context.Context, state tavern.RoomState) {
	// Copy the maps so subscribers cannot mutate tracked state.
	published := tavern.RoomState{
		RoomID:      state.RoomID,
		PowerLevels: make(map[id.UserID]int, len(state.PowerLevels)),
		Members:     append([]id.UserID(nil), state.Members...),
	}
	for userID, level := range state.PowerLevels {
		published.PowerLevels[userID] = level
	}

	event := &tavern.Event{
		ID:         uuid.NewString(),
		Kind:       tavern.EventKindRoomState,
		RoomID:     state.RoomID,
		OccurredAt: time.Now().UTC(),
		RoomState:  &published,
	}
	if err := t.bus.Publish(ctx, event); err != nil {
		t.logger.Warn("publish room state failed", "room_id", state.RoomID, "error", err)
	}
}

func (t *roomStateTracker) reportFailure(ctx context.Context, roomID id.RoomID, err error) {
	t.logger.Warn("room state refresh failed", "room_id", roomID, "error", err)
	event := &tavern.Event{
		ID:         uuid.NewString(),
		Kind:       tavern.EventKindError,
		RoomID:     roomID,
		OccurredAt: time.Now().UTC(),
		Err:        &tavern.ErrorReport{Scope: "room state", Err: err},
	}
	if publishErr := t.bus.Publish(ctx, event); publishErr != nil {
		t.logger.Warn("publish room state error failed", "room_id", roomID, "error", publishErr)
	}
}
