package client

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

// messageFromTimeline classifies one protocol event into a Message. The same
// classification serves the live and historical paths so the two can never
// drift apart.
func (c *Client) messageFromTimeline(evt tavern.TimelineEvent, historical bool) tavern.Message {
	creds, _ := c.currentSession()

	return tavern.Message{
		ID:         evt.EventID,
		RoomID:     evt.RoomID,
		Sender:     evt.Sender,
		Body:       evt.Body,
		Type:       tavern.MessageTypeFromTag(string(evt.Payload.Type)),
		Timestamp:  evt.Timestamp,
		PowerLevel: c.state.PowerLevel(evt.RoomID, evt.Sender),
		Roll:       evt.Payload.Roll,
		Scene:      evt.Payload.Scene,
		Historical: historical,
		Self:       creds.UserID != "" && evt.Sender == creds.UserID,
		Redacted:   evt.Redacted,
	}
}

// handleTimeline multiplexes one live message event onto the bus.
//
// Events for rooms other than the joined one are dropped, and replayed event
// ids are ignored so optimistic local inserts and server echoes coexist.
func (c *Client) handleTimeline(ctx context.Context, evt tavern.TimelineEvent) {
	if evt.RoomID != c.CurrentRoom() {
		return
	}

	// Serialize against history pagination for this room.
	lock := c.roomLock(evt.RoomID)
	lock.Lock()
	defer lock.Unlock()

	if c.cache.Contains(evt.RoomID, evt.EventID) {
		return
	}

	message := c.messageFromTimeline(evt, false)
	if !c.cache.Put(ctx, message) {
		return
	}
	c.publishMessage(ctx, message)
}

// handleRedaction marks the referenced event redacted in the cache. No new
// message event is published; subscribers observe the flag on replay.
func (c *Client) handleRedaction(ctx context.Context, roomID id.RoomID, target id.EventID) {
	if roomID != c.CurrentRoom() {
		return
	}

	c.cache.MarkRedacted(ctx, roomID, target)
}

// handleStateChange refreshes room state after a membership or power-level
// event. The refresh result is published by the tracker itself.
func (c *Client) handleStateChange(ctx context.Context, roomID id.RoomID) {
	if roomID != c.CurrentRoom() {
		return
	}

	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	// Failure already surfaced on the error channel; stale state stays valid.
	_ = c.state.Refresh(refreshCtx, roomID)
}
