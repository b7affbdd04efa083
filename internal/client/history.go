package client

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

// loadPhase is the history loader's state machine position.
type loadPhase int

const (
	phaseIdle loadPhase = iota
	phasePaginating
	phaseBackoff
)

// loadHistory replays the room's cached records, then pulls backward pages
// of message events until the server reports no more pages or a page yields
// no new events. Pages arrive newest first, so fetched events collect into a
// backlog that is committed back to front once pagination settles; the cache
// and the bus only ever see chronological order.
//
// Rate-limit responses wait the server-specified (or default) delay and
// resume from the same token; any other failure terminates pagination for
// this join and is surfaced as a system message rather than an error return
// to the join flow.
func (c *Client) loadHistory(ctx context.Context, roomID id.RoomID) error {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	c.replayCache(ctx, roomID)

	// Event ids already classified in this run; pages can overlap at their
	// boundaries, and the cache alone cannot distinguish "seen this run"
	// from "seen ever".
	processed := make(map[id.EventID]struct{})
	var backlog []tavern.Message
	var loadErr error
	from := ""
	phase := phasePaginating

	for phase != phaseIdle {
		page, err := c.protocol.Messages(ctx, roomID, from, c.pageLimit)
		if err != nil {
			retryAfter, rateLimited := tavern.AsRateLimit(err)
			if !rateLimited {
				loadErr = err
				phase = phaseIdle
				continue
			}

			phase = phaseBackoff
			if retryAfter <= 0 {
				retryAfter = c.rateLimitWait
			}
			c.logger.Info("history pagination rate limited", "room_id", roomID, "retry_after", retryAfter)
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				return fmt.Errorf("load history %s: %w", roomID, ctx.Err())
			}
			phase = phasePaginating
			continue
		}

		newEvents := 0
		for _, evt := range page.Events {
			if evt.Redacted {
				continue
			}
			if _, seen := processed[evt.EventID]; seen {
				continue
			}
			processed[evt.EventID] = struct{}{}
			if c.cache.Contains(roomID, evt.EventID) {
				continue
			}

			backlog = append(backlog, c.messageFromTimeline(evt, true))
			newEvents++
		}

		// A page of only already-seen events is not retried; resuming from
		// the same point forever would loop on stale tokens.
		if !page.More || newEvents == 0 {
			phase = phaseIdle
			continue
		}
		from = page.Next
	}

	// The backlog holds events newest first; walking it in reverse restores
	// chronological insertion order, so pruning keeps the most recent
	// records. A failed page still commits the pages fetched before it.
	for index := len(backlog) - 1; index >= 0; index-- {
		message := backlog[index]
		if !c.cache.Put(ctx, message) {
			continue
		}
		c.publishMessage(ctx, message)
	}
	c.cache.Prune(ctx, roomID)

	if loadErr != nil {
		c.publishSystem(ctx, roomID, fmt.Sprintf("history load failed: %v", loadErr))
		return fmt.Errorf("load history %s: %w", roomID, loadErr)
	}

	return nil
}

// replayCache publishes the room's cached records, in cache order, tagged
// historical. Replay happens before any pagination result so subscribers
// see a stable prefix.
func (c *Client) replayCache(ctx context.Context, roomID id.RoomID) {
	for _, record := range c.cache.Get(roomID) {
		record.Historical = true
		c.publishMessage(ctx, record)
	}
}
