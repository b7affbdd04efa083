package tavern

import (
	"context"
	"time"
)

// EventHandler processes a single bus event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink accepts events for dispatch to subscribers.
type EventSink interface {
	// Publish submits an event to downstream subscribers.
	Publish(ctx context.Context, event *Event) error
}

// InterestSet describes event selection criteria for one subscription.
type InterestSet struct {
	// Kinds restricts delivery to the listed kinds; empty matches everything.
	Kinds []EventKind
	// Rooms restricts delivery to events for the listed rooms; empty matches
	// every room.
	Rooms []string
}

// Matches reports whether an event satisfies the declared interest set.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}
	if len(i.Kinds) > 0 && !containsKind(i.Kinds, event.Kind) {
		return false
	}
	if len(i.Rooms) > 0 && !containsString(i.Rooms, string(event.RoomID)) {
		return false
	}

	return true
}

func containsKind(kinds []EventKind, kind EventKind) bool {
	for _, candidate := range kinds {
		if candidate == kind {
			return true
		}
	}

	return false
}

func containsString(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}

	return false
}

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures a single consumer subscription.
//
// Workers defaults to one so that a subscriber observes events in publish
// order; raise it only for handlers that do not depend on ordering.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventBus is the asynchronous pub/sub contract the client publishes through.
type EventBus interface {
	EventSink
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(ctx context.Context, interest InterestSet, spec SubscriptionSpec, handler EventHandler) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
