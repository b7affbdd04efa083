package tavern

import (
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// EventKind identifies a bus event channel.
type EventKind string

const (
	// EventKindMessage carries chat, game, narrate, and system messages.
	EventKindMessage EventKind = "message"
	// EventKindRoll carries dice roll results.
	EventKindRoll EventKind = "roll"
	// EventKindScene carries scene markers.
	EventKindScene EventKind = "scene"
	// EventKindError carries non-fatal failures surfaced to the presentation layer.
	EventKindError EventKind = "error"
	// EventKindRoomJoin is emitted after the client joins a room.
	EventKindRoomJoin EventKind = "room.join"
	// EventKindRoomLeave is emitted after the client leaves a room.
	EventKindRoomLeave EventKind = "room.leave"
	// EventKindRoomState is emitted when member power levels are refreshed.
	EventKindRoomState EventKind = "room.state"
)

// MessageType identifies the semantic channel of one message.
type MessageType string

const (
	// MessageTypeChat is an out-of-character chat message.
	MessageTypeChat MessageType = "chat"
	// MessageTypeGame is an in-character game message.
	MessageTypeGame MessageType = "game"
	// MessageTypeNarrate is third-person narration shown on the game channel.
	MessageTypeNarrate MessageType = "narrate"
	// MessageTypeScene is a scene boundary marker.
	MessageTypeScene MessageType = "scene"
	// MessageTypeRoll is a dice roll result.
	MessageTypeRoll MessageType = "roll"
	// MessageTypeSystem is a locally generated status or error notice.
	MessageTypeSystem MessageType = "system"
)

// MessageTypeFromTag normalizes a wire type tag into a MessageType.
//
// Unrecognized and absent tags classify as chat, matching the behavior
// remote peers already rely on.
func MessageTypeFromTag(tag string) MessageType {
	switch MessageType(tag) {
	case MessageTypeChat, MessageTypeGame, MessageTypeNarrate, MessageTypeScene, MessageTypeRoll, MessageTypeSystem:
		return MessageType(tag)
	default:
		return MessageTypeChat
	}
}

// KindForMessageType maps a message's semantic type to its bus channel.
//
// Rolls and scenes publish on dedicated channels; everything else is a
// generic message event.
func KindForMessageType(messageType MessageType) EventKind {
	switch messageType {
	case MessageTypeRoll:
		return EventKindRoll
	case MessageTypeScene:
		return EventKindScene
	default:
		return EventKindMessage
	}
}

// Roll carries one dice roll outcome with sender-computed derived stats.
type Roll struct {
	// Notation is the original roll request, for example "2d6".
	Notation string `json:"notation"`
	// Count is the number of dice rolled.
	Count int `json:"count"`
	// Sides is the number of faces per die.
	Sides int `json:"sides"`
	// Results holds each die value in roll order.
	Results []int `json:"results"`
	// Total is the sum of Results.
	Total int `json:"total"`
	// Hits is the number of even values in Results.
	Hits int `json:"hits"`
	// HighEven reports whether the highest result is even.
	HighEven bool `json:"high_even"`
	// LowEven reports whether the lowest result is even.
	LowEven bool `json:"low_even"`
}

// Scene carries one scene marker.
type Scene struct {
	// Name is the scene label.
	Name string `json:"name"`
}

// Payload is the structured application content attached to outgoing and
// incoming protocol messages. It is the application-level protocol layered
// on top of the transport message body.
type Payload struct {
	// Type tags the message's semantic channel on the wire.
	Type MessageType `json:"type"`
	// Roll carries roll data for roll-typed messages.
	Roll *Roll `json:"roll,omitempty"`
	// Scene carries the scene marker for scene-typed messages.
	Scene *Scene `json:"scene,omitempty"`
}

// Message is one typed, deduplicated chat record.
//
// Identity is (RoomID, ID); the client stores at most one Message per pair.
// A Message is mutated in place only to raise Redacted.
type Message struct {
	// ID is the protocol event id, globally unique per room.
	ID id.EventID
	// RoomID identifies the room the message belongs to.
	RoomID id.RoomID
	// Sender is the authoring user.
	Sender id.UserID
	// Body is the display text.
	Body string
	// Type is the semantic channel of the message.
	Type MessageType
	// Timestamp is the origin server timestamp.
	Timestamp time.Time
	// PowerLevel is the sender's power level at classification time.
	PowerLevel int
	// Roll carries roll data when Type is roll.
	Roll *Roll
	// Scene carries the scene marker when Type is scene.
	Scene *Scene
	// Historical reports whether the message arrived via backward pagination
	// or cache replay rather than the live timeline.
	Historical bool
	// Self reports whether the message was sent by the local session user.
	Self bool
	// Redacted reports whether the message has been retracted.
	Redacted bool
}

// RoomState is the full per-room member power map, replaced wholesale on
// every refresh.
type RoomState struct {
	// RoomID identifies the room the state belongs to.
	RoomID id.RoomID
	// PowerLevels maps member id to power level.
	PowerLevels map[id.UserID]int
	// Members lists currently joined members.
	Members []id.UserID
}

// ErrorReport carries one non-fatal failure for the error channel.
type ErrorReport struct {
	// Scope names the operation that failed.
	Scope string
	// Err is the underlying failure.
	Err error
}

// Event is the envelope delivered to bus subscribers.
//
// Message, RoomState, and Err are optional payload branches selected by Kind.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// RoomID identifies the room the event concerns, when room-scoped.
	RoomID id.RoomID
	// OccurredAt is when the event was produced.
	OccurredAt time.Time
	// Message carries the message payload for message, roll, and scene events.
	Message *Message
	// RoomState carries the state payload for room.state events.
	RoomState *RoomState
	// Err carries the failure payload for error events.
	Err *ErrorReport
}

// Validate checks event envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}

	return validatePayloadByKind(e)
}

// validatePayloadByKind enforces payload branch requirements for each event kind.
func validatePayloadByKind(e *Event) error {
	switch e.Kind {
	case EventKindMessage, EventKindRoll, EventKindScene:
		if e.Message == nil {
			return fmt.Errorf("%w: %s requires message payload", ErrInvalidEvent, e.Kind)
		}
	case EventKindRoomState:
		if e.RoomState == nil {
			return fmt.Errorf("%w: room.state requires state payload", ErrInvalidEvent)
		}
	case EventKindError:
		if e.Err == nil {
			return fmt.Errorf("%w: error event requires error payload", ErrInvalidEvent)
		}
	case EventKindRoomJoin, EventKindRoomLeave:
		if e.RoomID == "" {
			return fmt.Errorf("%w: %s requires room id", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
