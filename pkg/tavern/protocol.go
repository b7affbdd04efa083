package tavern

import (
	"context"
	"time"

	"maunium.net/go/mautrix/id"
)

// Credentials are the persisted protocol session credentials.
type Credentials struct {
	// Homeserver is the base URL of the federated homeserver.
	Homeserver string
	// UserID is the fully qualified session user.
	UserID id.UserID
	// DeviceID identifies this client device.
	DeviceID id.DeviceID
	// AccessToken authenticates protocol requests.
	AccessToken string
}

// Valid reports whether the credentials can authenticate a request.
func (c Credentials) Valid() bool {
	return c.UserID != "" && c.AccessToken != ""
}

// TimelineEvent is one message event as delivered by the protocol layer,
// either live or from a history page.
type TimelineEvent struct {
	// EventID is the protocol-assigned unique event identifier.
	EventID id.EventID
	// RoomID identifies the room that carried the event.
	RoomID id.RoomID
	// Sender is the authoring user.
	Sender id.UserID
	// Timestamp is the origin server timestamp.
	Timestamp time.Time
	// Body is the display text of the message.
	Body string
	// Payload is the decoded structured application content.
	Payload Payload
	// Redacted reports whether the event was already retracted at fetch time.
	Redacted bool
}

// HistoryPage is one backward page of message events.
type HistoryPage struct {
	// Events holds the page's message events, newest first.
	Events []TimelineEvent
	// Next is the pagination token for the following backward page.
	Next string
	// More reports whether the server indicates further pages exist.
	More bool
}

// TimelineHandler consumes one live message event.
type TimelineHandler func(ctx context.Context, evt TimelineEvent)

// RedactionHandler consumes one live redaction of a prior event.
type RedactionHandler func(ctx context.Context, roomID id.RoomID, target id.EventID)

// StateChangeHandler consumes one live membership or power-level change.
type StateChangeHandler func(ctx context.Context, roomID id.RoomID)

// Protocol is the narrow port onto the federated-messaging client library.
//
// Implementations own transport and session concerns; the client wrapper
// never touches the underlying SDK directly. All blocking calls honor ctx.
type Protocol interface {
	// Login authenticates with username and password and returns fresh credentials.
	Login(ctx context.Context, username, password string) (Credentials, error)
	// Resume validates previously stored credentials for reuse.
	Resume(ctx context.Context, creds Credentials) error
	// Logout invalidates the current access token.
	Logout(ctx context.Context) error
	// JoinRoom joins a room by id or alias, optionally via a referring server.
	JoinRoom(ctx context.Context, roomIDOrAlias, via string) (id.RoomID, error)
	// LeaveRoom leaves a joined room.
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	// SendMessage sends a message event carrying body text and structured payload.
	SendMessage(ctx context.Context, roomID id.RoomID, body string, payload Payload) (id.EventID, error)
	// Redact retracts a previously sent event.
	Redact(ctx context.Context, roomID id.RoomID, target id.EventID) error
	// Messages fetches one backward page of message events. An empty from
	// token starts at the most recent point.
	Messages(ctx context.Context, roomID id.RoomID, from string, limit int) (HistoryPage, error)
	// PowerLevels fetches the room's member power-level map.
	PowerLevels(ctx context.Context, roomID id.RoomID) (map[id.UserID]int, error)
	// JoinedMembers fetches the room's joined member list.
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	// OnTimeline registers the live message event handler.
	OnTimeline(handler TimelineHandler)
	// OnRedaction registers the live redaction handler.
	OnRedaction(handler RedactionHandler)
	// OnStateChange registers the live membership/power-level change handler.
	OnStateChange(handler StateChangeHandler)
	// Sync runs the live event loop until ctx cancellation or fatal error.
	Sync(ctx context.Context) error
}
