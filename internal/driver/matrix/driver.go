// Package matrix adapts the mautrix SDK to the protocol port. All SDK types
// stay inside this package; the rest of the repo sees only the port surface.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

// payloadKey is the custom content key carrying the structured roleplay
// payload inside ordinary m.room.message events.
const payloadKey = "org.tavern.payload"

// deviceDisplayName labels sessions created by this client on the homeserver.
const deviceDisplayName = "tavern"

// Driver is the mautrix-backed implementation of the protocol port.
//
// One Driver owns one homeserver connection. Handlers registered through the
// On* methods receive live sync events; they must be registered before Sync
// starts.
type Driver struct {
	logger *slog.Logger

	mu     sync.Mutex
	client *mautrix.Client

	handlersMu  sync.RWMutex
	timeline    tavern.TimelineHandler
	redaction   tavern.RedactionHandler
	stateChange tavern.StateChangeHandler
}

// NewDriver creates a driver for one homeserver. Credentials attach later
// through Login or Resume.
func NewDriver(homeserverURL string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("new matrix driver: %w", err)
	}

	d := &Driver{logger: logger, client: client}
	d.wireSyncer(client)

	return d, nil
}

// wireSyncer registers the driver's sync callbacks on a client.
func (d *Driver) wireSyncer(client *mautrix.Client) {
	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, d.onMessageEvent)
	syncer.OnEventType(event.EventRedaction, d.onRedactionEvent)
	syncer.OnEventType(event.StateMember, d.onStateEvent)
	syncer.OnEventType(event.StatePowerLevels, d.onStateEvent)
}

func (d *Driver) activeClient() *mautrix.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.client
}

// Login authenticates with password and returns the session credentials.
func (d *Driver) Login(ctx context.Context, username, password string) (tavern.Credentials, error) {
	client := d.activeClient()

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: username,
		},
		Password:                 password,
		InitialDeviceDisplayName: deviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return tavern.Credentials{}, mapProtocolError(tavern.ProtocolOpLogin, err)
	}

	d.logger.Info("matrix login succeeded", "user_id", resp.UserID, "device_id", resp.DeviceID)

	return tavern.Credentials{
		Homeserver:  client.HomeserverURL.String(),
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	}, nil
}

// Resume attaches stored credentials and validates them against the server.
func (d *Driver) Resume(ctx context.Context, creds tavern.Credentials) error {
	client := d.activeClient()
	if creds.Homeserver != "" && creds.Homeserver != client.HomeserverURL.String() {
		replacement, err := mautrix.NewClient(creds.Homeserver, creds.UserID, creds.AccessToken)
		if err != nil {
			return mapProtocolError(tavern.ProtocolOpLogin, err)
		}
		d.wireSyncer(replacement)
		d.mu.Lock()
		d.client = replacement
		d.mu.Unlock()
		client = replacement
	}

	client.UserID = creds.UserID
	client.DeviceID = creds.DeviceID
	client.AccessToken = creds.AccessToken

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return mapProtocolError(tavern.ProtocolOpLogin, err)
	}
	if whoami.UserID != creds.UserID {
		return &tavern.ProtocolError{
			Op:    tavern.ProtocolOpLogin,
			Kind:  tavern.ProtocolErrorKindAuth,
			Cause: fmt.Errorf("token belongs to %s, stored session is %s", whoami.UserID, creds.UserID),
		}
	}

	d.logger.Info("matrix session resumed", "user_id", creds.UserID)

	return nil
}

// Logout invalidates the current access token server-side.
func (d *Driver) Logout(ctx context.Context) error {
	client := d.activeClient()
	if _, err := client.Logout(ctx); err != nil {
		return mapProtocolError(tavern.ProtocolOpLogin, err)
	}
	client.AccessToken = ""

	return nil
}

// JoinRoom joins by room id or alias, optionally through a referring server.
func (d *Driver) JoinRoom(ctx context.Context, roomIDOrAlias, via string) (id.RoomID, error) {
	req := &mautrix.ReqJoinRoom{}
	if via != "" {
		req.Via = []string{via}
	}

	resp, err := d.activeClient().JoinRoom(ctx, roomIDOrAlias, req)
	if err != nil {
		return "", mapProtocolError(tavern.ProtocolOpJoin, err)
	}

	return resp.RoomID, nil
}

// LeaveRoom leaves a joined room.
func (d *Driver) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	if _, err := d.activeClient().LeaveRoom(ctx, roomID); err != nil {
		return mapProtocolError(tavern.ProtocolOpLeave, err)
	}

	return nil
}

// messageContent is the wire shape of one outgoing message: a standard text
// message with the structured payload under a namespaced key.
type messageContent struct {
	event.MessageEventContent
	Payload *tavern.Payload `json:"org.tavern.payload,omitempty"`
}

// SendMessage sends one m.room.message with the structured payload attached.
func (d *Driver) SendMessage(ctx context.Context, roomID id.RoomID, body string, payload tavern.Payload) (id.EventID, error) {
	content := messageContent{
		MessageEventContent: event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		},
		Payload: &payload,
	}

	resp, err := d.activeClient().SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		return "", mapProtocolError(tavern.ProtocolOpSend, err)
	}

	return resp.EventID, nil
}

// Redact retracts a previously sent event.
func (d *Driver) Redact(ctx context.Context, roomID id.RoomID, target id.EventID) error {
	if _, err := d.activeClient().RedactEvent(ctx, roomID, target); err != nil {
		return mapProtocolError(tavern.ProtocolOpRedact, err)
	}

	return nil
}

// Messages fetches one backward page of message events.
func (d *Driver) Messages(ctx context.Context, roomID id.RoomID, from string, limit int) (tavern.HistoryPage, error) {
	resp, err := d.activeClient().Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return tavern.HistoryPage{}, mapProtocolError(tavern.ProtocolOpMessages, err)
	}

	page := tavern.HistoryPage{
		Next: resp.End,
		More: resp.End != "",
	}
	for _, evt := range resp.Chunk {
		if evt.Type != event.EventMessage {
			continue
		}
		page.Events = append(page.Events, timelineEventFrom(evt))
	}

	return page, nil
}

// PowerLevels fetches the room's member power-level map.
func (d *Driver) PowerLevels(ctx context.Context, roomID id.RoomID) (map[id.UserID]int, error) {
	var content event.PowerLevelsEventContent
	if err := d.activeClient().StateEvent(ctx, roomID, event.StatePowerLevels, "", &content); err != nil {
		return nil, mapProtocolError(tavern.ProtocolOpState, err)
	}

	levels := make(map[id.UserID]int, len(content.Users))
	for userID, level := range content.Users {
		levels[userID] = level
	}

	return levels, nil
}

// JoinedMembers fetches the room's joined member list.
func (d *Driver) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := d.activeClient().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, mapProtocolError(tavern.ProtocolOpState, err)
	}

	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}

	return members, nil
}

// OnTimeline registers the live message handler.
func (d *Driver) OnTimeline(handler tavern.TimelineHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.timeline = handler
}

// OnRedaction registers the live redaction handler.
func (d *Driver) OnRedaction(handler tavern.RedactionHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.redaction = handler
}

// OnStateChange registers the live membership/power-level change handler.
func (d *Driver) OnStateChange(handler tavern.StateChangeHandler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.stateChange = handler
}

// Sync runs the live sync loop until ctx cancellation or fatal error.
func (d *Driver) Sync(ctx context.Context) error {
	if err := d.activeClient().SyncWithContext(ctx); err != nil {
		return mapProtocolError(tavern.ProtocolOpSync, err)
	}

	return nil
}

func (d *Driver) onMessageEvent(ctx context.Context, evt *event.Event) {
	d.handlersMu.RLock()
	handler := d.timeline
	d.handlersMu.RUnlock()
	if handler == nil {
		return
	}

	handler(ctx, timelineEventFrom(evt))
}

func (d *Driver) onRedactionEvent(ctx context.Context, evt *event.Event) {
	d.handlersMu.RLock()
	handler := d.redaction
	d.handlersMu.RUnlock()
	if handler == nil {
		return
	}

	target := evt.Redacts
	if target == "" {
		if content, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok {
			target = content.Redacts
		}
	}
	if target == "" {
		d.logger.Warn("redaction without target", "event_id", evt.ID, "room_id", evt.RoomID)
		return
	}

	handler(ctx, evt.RoomID, target)
}

func (d *Driver) onStateEvent(ctx context.Context, evt *event.Event) {
	d.handlersMu.RLock()
	handler := d.stateChange
	d.handlersMu.RUnlock()
	if handler == nil {
		return
	}

	handler(ctx, evt.RoomID)
}

// timelineEventFrom converts one SDK event into the port's timeline shape.
func timelineEventFrom(evt *event.Event) tavern.TimelineEvent {
	// History responses arrive unparsed; the syncer path is already parsed
	// and ParseRaw then reports that, which is fine either way.
	_ = evt.Content.ParseRaw(evt.Type)

	body := ""
	if content := evt.Content.AsMessage(); content != nil {
		body = content.Body
	}

	return tavern.TimelineEvent{
		EventID:   evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC(),
		Body:      body,
		Payload:   decodePayload(evt),
		Redacted:  evt.Unsigned.RedactedBecause != nil,
	}
}

// decodePayload extracts the namespaced structured payload from raw event
// content. Events without one decode to the zero payload, which downstream
// classification treats as plain chat.
func decodePayload(evt *event.Event) tavern.Payload {
	raw, exists := evt.Content.Raw[payloadKey]
	if !exists {
		return tavern.Payload{}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return tavern.Payload{}
	}

	var payload tavern.Payload
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return tavern.Payload{}
	}

	return payload
}
