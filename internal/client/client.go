// Package client implements the chat wrapper over the protocol port: session
// lifecycle, the slash-command surface, history loading, and live event
// multiplexing onto the event bus.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"

	"tavern/internal/store"
	"tavern/pkg/tavern"
)

const (
	// defaultPageLimit bounds each backward history page.
	defaultPageLimit = 100
	// defaultRateLimitWait applies when a rate-limit response carries no
	// retry-after hint.
	defaultRateLimitWait = 5 * time.Second
)

// SessionStore persists the single session slot across process runs.
type SessionStore interface {
	// SaveSession stores the credentials, login identity, and last-joined room.
	SaveSession(ctx context.Context, session store.Session) error
	// LoadSession returns the stored slot; found is false when empty.
	LoadSession(ctx context.Context) (session store.Session, found bool, err error)
	// ClearSession deletes the slot.
	ClearSession(ctx context.Context) error
}

// Config carries the constructor-supplied dependencies for a Client.
type Config struct {
	Protocol tavern.Protocol
	Bus      tavern.EventBus
	Cache    *store.Cache
	Sessions SessionStore
	Logger   *slog.Logger

	// PageLimit bounds each history page; zero selects the default.
	PageLimit int
	// RateLimitWait is the fallback backoff delay; zero selects the default.
	RateLimitWait time.Duration
}

// Client is the single-session chat wrapper.
//
// All state mutations go through the client's mutex; network operations
// suspend the caller until the protocol call resolves, and per-room
// pagination locks serialize historical replay against live insertion.
type Client struct {
	protocol      tavern.Protocol
	bus           tavern.EventBus
	cache         *store.Cache
	sessions      SessionStore
	logger        *slog.Logger
	state         *roomStateTracker
	pageLimit     int
	rateLimitWait time.Duration

	mu            sync.Mutex
	creds         tavern.Credentials
	username      string
	password      string
	roomID        id.RoomID
	resumeBlocked bool

	roomLocksMu sync.Mutex
	roomLocks   map[id.RoomID]*sync.Mutex
}

// New creates a client and registers its live event handlers on the protocol
// port. The client does not start the sync loop; callers run Run themselves.
func New(cfg Config) (*Client, error) {
	if cfg.Protocol == nil {
		return nil, fmt.Errorf("new client: nil protocol")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("new client: nil bus")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("new client: nil cache")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("new client: nil session store")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = defaultRateLimitWait
	}

	c := &Client{
		protocol:      cfg.Protocol,
		bus:           cfg.Bus,
		cache:         cfg.Cache,
		sessions:      cfg.Sessions,
		logger:        cfg.Logger,
		pageLimit:     cfg.PageLimit,
		rateLimitWait: cfg.RateLimitWait,
		roomLocks:     make(map[id.RoomID]*sync.Mutex),
	}
	c.state = newRoomStateTracker(cfg.Protocol, cfg.Bus, cfg.Logger)

	c.protocol.OnTimeline(c.handleTimeline)
	c.protocol.OnRedaction(c.handleRedaction)
	c.protocol.OnStateChange(c.handleStateChange)

	return c, nil
}

// Run executes the protocol sync loop until ctx cancellation or fatal error.
func (c *Client) Run(ctx context.Context) error {
	if err := c.protocol.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run sync: %w", err)
	}

	return nil
}

// Login authenticates with username and password and persists the session.
// The login identity persists alongside the token for token-expiry fallback.
func (c *Client) Login(ctx context.Context, username, password string) error {
	creds, err := c.protocol.Login(ctx, username, password)
	if err != nil {
		return fmt.Errorf("login %s: %w", username, err)
	}

	c.mu.Lock()
	c.creds = creds
	c.username = username
	c.password = password
	c.resumeBlocked = false
	roomID := c.roomID
	c.mu.Unlock()

	c.saveSession(ctx, creds, roomID)
	c.logger.Info("logged in", "user_id", creds.UserID)

	return nil
}

// AutoResume restores a persisted session if one exists and resume has not
// been blocked by an explicit reset. A token rejection falls back to a
// password re-login with the stored identity; any other resume failure is
// surfaced without a login attempt. It reports whether a session became
// active; joining the stored room happens as part of the resume.
func (c *Client) AutoResume(ctx context.Context) (bool, error) {
	c.mu.Lock()
	blocked := c.resumeBlocked
	c.mu.Unlock()
	if blocked {
		return false, nil
	}

	session, found, err := c.sessions.LoadSession(ctx)
	if err != nil {
		return false, fmt.Errorf("auto resume: %w", err)
	}
	if !found || !session.Creds.Valid() {
		return false, nil
	}

	c.mu.Lock()
	c.username, c.password = session.Username, session.Password
	c.mu.Unlock()

	if err := c.protocol.Resume(ctx, session.Creds); err != nil {
		if !errors.Is(err, tavern.ErrAuth) {
			return false, fmt.Errorf("auto resume: %w", err)
		}
		if recovered, loginErr := c.relogin(ctx); loginErr != nil || !recovered {
			return false, fmt.Errorf("auto resume: %w", err)
		}
	} else {
		c.mu.Lock()
		c.creds = session.Creds
		c.mu.Unlock()
	}

	c.logger.Info("session resumed", "user_id", session.Creds.UserID)
	if session.RoomID != "" {
		if err := c.Join(ctx, string(session.RoomID), ""); err != nil {
			c.publishError(ctx, "resume join", err)
		}
	}

	return true, nil
}

// relogin retries authentication with the stored username/password after a
// token rejection. It reports whether a fallback was attempted.
func (c *Client) relogin(ctx context.Context) (bool, error) {
	c.mu.Lock()
	username, password := c.username, c.password
	c.mu.Unlock()
	if username == "" || password == "" {
		return false, nil
	}

	if err := c.Login(ctx, username, password); err != nil {
		return true, err
	}

	return true, nil
}

// Join joins a room by id or alias, refreshes its state, and loads history.
func (c *Client) Join(ctx context.Context, roomIDOrAlias, via string) error {
	c.mu.Lock()
	creds := c.creds
	c.mu.Unlock()
	if !creds.Valid() {
		return tavern.ErrNotLoggedIn
	}

	roomID, err := c.protocol.JoinRoom(ctx, roomIDOrAlias, via)
	if err != nil {
		return fmt.Errorf("join %s: %w", roomIDOrAlias, err)
	}

	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
	c.saveSession(ctx, creds, roomID)
	c.publishRoomEvent(ctx, tavern.EventKindRoomJoin, roomID)

	if err := c.state.Refresh(ctx, roomID); err != nil {
		c.logger.Warn("room state refresh failed after join", "room_id", roomID, "error", err)
	}
	if err := c.loadHistory(ctx, roomID); err != nil {
		c.logger.Warn("history load terminated", "room_id", roomID, "error", err)
	}

	return nil
}

// Leave leaves the current room and clears the stored room id.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return tavern.ErrNotInRoom
	}

	if err := c.protocol.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leave %s: %w", roomID, err)
	}

	c.mu.Lock()
	c.roomID = ""
	c.mu.Unlock()
	c.state.Forget(roomID)
	c.saveSession(ctx, creds, "")
	c.publishRoomEvent(ctx, tavern.EventKindRoomLeave, roomID)

	return nil
}

// Logout invalidates the session but keeps the cache and last room.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	creds := c.creds
	roomID := c.roomID
	c.creds = tavern.Credentials{}
	c.username = ""
	c.password = ""
	c.mu.Unlock()

	if creds.Valid() {
		if err := c.protocol.Logout(ctx); err != nil {
			c.logger.Warn("logout request failed", "error", err)
		}
	}
	c.saveSession(ctx, tavern.Credentials{}, roomID)

	return nil
}

// Reset clears session and room state and blocks auto-resume for the
// remainder of the process lifetime.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.creds = tavern.Credentials{}
	c.username = ""
	c.password = ""
	c.roomID = ""
	c.resumeBlocked = true
	c.mu.Unlock()

	if err := c.sessions.ClearSession(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	return nil
}

// CurrentRoom returns the joined room id, empty when not in a room.
func (c *Client) CurrentRoom() id.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.roomID
}

// currentSession returns the active credentials and room under one lock.
func (c *Client) currentSession() (tavern.Credentials, id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.creds, c.roomID
}

// send sends one message event and performs the optimistic local insert.
// The live echo of the same event id deduplicates against the cache.
func (c *Client) send(ctx context.Context, body string, payload tavern.Payload) error {
	creds, roomID := c.currentSession()
	if !creds.Valid() {
		return tavern.ErrNotLoggedIn
	}
	if roomID == "" {
		return tavern.ErrNotInRoom
	}

	eventID, err := c.protocol.SendMessage(ctx, roomID, body, payload)
	if err != nil {
		return fmt.Errorf("send %s message: %w", payload.Type, err)
	}

	message := tavern.Message{
		ID:         eventID,
		RoomID:     roomID,
		Sender:     creds.UserID,
		Body:       body,
		Type:       tavern.MessageTypeFromTag(string(payload.Type)),
		Timestamp:  time.Now().UTC(),
		PowerLevel: c.state.PowerLevel(roomID, creds.UserID),
		Roll:       payload.Roll,
		Scene:      payload.Scene,
		Self:       true,
	}
	if c.cache.Put(ctx, message) {
		c.publishMessage(ctx, message)
	}

	return nil
}

// SendText sends plain text on the given semantic channel.
func (c *Client) SendText(ctx context.Context, body string, messageType tavern.MessageType) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: empty message", tavern.ErrUsage)
	}

	return c.send(ctx, body, tavern.Payload{Type: messageType})
}

// SendRoll rolls the notation and sends the result with derived stats.
func (c *Client) SendRoll(ctx context.Context, roll tavern.Roll) error {
	body := formatRollBody(roll)

	return c.send(ctx, body, tavern.Payload{Type: tavern.MessageTypeRoll, Roll: &roll})
}

// SendScene sends a scene marker.
func (c *Client) SendScene(ctx context.Context, name string) error {
	scene := tavern.Scene{Name: name}

	return c.send(ctx, "Scene: "+name, tavern.Payload{Type: tavern.MessageTypeScene, Scene: &scene})
}

// DeleteLatest redacts the session user's most recent message in the room.
func (c *Client) DeleteLatest(ctx context.Context) error {
	creds, roomID := c.currentSession()
	if roomID == "" {
		return tavern.ErrNotInRoom
	}

	latest, found := c.cache.LatestBySender(roomID, creds.UserID)
	if !found {
		return fmt.Errorf("delete: no message to redact")
	}

	if err := c.protocol.Redact(ctx, roomID, latest.ID); err != nil {
		return fmt.Errorf("delete %s: %w", latest.ID, err)
	}
	c.cache.MarkRedacted(ctx, roomID, latest.ID)

	return nil
}

// roomLock returns the pagination mutex for a room, creating it on first use.
// The same lock serializes historical replay against live insertion so the
// two paths never interleave for one room.
func (c *Client) roomLock(roomID id.RoomID) *sync.Mutex {
	c.roomLocksMu.Lock()
	defer c.roomLocksMu.Unlock()

	lock, exists := c.roomLocks[roomID]
	if !exists {
		lock = &sync.Mutex{}
		c.roomLocks[roomID] = lock
	}

	return lock
}

// saveSession persists the slot best-effort; failures are logged, never fatal.
func (c *Client) saveSession(ctx context.Context, creds tavern.Credentials, roomID id.RoomID) {
	c.mu.Lock()
	session := store.Session{
		Creds:    creds,
		Username: c.username,
		Password: c.password,
		RoomID:   roomID,
	}
	c.mu.Unlock()

	if err := c.sessions.SaveSession(ctx, session); err != nil {
		c.logger.Warn("session persist failed", "error", err)
	}
}

// publishMessage publishes one message under its semantic channel.
func (c *Client) publishMessage(ctx context.Context, message tavern.Message) {
	event := &tavern.Event{
		ID:         string(message.ID),
		Kind:       tavern.KindForMessageType(message.Type),
		RoomID:     message.RoomID,
		OccurredAt: time.Now().UTC(),
		Message:    &message,
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("publish message failed", "event_id", message.ID, "error", err)
	}
}

// publishSystem emits a locally generated system notice. System notices are
// not cached; they exist only for presentation.
func (c *Client) publishSystem(ctx context.Context, roomID id.RoomID, text string) {
	message := tavern.Message{
		ID:        id.EventID("$local:" + uuid.NewString()),
		RoomID:    roomID,
		Body:      text,
		Type:      tavern.MessageTypeSystem,
		Timestamp: time.Now().UTC(),
		Self:      true,
	}
	c.publishMessage(ctx, message)
}

// publishRoomEvent emits a room.join or room.leave event.
func (c *Client) publishRoomEvent(ctx context.Context, kind tavern.EventKind, roomID id.RoomID) {
	event := &tavern.Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		RoomID:     roomID,
		OccurredAt: time.Now().UTC(),
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("publish room event failed", "kind", kind, "error", err)
	}
}

// publishError reports a non-fatal failure on the error channel.
func (c *Client) publishError(ctx context.Context, scope string, err error) {
	event := &tavern.Event{
		ID:         uuid.NewString(),
		Kind:       tavern.EventKindError,
		RoomID:     c.CurrentRoom(),
		OccurredAt: time.Now().UTC(),
		Err:        &tavern.ErrorReport{Scope: scope, Err: err},
	}
	if publishErr := c.bus.Publish(ctx, event); publishErr != nil {
		c.logger.Warn("publish error event failed", "scope", scope, "error", publishErr)
	}
}

// formatRollBody renders the roll result as display text.
func formatRollBody(roll tavern.Roll) string {
	values := make([]string, len(roll.Results))
	for index, value := range roll.Results {
		values[index] = fmt.Sprintf("%d", value)
	}

	return fmt.Sprintf("rolled %s: %s (total %d, hits %d)",
		roll.Notation, strings.Join(values, " "), roll.Total, roll.Hits)
}
