package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"

	"tavern/pkg/tavern"
)

// Session is the persisted single-slot session: token credentials, the
// login identity kept for token-expiry fallback, and the last-joined room.
type Session struct {
	Creds    tavern.Credentials
	Username string
	Password string
	RoomID   id.RoomID
}

// SQLiteStore backs both the message-cache persister and the session slot
// with one SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// the schema.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			type TEXT NOT NULL,
			ts INTEGER NOT NULL,
			power_level INTEGER NOT NULL,
			roll TEXT,
			scene TEXT,
			historical INTEGER NOT NULL,
			self INTEGER NOT NULL,
			redacted INTEGER NOT NULL,
			UNIQUE(room_id, event_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session (
			slot INTEGER PRIMARY KEY CHECK (slot = 0),
			homeserver TEXT NOT NULL,
			user_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			room_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Insert stores one message record, ignoring duplicates by (room, event id).
func (s *SQLiteStore) Insert(ctx context.Context, message tavern.Message) error {
	rollJSON, err := marshalOptional(message.Roll)
	if err != nil {
		return fmt.Errorf("encode roll: %w", err)
	}
	sceneJSON, err := marshalOptional(message.Scene)
	if err != nil {
		return fmt.Errorf("encode scene: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(room_id, event_id, sender, body, type, ts, power_level, roll, scene, historical, self, redacted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(message.RoomID), string(message.ID), string(message.Sender),
		message.Body, string(message.Type), message.Timestamp.UnixMilli(),
		message.PowerLevel, rollJSON, sceneJSON,
		boolToInt(message.Historical), boolToInt(message.Self), boolToInt(message.Redacted),
	)
	if err != nil {
		return classifyStorageError("insert message", err)
	}

	return nil
}

// MarkRedacted raises the redacted flag on a stored record.
func (s *SQLiteStore) MarkRedacted(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET redacted = 1 WHERE room_id = ? AND event_id = ?
	`, string(roomID), string(eventID))
	if err != nil {
		return classifyStorageError("mark redacted", err)
	}

	return nil
}

// Trim retains only the newest keep records for a room.
func (s *SQLiteStore) Trim(ctx context.Context, roomID id.RoomID, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE room_id = ?
		  AND seq NOT IN (
			SELECT seq FROM messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?
		  )
	`, string(roomID), string(roomID), keep)
	if err != nil {
		return classifyStorageError("trim messages", err)
	}

	return nil
}

// Load returns all stored records grouped by room in insertion order.
func (s *SQLiteStore) Load(ctx context.Context) (map[id.RoomID][]tavern.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT room_id, event_id, sender, body, type, ts, power_level, roll, scene, historical, self, redacted
		FROM messages
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, classifyStorageError("load messages", err)
	}
	defer rows.Close()

	rooms := make(map[id.RoomID][]tavern.Message)
	for rows.Next() {
		var (
			roomID, eventID, sender, body, messageType string
			timestampMilli                             int64
			powerLevel                                 int
			rollJSON, sceneJSON                        sql.NullString
			historical, self, redacted                 int
		)
		if err := rows.Scan(
			&roomID, &eventID, &sender, &body, &messageType, &timestampMilli,
			&powerLevel, &rollJSON, &sceneJSON, &historical, &self, &redacted,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		message := tavern.Message{
			ID:         id.EventID(eventID),
			RoomID:     id.RoomID(roomID),
			Sender:     id.UserID(sender),
			Body:       body,
			Type:       tavern.MessageTypeFromTag(messageType),
			Timestamp:  time.UnixMilli(timestampMilli),
			PowerLevel: powerLevel,
			Historical: historical != 0,
			Self:       self != 0,
			Redacted:   redacted != 0,
		}
		if rollJSON.Valid && rollJSON.String != "" {
			roll := &tavern.Roll{}
			if err := json.Unmarshal([]byte(rollJSON.String), roll); err != nil {
				return nil, fmt.Errorf("decode roll for %s: %w", eventID, err)
			}
			message.Roll = roll
		}
		if sceneJSON.Valid && sceneJSON.String != "" {
			scene := &tavern.Scene{}
			if err := json.Unmarshal([]byte(sceneJSON.String), scene); err != nil {
				return nil, fmt.Errorf("decode scene for %s: %w", eventID, err)
			}
			message.Scene = scene
		}

		rooms[message.RoomID] = append(rooms[message.RoomID], message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return rooms, nil
}

// SaveSession persists the session in the single slot. The login identity
// is stored alongside the token so an expired token can fall back to a
// password re-login after a restart.
func (s *SQLiteStore) SaveSession(ctx context.Context, session Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO session (slot, homeserver, user_id, device_id, access_token, username, password, room_id, updated_at)
		VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.Creds.Homeserver, string(session.Creds.UserID), string(session.Creds.DeviceID),
		session.Creds.AccessToken, session.Username, session.Password,
		string(session.RoomID), time.Now().Unix())
	if err != nil {
		return classifyStorageError("save session", err)
	}

	return nil
}

// LoadSession returns the persisted session slot. found is false when no
// session has been saved.
func (s *SQLiteStore) LoadSession(ctx context.Context) (session Session, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT homeserver, user_id, device_id, access_token, username, password, room_id
		FROM session WHERE slot = 0
	`)

	var userID, deviceID, room string
	err = row.Scan(&session.Creds.Homeserver, &userID, &deviceID, &session.Creds.AccessToken,
		&session.Username, &session.Password, &room)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}

	session.Creds.UserID = id.UserID(userID)
	session.Creds.DeviceID = id.DeviceID(deviceID)
	session.RoomID = id.RoomID(room)

	return session, true, nil
}

// ClearSession deletes the session slot. Cached messages are untouched.
func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session WHERE slot = 0`); err != nil {
		return classifyStorageError("clear session", err)
	}

	return nil
}

// classifyStorageError tags capacity failures with ErrQuota so the cache can
// apply its prune-then-retry fallback.
func classifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}

	message := strings.ToLower(err.Error())
	if strings.Contains(message, "disk is full") || strings.Contains(message, "database or disk is full") {
		return fmt.Errorf("%s: %w: %v", op, tavern.ErrQuota, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func marshalOptional(value any) (sql.NullString, error) {
	switch typed := value.(type) {
	case *tavern.Roll:
		if typed == nil {
			return sql.NullString{}, nil
		}
	case *tavern.Scene:
		if typed == nil {
			return sql.NullString{}, nil
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}

	return 0
}
