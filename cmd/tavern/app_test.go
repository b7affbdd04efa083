package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"tavern/pkg/tavern"
)

func writeConfigFile(t *testing.T, path string, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    slog.Level
		wantErr bool
	}{
		{name: "debug", input: "debug", want: slog.LevelDebug},
		{name: "info", input: "info", want: slog.LevelInfo},
		{name: "warn", input: "warn", want: slog.LevelWarn},
		{name: "warning", input: "warning", want: slog.LevelWarn},
		{name: "error", input: "error", want: slog.LevelError},
		{name: "invalid", input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := parseLogLevel(testCase.input)
			if testCase.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if testCase.wantErr {
				return
			}
			if got != testCase.want {
				t.Fatalf("level = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Run("loads all supported fields from config file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tavern.json")
		writeConfigFile(t, configPath, `{
			"log_level":"warn",
			"homeserver":"https://matrix.example.org",
			"database_path":"state/tavern.db",
			"history":{
				"page_limit":50,
				"rate_limit_wait":"2s"
			},
			"bus":{
				"subscription_buffer":64,
				"handler_timeout":"7s",
				"shutdown_timeout":"15s"
			}
		}`)
		t.Setenv(envConfigFile, configPath)

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.logLevel != slog.LevelWarn {
			t.Fatalf("log level = %v, want %v", cfg.logLevel, slog.LevelWarn)
		}
		if cfg.homeserver != "https://matrix.example.org" {
			t.Fatalf("homeserver = %q", cfg.homeserver)
		}
		if cfg.databasePath != "state/tavern.db" {
			t.Fatalf("database path = %q", cfg.databasePath)
		}
		if cfg.pageLimit != 50 {
			t.Fatalf("page limit = %d, want 50", cfg.pageLimit)
		}
		if cfg.rateLimitWait != 2*time.Second {
			t.Fatalf("rate limit wait = %s, want 2s", cfg.rateLimitWait)
		}
		if cfg.subscriptionBuffer != 64 {
			t.Fatalf("subscription buffer = %d, want 64", cfg.subscriptionBuffer)
		}
		if cfg.handlerTimeout != 7*time.Second {
			t.Fatalf("handler timeout = %s, want 7s", cfg.handlerTimeout)
		}
		if cfg.shutdownTimeout != 15*time.Second {
			t.Fatalf("shutdown timeout = %s, want 15s", cfg.shutdownTimeout)
		}
	})

	t.Run("applies defaults for omitted fields", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tavern.json")
		writeConfigFile(t, configPath, `{"homeserver":"https://matrix.example.org"}`)
		t.Setenv(envConfigFile, configPath)

		cfg, err := loadConfig()
		if err != nil {
			t.Fatalf("load config failed: %v", err)
		}

		if cfg.logLevel != slog.LevelInfo {
			t.Fatalf("log level = %v, want info", cfg.logLevel)
		}
		if cfg.databasePath != defaultDatabasePath {
			t.Fatalf("database path = %q, want %q", cfg.databasePath, defaultDatabasePath)
		}
		if cfg.pageLimit != defaultPageLimit {
			t.Fatalf("page limit = %d, want %d", cfg.pageLimit, defaultPageLimit)
		}
		if cfg.rateLimitWait != defaultRateLimitWait {
			t.Fatalf("rate limit wait = %s, want %s", cfg.rateLimitWait, defaultRateLimitWait)
		}
		if cfg.subscriptionBuffer != defaultSubscriptionBuffer {
			t.Fatalf("subscription buffer = %d, want %d", cfg.subscriptionBuffer, defaultSubscriptionBuffer)
		}
	})

	t.Run("rejects missing homeserver", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tavern.json")
		writeConfigFile(t, configPath, `{"log_level":"info"}`)
		t.Setenv(envConfigFile, configPath)

		if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "homeserver") {
			t.Fatalf("load config error = %v, want homeserver error", err)
		}
	})

	t.Run("rejects non-http homeserver", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tavern.json")
		writeConfigFile(t, configPath, `{"homeserver":"matrix.example.org"}`)
		t.Setenv(envConfigFile, configPath)

		if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "http") {
			t.Fatalf("load config error = %v, want URL scheme error", err)
		}
	})

	t.Run("rejects invalid durations", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tavern.json")
		writeConfigFile(t, configPath, `{
			"homeserver":"https://matrix.example.org",
			"history":{"rate_limit_wait":"soon"}
		}`)
		t.Setenv(envConfigFile, configPath)

		if _, err := loadConfig(); err == nil {
			t.Fatal("expected parse error for bad duration")
		}
	})

	t.Run("rejects non-positive page limit", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "tavern.json")
		writeConfigFile(t, configPath, `{
			"homeserver":"https://matrix.example.org",
			"history":{"page_limit":0}
		}`)
		t.Setenv(envConfigFile, configPath)

		if _, err := loadConfig(); err == nil {
			t.Fatal("expected validation error for zero page limit")
		}
	})
}

func TestConsoleRender(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	roomID := id.RoomID("!tavern:example.org")

	tests := []struct {
		name  string
		event *tavern.Event
		want  string
	}{
		{
			name: "live chat message",
			event: &tavern.Event{
				ID: "$e1", Kind: tavern.EventKindMessage, RoomID: roomID, OccurredAt: now,
				Message: &tavern.Message{
					ID: "$e1", RoomID: roomID, Sender: "@gm:example.org",
					Body: "welcome in", Type: tavern.MessageTypeChat,
				},
			},
			want: "[chat] @gm:example.org: welcome in",
		},
		{
			name: "historical message with power level",
			event: &tavern.Event{
				ID: "$e2", Kind: tavern.EventKindMessage, RoomID: roomID, OccurredAt: now,
				Message: &tavern.Message{
					ID: "$e2", RoomID: roomID, Sender: "@gm:example.org",
					Body: "earlier", Type: tavern.MessageTypeGame,
					PowerLevel: 50, Historical: true,
				},
			},
			want: "~ [game] @gm:example.org(50): earlier",
		},
		{
			name: "redacted message body is hidden",
			event: &tavern.Event{
				ID: "$e3", Kind: tavern.EventKindMessage, RoomID: roomID, OccurredAt: now,
				Message: &tavern.Message{
					ID: "$e3", RoomID: roomID, Sender: "@gm:example.org",
					Body: "oops", Type: tavern.MessageTypeChat, Redacted: true,
				},
			},
			want: "[chat] @gm:example.org: (deleted)",
		},
		{
			name: "room join",
			event: &tavern.Event{
				ID: "$e4", Kind: tavern.EventKindRoomJoin, RoomID: roomID, OccurredAt: now,
			},
			want: "* joined !tavern:example.org",
		},
		{
			name: "room state",
			event: &tavern.Event{
				ID: "$e5", Kind: tavern.EventKindRoomState, RoomID: roomID, OccurredAt: now,
				RoomState: &tavern.RoomState{
					RoomID:  roomID,
					Members: []id.UserID{"@a:example.org", "@b:example.org"},
				},
			},
			want: "* room state: 2 members",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			c := newConsole(&out)
			if err := c.Render(context.Background(), test.event); err != nil {
				t.Fatalf("Render() failed: %v", err)
			}
			if got := strings.TrimRight(out.String(), "\n"); got != test.want {
				t.Fatalf("rendered %q, want %q", got, test.want)
			}
		})
	}
}
