package tavern

import (
	"errors"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"
)

func validMessageEvent() *Event {
	return &Event{
		ID:         "$evt-1",
		Kind:       EventKindMessage,
		RoomID:     "!room:example.org",
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
		Message: &Message{
			ID:     "$evt-1",
			RoomID: "!room:example.org",
			Sender: "@tester:example.org",
			Body:   "hello",
			Type:   MessageTypeChat,
		},
	}
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(e *Event)
		wantErr bool
	}{
		{
			name:   "valid message event",
			mutate: func(e *Event) {},
		},
		{
			name:    "nil event",
			mutate:  nil,
			wantErr: true,
		},
		{
			name:    "missing id",
			mutate:  func(e *Event) { e.ID = "" },
			wantErr: true,
		},
		{
			name:    "missing kind",
			mutate:  func(e *Event) { e.Kind = "" },
			wantErr: true,
		},
		{
			name:    "missing timestamp",
			mutate:  func(e *Event) { e.OccurredAt = time.Time{} },
			wantErr: true,
		},
		{
			name:    "message kind without message payload",
			mutate:  func(e *Event) { e.Message = nil },
			wantErr: true,
		},
		{
			name: "roll kind requires message payload",
			mutate: func(e *Event) {
				e.Kind = EventKindRoll
				e.Message = nil
			},
			wantErr: true,
		},
		{
			name: "room state without payload",
			mutate: func(e *Event) {
				e.Kind = EventKindRoomState
				e.Message = nil
			},
			wantErr: true,
		},
		{
			name: "error kind without report",
			mutate: func(e *Event) {
				e.Kind = EventKindError
				e.Message = nil
			},
			wantErr: true,
		},
		{
			name: "room join requires room id",
			mutate: func(e *Event) {
				e.Kind = EventKindRoomJoin
				e.Message = nil
				e.RoomID = ""
			},
			wantErr: true,
		},
		{
			name: "room leave with room id",
			mutate: func(e *Event) {
				e.Kind = EventKindRoomLeave
				e.Message = nil
			},
		},
		{
			name: "unsupported kind",
			mutate: func(e *Event) {
				e.Kind = "telemetry"
			},
			wantErr: true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var event *Event
			if test.mutate != nil {
				event = validMessageEvent()
				test.mutate(event)
			}

			err := event.Validate()
			if test.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("Validate() = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() failed: %v", err)
			}
		})
	}
}

func TestMessageTypeFromTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  string
		want MessageType
	}{
		{"chat", MessageTypeChat},
		{"game", MessageTypeGame},
		{"narrate", MessageTypeNarrate},
		{"scene", MessageTypeScene},
		{"roll", MessageTypeRoll},
		{"system", MessageTypeSystem},
		{"", MessageTypeChat},
		{"poke", MessageTypeChat},
		{"CHAT", MessageTypeChat},
	}

	for _, test := range tests {
		if got := MessageTypeFromTag(test.tag); got != test.want {
			t.Fatalf("MessageTypeFromTag(%q) = %q, want %q", test.tag, got, test.want)
		}
	}
}

func TestKindForMessageType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		messageType MessageType
		want        EventKind
	}{
		{MessageTypeChat, EventKindMessage},
		{MessageTypeGame, EventKindMessage},
		{MessageTypeNarrate, EventKindMessage},
		{MessageTypeSystem, EventKindMessage},
		{MessageTypeRoll, EventKindRoll},
		{MessageTypeScene, EventKindScene},
	}

	for _, test := range tests {
		if got := KindForMessageType(test.messageType); got != test.want {
			t.Fatalf("KindForMessageType(%q) = %q, want %q", test.messageType, got, test.want)
		}
	}
}

func TestInterestSetMatches(t *testing.T) {
	t.Parallel()

	event := validMessageEvent()

	tests := []struct {
		name     string
		interest InterestSet
		want     bool
	}{
		{"empty interest matches everything", InterestSet{}, true},
		{"matching kind", InterestSet{Kinds: []EventKind{EventKindMessage}}, true},
		{"non-matching kind", InterestSet{Kinds: []EventKind{EventKindRoll}}, false},
		{"matching room", InterestSet{Rooms: []string{"!room:example.org"}}, true},
		{"non-matching room", InterestSet{Rooms: []string{"!other:example.org"}}, false},
		{
			"kind matches but room does not",
			InterestSet{Kinds: []EventKind{EventKindMessage}, Rooms: []string{"!other:example.org"}},
			false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := test.interest.Matches(event); got != test.want {
				t.Fatalf("Matches() = %v, want %v", got, test.want)
			}
		})
	}

	if (InterestSet{}).Matches(nil) {
		t.Fatal("Matches(nil) = true, want false")
	}
}

func TestCredentialsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		creds Credentials
		want  bool
	}{
		{"complete", Credentials{UserID: id.UserID("@u:example.org"), AccessToken: "tok"}, true},
		{"missing token", Credentials{UserID: id.UserID("@u:example.org")}, false},
		{"missing user", Credentials{AccessToken: "tok"}, false},
		{"zero value", Credentials{}, false},
	}

	for _, test := range tests {
		if got := test.creds.Valid(); got != test.want {
			t.Fatalf("%s: Valid() = %v, want %v", test.name, got, test.want)
		}
	}
}
