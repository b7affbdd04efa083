package tavern

import "strings"

// CommandName identifies one recognized slash command keyword.
type CommandName string

const (
	// CommandLogin authenticates and establishes a session.
	CommandLogin CommandName = "login"
	// CommandJoin joins a room and loads its state and history.
	CommandJoin CommandName = "join"
	// CommandLeave leaves the current room.
	CommandLeave CommandName = "leave"
	// CommandRoll rolls dice and sends the formatted result.
	CommandRoll CommandName = "roll"
	// CommandScene sends a scene marker.
	CommandScene CommandName = "scene"
	// CommandNarrate sends narration text.
	CommandNarrate CommandName = "narrate"
	// CommandDelete redacts the sender's most recent message.
	CommandDelete CommandName = "delete"
	// CommandLogout clears the session but keeps the cache.
	CommandLogout CommandName = "logout"
	// CommandReset clears session and room and blocks auto-resume.
	CommandReset CommandName = "reset"
)

// KnownCommand reports whether name is a recognized command keyword.
func KnownCommand(name CommandName) bool {
	switch name {
	case CommandLogin, CommandJoin, CommandLeave, CommandRoll, CommandScene,
		CommandNarrate, CommandDelete, CommandLogout, CommandReset:
		return true
	default:
		return false
	}
}

// Invocation is one parsed command-looking input before dispatch.
type Invocation struct {
	// Name is the normalized command keyword; it may be unrecognized.
	Name CommandName
	// Args holds whitespace-split argument tokens.
	Args []string
	// Tail is the argument tokens rejoined by single spaces, for commands
	// that consume free text.
	Tail string
	// RawInput is the original untrimmed input text.
	RawInput string
}

// ParseInvocation parses one input line into a command invocation.
//
// matched is false when text is ordinary message content: no leading slash
// and no bare narrate keyword. An unrecognized keyword still matches so the
// dispatcher can reject it explicitly.
func ParseInvocation(text string) (invocation Invocation, matched bool) {
	invocation.RawInput = text

	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return invocation, false
	}

	header := fields[0]
	switch {
	case strings.HasPrefix(header, "/"):
		invocation.Name = CommandName(strings.ToLower(header[1:]))
	case strings.EqualFold(header, string(CommandNarrate)):
		// Bare narrate is the one prefix-free command form.
		invocation.Name = CommandNarrate
	default:
		return invocation, false
	}

	if len(fields) > 1 {
		invocation.Args = append([]string(nil), fields[1:]...)
	}
	invocation.Tail = strings.Join(invocation.Args, " ")

	return invocation, true
}
