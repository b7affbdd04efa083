package client

import (
	"context"
	"fmt"

	"tavern/pkg/dice"
	"tavern/pkg/tavern"
)

// CommandResult is the outcome of one processed input line. Command
// processing never panics and never returns a bare error; every failure is
// carried here for the presentation layer to render.
type CommandResult struct {
	// OK reports whether the command succeeded.
	OK bool
	// Info is an optional human-readable confirmation.
	Info string
	// Err is the failure cause when OK is false.
	Err error
}

func commandOK(info string) CommandResult {
	return CommandResult{OK: true, Info: info}
}

func commandFailed(err error) CommandResult {
	return CommandResult{Err: err}
}

// ProcessCommand interprets one input line and dispatches it.
//
// Slash-prefixed input (and the bare narrate form) runs the command grammar;
// anything else sends as an ordinary message of the hinted channel type.
func (c *Client) ProcessCommand(ctx context.Context, text string, channelHint tavern.MessageType) CommandResult {
	invocation, matched := tavern.ParseInvocation(text)
	if !matched {
		if channelHint == "" {
			channelHint = tavern.MessageTypeChat
		}
		if err := c.SendText(ctx, text, channelHint); err != nil {
			return commandFailed(fmt.Errorf("send: %w", err))
		}
		return commandOK("")
	}

	result := c.dispatch(ctx, invocation)
	if result.Err != nil {
		result.Err = fmt.Errorf("/%s: %w", invocation.Name, result.Err)
	}

	return result
}

func (c *Client) dispatch(ctx context.Context, invocation tavern.Invocation) CommandResult {
	// ParseInvocation matches any slash-prefixed keyword; reject ones
	// outside the grammar before touching client state.
	if !tavern.KnownCommand(invocation.Name) {
		return commandFailed(tavern.ErrUnknownCommand)
	}

	switch invocation.Name {
	case tavern.CommandLogin:
		if len(invocation.Args) != 2 {
			return commandFailed(fmt.Errorf("%w: usage: /login <username> <password>", tavern.ErrUsage))
		}
		if err := c.Login(ctx, invocation.Args[0], invocation.Args[1]); err != nil {
			return commandFailed(err)
		}
		return commandOK("logged in")

	case tavern.CommandJoin:
		if len(invocation.Args) < 1 || len(invocation.Args) > 2 {
			return commandFailed(fmt.Errorf("%w: usage: /join <room> [via]", tavern.ErrUsage))
		}
		via := ""
		if len(invocation.Args) == 2 {
			via = invocation.Args[1]
		}
		if err := c.Join(ctx, invocation.Args[0], via); err != nil {
			return commandFailed(err)
		}
		return commandOK("joined " + invocation.Args[0])

	case tavern.CommandLeave:
		if err := c.Leave(ctx); err != nil {
			return commandFailed(err)
		}
		return commandOK("left room")

	case tavern.CommandRoll:
		if len(invocation.Args) != 1 {
			return commandFailed(fmt.Errorf("%w: usage: /roll <count>d<sides>", tavern.ErrUsage))
		}
		result, err := dice.Roll(invocation.Args[0])
		if err != nil {
			return commandFailed(err)
		}
		roll := tavern.Roll{
			Notation: result.Notation,
			Count:    result.Count,
			Sides:    result.Sides,
			Results:  result.Results,
			Total:    result.Total,
			Hits:     result.Hits,
			HighEven: result.HighEven,
			LowEven:  result.LowEven,
		}
		if err := c.SendRoll(ctx, roll); err != nil {
			return commandFailed(err)
		}
		return commandOK("")

	case tavern.CommandScene:
		if invocation.Tail == "" {
			return commandFailed(fmt.Errorf("%w: usage: /scene <name>", tavern.ErrUsage))
		}
		if err := c.SendScene(ctx, invocation.Tail); err != nil {
			return commandFailed(err)
		}
		return commandOK("")

	case tavern.CommandNarrate:
		if invocation.Tail == "" {
			return commandFailed(fmt.Errorf("%w: usage: narrate <text>", tavern.ErrUsage))
		}
		if err := c.SendText(ctx, invocation.Tail, tavern.MessageTypeNarrate); err != nil {
			return commandFailed(err)
		}
		return commandOK("")

	case tavern.CommandDelete:
		if err := c.DeleteLatest(ctx); err != nil {
			return commandFailed(err)
		}
		return commandOK("message redacted")

	case tavern.CommandLogout:
		if err := c.Logout(ctx); err != nil {
			return commandFailed(err)
		}
		return commandOK("logged out")

	case tavern.CommandReset:
		if err := c.Reset(ctx); err != nil {
			return commandFailed(err)
		}
		return commandOK("session reset")

	default:
		// Unreachable: the KnownCommand guard admits only dispatched names.
		return commandFailed(tavern.ErrUnknownCommand)
	}
}
