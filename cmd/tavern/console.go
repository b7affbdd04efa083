package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"tavern/pkg/tavern"
)

// console renders bus events as terminal lines. It is the presentation layer
// of the process; everything it prints comes off the event bus or from the
// command loop.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

// Notice prints a local status line that did not travel over the bus.
func (c *console) Notice(text string) {
	c.printLine("* " + text)
}

// Render formats one bus event. It is registered as the console subscription
// handler and never returns an error; rendering problems are not actionable.
func (c *console) Render(_ context.Context, event *tavern.Event) error {
	switch event.Kind {
	case tavern.EventKindMessage, tavern.EventKindRoll, tavern.EventKindScene:
		c.printLine(formatMessage(event.Message))
	case tavern.EventKindRoomJoin:
		c.printLine(fmt.Sprintf("* joined %s", event.RoomID))
	case tavern.EventKindRoomLeave:
		c.printLine(fmt.Sprintf("* left %s", event.RoomID))
	case tavern.EventKindRoomState:
		c.printLine(fmt.Sprintf("* room state: %d members", len(event.RoomState.Members)))
	case tavern.EventKindError:
		c.printLine(fmt.Sprintf("! %s: %v", event.Err.Scope, event.Err.Err))
	}

	return nil
}

func (c *console) printLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(c.out, line)
}

func formatMessage(message *tavern.Message) string {
	var builder strings.Builder

	if message.Historical {
		builder.WriteString("~ ")
	}
	builder.WriteString("[")
	builder.WriteString(string(message.Type))
	builder.WriteString("] ")

	if message.Sender != "" {
		builder.WriteString(string(message.Sender))
		if message.PowerLevel > 0 {
			fmt.Fprintf(&builder, "(%d)", message.PowerLevel)
		}
		builder.WriteString(": ")
	}

	if message.Redacted {
		builder.WriteString("(deleted)")
		return builder.String()
	}

	builder.WriteString(message.Body)

	return builder.String()
}
