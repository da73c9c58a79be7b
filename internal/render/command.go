package render

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a render opcode. It carries no payload; the worker reads every
// parameter from the renderer's own state at dispatch time.
type Command uint8

// Supported opcodes. ZoomOut is only issued by the zoom-out sequencer: it
// scales the renderer's zoom and then runs as a FastReset.
const (
	CommandUnknown Command = iota
	FullReset
	FastReset
	ComputeRoot
	ZoomOut
)

// ErrUnknownCommand reports a command name or opcode outside the closed set.
var ErrUnknownCommand = errors.New("unknown render command")

var commandNames = map[Command]string{
	FullReset:   "full-reset",
	FastReset:   "fast-reset",
	ComputeRoot: "compute-root",
	ZoomOut:     "zoom-out",
}

// String returns the wire name of the command.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// Valid reports whether the worker knows how to execute c.
func (c Command) Valid() bool {
	_, ok := commandNames[c]
	return ok
}

// Resolves returns the job kind that c executes as.
func (c Command) Resolves() Command {
	if c == ZoomOut {
		return FastReset
	}
	return c
}

// ParseCommand maps a user-facing name to an opcode. ZoomOut is reserved for
// the sequencer and is not accepted here.
func ParseCommand(name string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "full-reset", "full":
		return FullReset, nil
	case "fast-reset", "fast":
		return FastReset, nil
	case "compute-root", "root":
		return ComputeRoot, nil
	default:
		return CommandUnknown, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}
