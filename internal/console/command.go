package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Console errors.
var (
	ErrUnknownCommand = errors.New("console: unknown command")
	ErrUsage          = errors.New("console: invalid arguments")
)

// Verb names a console command.
type Verb string

// Console verbs.
const (
	VerbStatus  Verb = "status"
	VerbOn      Verb = "on"
	VerbOff     Verb = "off"
	VerbToggle  Verb = "toggle"
	VerbPulse   Verb = "pulse"
	VerbScan    Verb = "scan"
	VerbModules Verb = "modules"
	VerbHistory Verb = "history"
	VerbHelp    Verb = "help"
	VerbQuit    Verb = "quit"
)

// Command is one parsed console line.
type Command struct {
	Verb    Verb
	Channel int
	Hold    time.Duration

	// Arg is the optional filter of modules (serial) and history (action).
	Arg string
}

// aliases maps accepted spellings to verbs.
var aliases = map[string]Verb{
	"status":  VerbStatus, "s": VerbStatus,
	"on":      VerbOn,
	"off":     VerbOff,
	"toggle":  VerbToggle, "t": VerbToggle,
	"pulse":   VerbPulse, "p": VerbPulse,
	"scan":    VerbScan,
	"modules": VerbModules, "m": VerbModules,
	"history": VerbHistory, "h": VerbHistory,
	"help":    VerbHelp, "?": VerbHelp,
	"quit":    VerbQuit, "exit": VerbQuit, "q": VerbQuit,
}

// ParseCommand parses a console line. A blank line yields a zero Command
// and no error.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}

	verb, ok := aliases[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	args := fields[1:]
	cmd := Command{Verb: verb}

	switch verb {
	case VerbStatus, VerbScan, VerbHelp, VerbQuit:
		if len(args) != 0 {
			return Command{}, fmt.Errorf("%w: %s takes no arguments", ErrUsage, verb)
		}
		return cmd, nil

	case VerbModules, VerbHistory:
		if len(args) > 1 {
			return Command{}, fmt.Errorf("%w: %s takes at most one argument", ErrUsage, verb)
		}
		if len(args) == 1 {
			cmd.Arg = args[0]
		}
		if verb == VerbHistory {
			cmd.Arg = strings.ToLower(cmd.Arg)
		}
		return cmd, nil

	case VerbOff, VerbToggle:
		if len(args) != 1 {
			return Command{}, fmt.Errorf("%w: usage: %s <channel>", ErrUsage, verb)
		}

	case VerbOn:
		if len(args) < 1 || len(args) > 2 {
			return Command{}, fmt.Errorf("%w: usage: on <channel> [hold]", ErrUsage)
		}

	case VerbPulse:
		if len(args) != 2 {
			return Command{}, fmt.Errorf("%w: usage: pulse <channel> <duration>", ErrUsage)
		}
	}

	if len(args) > 0 {
		ch, err := strconv.Atoi(args[0])
		if err != nil || ch < 1 {
			return Command{}, fmt.Errorf("%w: channel %q", ErrUsage, args[0])
		}
		cmd.Channel = ch
	}

	if len(args) > 1 {
		d, err := time.ParseDuration(args[1])
		if err != nil || d <= 0 {
			return Command{}, fmt.Errorf("%w: duration %q", ErrUsage, args[1])
		}
		cmd.Hold = d
	}

	return cmd, nil
}
