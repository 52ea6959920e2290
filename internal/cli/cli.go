// Package cli parses micpin's command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandRun      Command = "run"
	CommandDevices  Command = "devices"
	CommandStatus   Command = "status"
	CommandMode     Command = "mode"
	CommandSelect   Command = "select"
	CommandPriority Command = "priority"
	CommandCapture  Command = "capture"
	CommandRecord   Command = "record"
	CommandDoctor   Command = "doctor"
	CommandVersion  Command = "version"
	CommandHelp     Command = "help"
)

// arity bounds the positional arguments each command accepts. max < 0 means
// unbounded.
type arity struct{ min, max int }

var validCommands = map[Command]arity{
	CommandRun:      {0, 0},
	CommandDevices:  {0, 0},
	CommandStatus:   {0, 0},
	CommandMode:     {1, 1},
	CommandSelect:   {1, 1},
	CommandPriority: {1, -1},
	CommandCapture:  {1, 1},
	CommandRecord:   {1, 2},
	CommandDoctor:   {0, 0},
	CommandVersion:  {0, 0},
	CommandHelp:     {0, 0},
}

type Parsed struct {
	Command    Command
	Args       []string
	ConfigPath string
	ShowHelp   bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			bounds, ok := validCommands[cmd]
			if !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			rest := args[i+1:]
			if len(rest) > 0 && bounds.max == 0 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
			if len(rest) < bounds.min || (bounds.max > 0 && len(rest) > bounds.max) {
				return Parsed{}, fmt.Errorf("wrong number of arguments for %q", arg)
			}
			if err := validateArgs(cmd, rest); err != nil {
				return Parsed{}, err
			}

			parsed.Command = cmd
			parsed.Args = rest
			parsed.ShowHelp = cmd == CommandHelp
			return parsed, nil
		}
	}

	return parsed, nil
}

func validateArgs(cmd Command, args []string) error {
	switch cmd {
	case CommandPriority:
		switch args[0] {
		case "set":
			return nil
		case "add", "remove":
			if len(args) != 2 {
				return fmt.Errorf("priority %s takes exactly one uid", args[0])
			}
			return nil
		default:
			return fmt.Errorf("unknown priority action: %s", args[0])
		}
	case CommandCapture:
		if args[0] != "start" && args[0] != "stop" {
			return fmt.Errorf("unknown capture action: %s", args[0])
		}
	}
	return nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] <command> [args]

Commands:
  run                            Start the daemon (selection, IPC, health, metrics)
  devices                        List input devices with stability verdicts
  status                         Print selection and capture state
  mode <system_default|custom|prioritized>
                                 Switch the selection strategy
  select <uid>                   Pin an input device
  priority set <uid>...          Replace the priority list
  priority add|remove <uid>      Edit the priority list
  capture start|stop             Control capture in the running daemon
  record <path.wav> [seconds]    Capture to a WAV file
  doctor                         Run configuration and audio checks
  version                        Print version information
  help                           Show this help

Flags:
  --config PATH   Config file path (default: $XDG_CONFIG_HOME/micpin/config.jsonc)
  -h, --help      Show help
  --version       Show version
`, binaryName)
}
