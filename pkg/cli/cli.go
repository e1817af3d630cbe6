// Package cli implements the interactive operator loop. Observer COMMAND
// frames are translated through the same operations surface, so the GUI
// and the terminal always behave identically.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pterm/pterm"
)

// Operations is the surface the CLI drives; the node facade implements it.
// Every method returns the text shown to the operator.
type Operations interface {
	Status() string
	Peers() string
	Network() string
	Discover() string
	Start(topic string, choices []string, seconds int) string
	Vote(choice string) string
	Results() string
	Verify() string
	Debug() string
	CheckDuplicates() string
	WhoAmI() string
	GUIInfo() string
}

// NewLoop creates an operator loop reading from in.
func NewLoop(ops Operations, in io.Reader, logger *slog.Logger) (*Loop, error) {
	if ops == nil {
		return nil, fmt.Errorf("new cli loop, operations is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("new cli loop, logger is nil")
	}
	return &Loop{
		ops:    ops,
		in:     in,
		logger: logger.With("component", "cli"),
	}, nil
}

// Loop is the interactive command loop.
type Loop struct {
	ops    Operations
	in     io.Reader
	logger *slog.Logger
}

// Run reads one line at a time until quit or EOF.
func (l *Loop) Run() {
	pterm.Info.Println("type 'help' for available commands")

	scanner := bufio.NewScanner(l.in)
	for scanner.Scan() {
		cmd, err := Parse(scanner.Text())
		if err != nil {
			pterm.Warning.Println(err.Error())
			continue
		}
		if cmd == nil {
			continue
		}
		if _, ok := cmd.(Quit); ok {
			pterm.Info.Println("bye")
			return
		}

		pterm.Println(l.Execute(cmd))
	}
	if err := scanner.Err(); err != nil {
		l.logger.Error("cli input failed", "error", err.Error())
	}
}

// Execute runs one parsed command against the operations surface.
func (l *Loop) Execute(cmd Command) string {
	switch c := cmd.(type) {
	case Help:
		return helpText()
	case Status:
		return l.ops.Status()
	case Peers:
		return l.ops.Peers()
	case Network:
		return l.ops.Network()
	case Discover:
		return l.ops.Discover()
	case Start:
		return l.ops.Start(c.Topic, c.Choices, c.Seconds)
	case Vote:
		return l.ops.Vote(c.Choice)
	case Results:
		return l.ops.Results()
	case Verify:
		return l.ops.Verify()
	case Debug:
		return l.ops.Debug()
	case CheckDuplicates:
		return l.ops.CheckDuplicates()
	case WhoAmI:
		return l.ops.WhoAmI()
	case GUIInfo:
		return l.ops.GUIInfo()
	}
	return "unknown command"
}

// ExecuteNamed translates an observer command into the equivalent CLI
// operation. Only the observer command set is reachable this way.
func ExecuteNamed(ops Operations, name string, args []string) string {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	cmd, err := Parse(line)
	if err != nil {
		return err.Error()
	}
	if cmd == nil {
		return "empty command"
	}

	switch c := cmd.(type) {
	case Status:
		return ops.Status()
	case Start:
		return ops.Start(c.Topic, c.Choices, c.Seconds)
	case Vote:
		return ops.Vote(c.Choice)
	case Peers:
		return ops.Peers()
	case Results:
		return ops.Results()
	}
	return fmt.Sprintf("command %q is not available to observers", name)
}

func helpText() string {
	return strings.Join([]string{
		pterm.Bold.Sprint("commands:"),
		"  status                         node and round state",
		"  peers                          address book",
		"  network | topology             mesh topology",
		"  discover | find-peers          discovery beacon state",
		"  start <topic> [a,b,c] [secs]   open a voting round",
		"  vote <choice>                  cast your ballot",
		"  results                        current or last tally",
		"  verify                         check your own ballot",
		"  debug                          engine internals",
		"  check-duplicates | validate    probe seeds for our name",
		"  whoami | info                  local identity",
		"  gui-info                       observer connection info",
		"  quit | exit",
	}, "\n")
}
