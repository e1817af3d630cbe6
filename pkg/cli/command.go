package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is the sum type of operator commands, parsed once at the CLI
// boundary instead of dispatched through string-keyed lookups.
type Command interface {
	cmd()
}

// Help lists the available commands.
type Help struct{}

// Status shows the node and round state.
type Status struct{}

// Peers lists the address book.
type Peers struct{}

// Network shows the mesh topology.
type Network struct{}

// Discover reports the discovery beacon state.
type Discover struct{}

// Start opens a new voting round. Seconds is zero when not given.
type Start struct {
	Topic   string
	Choices []string
	Seconds int
}

// Vote casts this node's ballot.
type Vote struct {
	Choice string
}

// Results shows the current or last tally.
type Results struct{}

// Verify re-checks our own ballot against the decrypted set.
type Verify struct{}

// Debug dumps engine and mesh internals.
type Debug struct{}

// CheckDuplicates re-runs the duplicate-name probe against the seeds.
type CheckDuplicates struct{}

// WhoAmI prints the local identity.
type WhoAmI struct{}

// GUIInfo prints how observers can connect.
type GUIInfo struct{}

// Quit exits the process.
type Quit struct{}

func (Help) cmd()            {}
func (Status) cmd()          {}
func (Peers) cmd()           {}
func (Network) cmd()         {}
func (Discover) cmd()        {}
func (Start) cmd()           {}
func (Vote) cmd()            {}
func (Results) cmd()         {}
func (Verify) cmd()          {}
func (Debug) cmd()           {}
func (CheckDuplicates) cmd() {}
func (WhoAmI) cmd()          {}
func (GUIInfo) cmd()         {}
func (Quit) cmd()            {}

// Parse turns one input line into a Command.
func Parse(line string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil, nil
	}

	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "help":
		return Help{}, nil
	case "status":
		return Status{}, nil
	case "peers":
		return Peers{}, nil
	case "network", "topology":
		return Network{}, nil
	case "discover", "find-peers":
		return Discover{}, nil
	case "start":
		return parseStart(args)
	case "vote":
		if len(args) == 0 {
			return nil, fmt.Errorf("usage: vote <choice>")
		}
		return Vote{Choice: strings.Join(args, " ")}, nil
	case "results":
		return Results{}, nil
	case "verify":
		return Verify{}, nil
	case "debug":
		return Debug{}, nil
	case "check-duplicates", "validate":
		return CheckDuplicates{}, nil
	case "whoami", "info":
		return WhoAmI{}, nil
	case "gui-info":
		return GUIInfo{}, nil
	case "quit", "exit":
		return Quit{}, nil
	}
	return nil, fmt.Errorf("unknown command %q, try help", name)
}

// parseStart applies the start argument grammar: the final argument is the
// duration iff it is a pure integer, the then-last is the choice list iff
// it contains a comma, and whatever remains joined by spaces is the topic.
func parseStart(args []string) (Command, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: start <topic> [choices] [seconds]")
	}

	seconds := 0
	if n, err := strconv.Atoi(args[len(args)-1]); err == nil {
		seconds = n
		args = args[:len(args)-1]
	}

	var choices []string
	if len(args) > 0 && strings.Contains(args[len(args)-1], ",") {
		for _, c := range strings.Split(args[len(args)-1], ",") {
			if c = strings.TrimSpace(c); c != "" {
				choices = append(choices, c)
			}
		}
		args = args[:len(args)-1]
	}

	topic := strings.TrimSpace(strings.Join(args, " "))
	topic = strings.Trim(topic, `"`)
	if topic == "" {
		return nil, fmt.Errorf("usage: start <topic> [choices] [seconds]")
	}

	return Start{Topic: topic, Choices: choices, Seconds: seconds}, nil
}
