/*
Usage:

	Single node:
	  votemesh alice 3001
	Three nodes on one host:
	  votemesh alice 3001 localhost:3002 localhost:3003
	  votemesh bob   3002 localhost:3001 localhost:3003
	  votemesh carol 3003 localhost:3001 localhost:3002
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/votemesh/votemesh"
	"github.com/votemesh/votemesh/pkg/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]

	noGUI := false
	guiOnly := false
	metricsAddr := ""
	positional := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--no-gui":
			noGUI = true
		case args[i] == "--gui-only":
			guiOnly = true
		case args[i] == "--metrics" && i+1 < len(args):
			i++
			metricsAddr = args[i]
		case strings.HasPrefix(args[i], "--"):
			fmt.Fprintf(os.Stderr, "unknown flag %s\n", args[i])
			usage()
			return 1
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) < 2 {
		usage()
		return 1
	}

	nodeID := positional[0]
	port, err := strconv.Atoi(positional[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", positional[1])
		return 1
	}
	seeds := positional[2:]

	// route logs through pterm so interactive output and logging share
	// the terminal
	handler := pterm.NewSlogHandler(&pterm.DefaultLogger)
	logger := slog.New(handler)

	title, err := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Vote", pterm.FgLightMagenta.ToStyle()),
		putils.LettersFromStringWithStyle("Mesh", pterm.FgDarkGray.ToStyle()),
	).Srender()
	if err == nil {
		pterm.Print(title)
	}

	node, err := votemesh.New(&config.Config{
		NodeID:         nodeID,
		Port:           port,
		Seeds:          seeds,
		DisableGUI:     noGUI,
		MetricsAddress: metricsAddr,
	}, logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err.Error())
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Run(ctx); err != nil {
		logger.Error("startup failed", "error", err.Error())
		return 1
	}
	defer node.Shutdown()

	pterm.Info.Printfln("node %s up on port %d", nodeID, port)

	if guiOnly {
		// no interactive loop; the node is driven by observers
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		return 0
	}

	loop, err := node.NewCLILoop(os.Stdin)
	if err != nil {
		logger.Error("failed to build cli", "error", err.Error())
		return 1
	}
	loop.Run()
	return 0
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: votemesh <nodeId> <port> [peer1:port1 ...] [--no-gui] [--gui-only] [--metrics addr]")
}
