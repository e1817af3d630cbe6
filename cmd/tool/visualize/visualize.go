package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/votemesh/votemesh/pkg/config"
	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/round"
)

var (
	outputPath = flag.String("o", "./fsm_visual", "output path")
)

// nopBroadcaster satisfies the engine without a mesh; the tool only
// renders the phase machine.
type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(any)        {}
func (nopBroadcaster) ActiveNodeCount() int { return 1 }

func main() {
	flag.Parse()

	cfg := (&config.Config{NodeID: "viz", Port: 1}).WithDefaults()
	e, err := round.NewEngine(model.Node{ID: "viz", Port: 1}, cfg, nopBroadcaster{}, slog.Default())
	if err != nil {
		panic(err)
	}
	visualStr := e.Visualize()

	f, err := os.OpenFile(*outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	_, err = f.WriteString(visualStr)
	if err != nil {
		panic(err)
	}

	fmt.Println("Visualization finished")
}
