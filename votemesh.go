// Package votemesh assembles a peer-to-peer anonymous voting node: the
// peer mesh, the round engine, the LAN discovery beacon, the GUI observer
// fan-out, and the operator command surface.
package votemesh

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/votemesh/votemesh/internal/telemetry"
	"github.com/votemesh/votemesh/pkg/cli"
	"github.com/votemesh/votemesh/pkg/config"
	"github.com/votemesh/votemesh/pkg/discovery"
	"github.com/votemesh/votemesh/pkg/gui"
	"github.com/votemesh/votemesh/pkg/mesh"
	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/round"
)

// fatalExitDelay gives the duplicate-rejection log a moment to flush
// before the process dies.
const fatalExitDelay = 3 * time.Second

// New creates a Node from the given config. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		return nil, fmt.Errorf("new node, logger is nil")
	}
	cfg = cfg.WithDefaults()

	self := model.Node{
		ID:          cfg.NodeID,
		Port:        cfg.Port,
		StartupTime: time.Now(),
	}
	if err := self.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		self:   self,
		logger: logger,
	}

	m, err := mesh.NewManager(self, cfg.Seeds, n.fatalDuplicate, logger)
	if err != nil {
		return nil, err
	}
	n.mesh = m

	engine, err := round.NewEngine(self, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	n.engine = engine
	m.BindVoting(engine)

	if !cfg.DisableGUI {
		fanout, err := gui.NewFanout(logger)
		if err != nil {
			return nil, err
		}
		fanout.BindStatus(n)
		fanout.BindExecutor(n)
		n.fanout = fanout
		m.BindObservers(fanout)
		engine.BindNotifier(fanout)
	}

	beacon, err := discovery.NewBeacon(
		self.ID, self.Port, cfg.BeaconPort, cfg.BroadcastAddress, cfg.BeaconInterval,
		m.ConnectCandidate, logger)
	if err != nil {
		return nil, err
	}
	n.beacon = beacon

	return n, nil
}

// Node is one voting process. Every per-process singleton of the protocol
// hangs off this value; there are no hidden globals.
type Node struct {
	cfg    *config.Config
	self   model.Node
	logger *slog.Logger

	mesh   *mesh.Manager
	engine *round.Engine
	fanout *gui.Fanout
	beacon *discovery.Beacon

	metricsSrv *http.Server
}

// Run probes the mesh for our name, then starts the listener, the
// discovery beacon, the observer plane, and the optional metrics
// endpoint. A duplicate name aborts before anything listens.
func (n *Node) Run(ctx context.Context) error {
	if err := mesh.CheckForDuplicates(ctx, n.self.ID, n.cfg.Seeds, n.logger); err != nil {
		return err
	}

	if err := n.mesh.Start(n.cfg.HeartBeatInterval); err != nil {
		return err
	}
	if err := n.beacon.Start(); err != nil {
		n.mesh.Shutdown()
		return err
	}
	if n.fanout != nil {
		n.fanout.Start(n.cfg.StatusInterval)
	}
	if n.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.MetricsHandler())
		n.metricsSrv = &http.Server{Addr: n.cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Error("metrics listener stopped", "error", err.Error())
			}
		}()
	}

	n.logger.Info("node started", "node", n.self.ID, "port", n.self.Port)
	return nil
}

// Shutdown closes the listener, the discovery socket, all peer links, and
// all observer links.
func (n *Node) Shutdown() {
	n.engine.Shutdown()
	n.beacon.Stop()
	if n.fanout != nil {
		n.fanout.Shutdown()
	}
	n.mesh.Shutdown()
	if n.metricsSrv != nil {
		_ = n.metricsSrv.Close()
	}
	n.logger.Info("node stopped", "node", n.self.ID)
}

// NewCLILoop builds the interactive operator loop reading from in.
func (n *Node) NewCLILoop(in io.Reader) (*cli.Loop, error) {
	return cli.NewLoop(n, in, n.logger)
}

// fatalDuplicate is invoked when a peer proves our name is already taken
// while we are running. Per protocol the process does not survive.
func (n *Node) fatalDuplicate(reason string) {
	n.logger.Error("duplicate node name detected at runtime, exiting", "reason", reason)
	time.Sleep(fatalExitDelay)
	os.Exit(1)
}

// StatusSnapshot implements the observer snapshot.
func (n *Node) StatusSnapshot() *model.StatusUpdate {
	peers := n.mesh.ActivePeerIDs()
	s := &model.StatusUpdate{
		Type:      model.TypeStatusUpdate,
		NodeID:    n.self.ID,
		Peers:     len(peers),
		PeersList: peers,
	}
	if snap := n.engine.Snapshot(); snap != nil {
		s.RoundTopic = snap.Topic
		s.Phase = snap.Phase.String()
		s.TimeRemaining = int(snap.TimeRemaining.Seconds())
		s.EncryptedVotes = snap.EncryptedVotes
		s.DecryptedVotes = snap.DecryptedVotes
	}
	return s
}

// Execute translates an observer command; part of the GUI plane.
func (n *Node) Execute(command string, args []string) string {
	return cli.ExecuteNamed(n, command, args)
}

// The operator command surface. Every method returns display text; the
// CLI loop and observer COMMAND frames share these.

// Status returns the node and round state.
func (n *Node) Status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "node %s listening on port %d\n", n.self.ID, n.self.Port)
	fmt.Fprintf(&b, "active peers: %d (%s)\n",
		len(n.mesh.ActivePeerIDs()), strings.Join(n.mesh.ActivePeerIDs(), ", "))

	snap := n.engine.Snapshot()
	if snap == nil {
		b.WriteString("no round yet")
		return b.String()
	}
	fmt.Fprintf(&b, "round %s (%s)\n", snap.RoundID, snap.Phase)
	fmt.Fprintf(&b, "topic: %s\n", snap.Topic)
	if len(snap.AllowedChoices) > 0 {
		fmt.Fprintf(&b, "choices: %s\n", strings.Join(snap.AllowedChoices, ", "))
	} else {
		b.WriteString("choices: any\n")
	}
	fmt.Fprintf(&b, "time remaining: %ds\n", int(snap.TimeRemaining.Seconds()))
	fmt.Fprintf(&b, "ballots: %d encrypted, %d decrypted, voted: %v",
		snap.EncryptedVotes, snap.DecryptedVotes, snap.HasVoted)
	return b.String()
}

func (n *Node) Peers() string {
	records := n.mesh.PeerRecords()
	if len(records) == 0 {
		return "no peers known"
	}
	var b strings.Builder
	for _, r := range records {
		state := "inactive"
		if r.Active {
			state = "active"
		}
		fmt.Fprintf(&b, "%-20s %-21s %-8s last seen %s\n",
			r.NodeID, r.Address(), state, r.LastSeen.Format(time.TimeOnly))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *Node) Network() string {
	active := n.mesh.ActivePeerIDs()
	seeds := n.mesh.Seeds()
	var b strings.Builder
	fmt.Fprintf(&b, "%s (self)\n", n.self.ID)
	for _, id := range active {
		fmt.Fprintf(&b, "  ├─ %s\n", id)
	}
	fmt.Fprintf(&b, "active nodes: %d, seed addresses: %d", n.mesh.ActiveNodeCount(), len(seeds))
	return b.String()
}

func (n *Node) Discover() string {
	return fmt.Sprintf("beacon broadcasting on udp %d every %s; %d peers in address book",
		n.cfg.BeaconPort, n.cfg.BeaconInterval, len(n.mesh.PeerRecords()))
}

func (n *Node) Start(topic string, choices []string, seconds int) string {
	r, err := n.engine.StartRound(topic, choices, seconds)
	if err != nil {
		return "cannot start round: " + err.Error()
	}
	return fmt.Sprintf("round %s started, voting closes in %ds", r.ID, int(r.Duration.Seconds()))
}

func (n *Node) Vote(choice string) string {
	tracking, err := n.engine.CastVote(choice)
	if err != nil {
		return "vote rejected: " + err.Error()
	}
	return fmt.Sprintf("ballot cast anonymously (vote id %s…)", tracking.AnonymousVoteID[:8])
}

func (n *Node) Results() string {
	snap := n.engine.Snapshot()
	if snap == nil {
		return "no round yet"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "round %s (%s) topic: %s\n", snap.RoundID, snap.Phase, snap.Topic)
	if len(snap.Results) == 0 {
		b.WriteString("no decrypted votes yet")
		return b.String()
	}
	for i, entry := range snap.Results {
		fmt.Fprintf(&b, "%d. %-20s %d\n", i+1, entry.Choice, entry.Count)
	}
	if snap.Phase == model.PhaseFinished {
		fmt.Fprintf(&b, "consensus achieved: %v, agreeing nodes: %d", snap.ConsensusAchieved, snap.ConsensusNodes)
	} else {
		b.WriteString("(round still running, tally is partial)")
	}
	return b.String()
}

func (n *Node) Verify() string {
	tracking, err := n.engine.VerifyBallot()
	if err != nil {
		return err.Error()
	}
	if tracking.Verified {
		return fmt.Sprintf("ballot %s… verified: counted as %q", tracking.AnonymousVoteID[:8], tracking.Choice)
	}
	return fmt.Sprintf("ballot %s… not verifiable yet (choice %q not in decrypted set)",
		tracking.AnonymousVoteID[:8], tracking.Choice)
}

func (n *Node) Debug() string {
	snap := n.engine.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "phase: %s\n", n.engine.Phase())
	fmt.Fprintf(&b, "active node count: %d\n", n.mesh.ActiveNodeCount())
	fmt.Fprintf(&b, "seeds: %s\n", strings.Join(n.mesh.Seeds(), ", "))
	finished := n.engine.FinishedRounds()
	sort.Strings(finished)
	fmt.Fprintf(&b, "finished rounds: %s\n", strings.Join(finished, ", "))
	if snap != nil {
		fmt.Fprintf(&b, "round %s: ballots=%d keys=%d decrypted=%d proposed=%v keysComplete=%v consensusNodes=%d",
			snap.RoundID, snap.EncryptedVotes, snap.KeysHeld, snap.DecryptedVotes,
			snap.ResultProposed, snap.KeysSharing, snap.ConsensusNodes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (n *Node) CheckDuplicates() string {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := mesh.CheckForDuplicates(ctx, n.self.ID, n.cfg.Seeds, n.logger); err != nil {
		return "duplicate check failed: " + err.Error()
	}
	return fmt.Sprintf("no duplicate of %q found among %d seeds", n.self.ID, len(n.cfg.Seeds))
}

func (n *Node) WhoAmI() string {
	return fmt.Sprintf("node %s, port %d, started %s",
		n.self.ID, n.self.Port, n.self.StartupTime.Format(time.RFC3339))
}

func (n *Node) GUIInfo() string {
	if n.fanout == nil {
		return "observer plane is disabled"
	}
	return fmt.Sprintf("observers connect via ws://<host>:%d/ with HANDSHAKE{isGUI:true}; %d connected",
		n.self.Port, n.fanout.ObserverCount())
}
