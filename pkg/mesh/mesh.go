// Package mesh maintains the node's peer links: handshake, address book,
// peer-list gossip, heartbeat, duplicate-identity detection, and the
// broadcast plane used by the round engine.
package mesh

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/votemesh/votemesh/internal/telemetry"
	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/common"
	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/transport/ws"
)

const (
	// gossipConnectStagger is the delay step between connect attempts
	// scheduled from one peer-exchange response
	gossipConnectStagger = 2 * time.Second
	// gossipConnectCap bounds new simultaneous attempts per response
	gossipConnectCap = 3
	// connectTimeout bounds one outbound dial
	connectTimeout = 10 * time.Second
)

// VotingHandler receives every voting-plane message the mesh delivers.
type VotingHandler interface {
	HandleRoundStart(msg *model.RoundStart)
	HandleEncryptedVote(msg *model.EncryptedVote)
	HandleBatchVoteKeys(msg *model.BatchVoteKeys)
	HandleVoteKey(msg *model.VoteKey)
	HandleResultProposal(msg *model.ResultProposal)
}

// ObserverPlane receives GUI observer links and their commands, and
// mirrors of the broadcast messages observers are entitled to see.
type ObserverPlane interface {
	Register(clientID string, link *ws.Link)
	Unregister(link *ws.Link)
	Mirror(msg any)
	HandleCommand(link *ws.Link, cmd *model.Command)
}

// FatalFunc is invoked when the mesh detects that this node's identity is
// already taken at runtime. The process is expected not to survive it.
type FatalFunc func(reason string)

// NewManager creates a mesh manager for the local node. Voting and
// observer planes are bound after construction because they need the
// manager as their broadcast plane.
func NewManager(node model.Node, seeds []string, fatal FatalFunc, logger *slog.Logger) (*Manager, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("new mesh manager, logger is nil")
	}
	if fatal == nil {
		fatal = func(string) {}
	}

	m := &Manager{
		node:        node,
		logger:      logger.With("component", "mesh"),
		fatal:       fatal,
		activePeers: make(map[string]*ws.Link),
		addressBook: make(map[string]*model.PeerRecord),
		connecting:  make(map[string]bool),
		stopChan:    make(chan struct{}),
	}
	for _, s := range seeds {
		m.addSeedLocked(s)
	}
	return m, nil
}

// Manager owns the peer map and the address book. All mutation happens
// under one mutex; links deliver frames from their read goroutines.
type Manager struct {
	node   model.Node
	logger *slog.Logger
	fatal  FatalFunc

	voting    VotingHandler
	observers ObserverPlane

	server *ws.Server

	mu sync.Mutex
	// activePeers maps nodeId to its single open link
	activePeers map[string]*ws.Link
	// addressBook persists every peer ever learned of, keyed by nodeId
	addressBook map[string]*model.PeerRecord
	// seeds are dialable host:port addresses learned at startup or via gossip
	seeds []string
	// connecting tracks addresses with an in-flight dial
	connecting map[string]bool

	stopOnce sync.Once
	stopChan chan struct{}
}

// BindVoting attaches the round engine as the voting-plane handler.
func (m *Manager) BindVoting(h VotingHandler) {
	m.voting = h
}

// BindObservers attaches the GUI fan-out.
func (m *Manager) BindObservers(o ObserverPlane) {
	m.observers = o
}

// Start binds the listener, begins the heartbeat loop, and dials the seeds.
func (m *Manager) Start(heartbeatInterval time.Duration) error {
	srv, err := ws.NewServer(m.logger)
	if err != nil {
		return err
	}
	if err := srv.Start(fmt.Sprintf(":%d", m.node.Port), m.acceptLink); err != nil {
		return err
	}
	m.server = srv

	go m.heartbeatLoop(heartbeatInterval)

	m.mu.Lock()
	seeds := append([]string(nil), m.seeds...)
	m.mu.Unlock()
	for _, addr := range seeds {
		go m.connectSeed(addr)
	}

	m.logger.Info("mesh started", "node", m.node.ID, "port", m.node.Port, "seeds", len(seeds))
	return nil
}

// Shutdown closes the listener and every open link.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	if m.server != nil {
		_ = m.server.Close()
	}

	m.mu.Lock()
	links := make([]*ws.Link, 0, len(m.activePeers))
	for _, l := range m.activePeers {
		links = append(links, l)
	}
	m.mu.Unlock()
	for _, l := range links {
		l.Close()
	}
}

// acceptLink starts serving one inbound channel. Its class is unknown
// until the handshake arrives.
func (m *Manager) acceptLink(link *ws.Link) {
	m.logger.Debug("accepted connection", "remote", link.RemoteHost())
	go link.ReadLoop(
		func(env *codec.Envelope) { m.handleFrame(link, env) },
		func(err error) { m.linkClosed(link, err) },
	)
}

// Connect dials host:port, sends our handshake, and serves the link.
func (m *Manager) Connect(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)

	m.mu.Lock()
	if m.connecting[addr] {
		m.mu.Unlock()
		return nil
	}
	m.connecting[addr] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.connecting, addr)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	link, err := ws.Dial(ctx, host, port, m.logger)
	if err != nil {
		m.logger.Debug("failed to connect", "address", addr, "error", err.Error())
		return err
	}

	go link.ReadLoop(
		func(env *codec.Envelope) { m.handleFrame(link, env) },
		func(err error) { m.linkClosed(link, err) },
	)

	hs := &model.Handshake{
		Type:        model.TypeHandshake,
		From:        m.node.ID,
		Port:        m.node.Port,
		KnownPeers:  m.peerList(),
		StartupTime: m.node.StartupTime.UnixMilli(),
	}
	if err := link.Send(hs); err != nil {
		link.Close()
		return fmt.Errorf("failed to send handshake to %s: %w", addr, err)
	}

	m.logger.Info("opened peer link", "address", addr)
	return nil
}

// ConnectCandidate is the discovery beacon ingress: dial the advertised
// address unless it is already linked, already known, or mid-dial.
func (m *Manager) ConnectCandidate(host string, port int, nodeID string) {
	if nodeID == m.node.ID {
		return
	}
	// the address book stores loopback peers as localhost
	if isLoopbackHost(host) {
		host = "localhost"
	}

	m.mu.Lock()
	if m.connecting[fmt.Sprintf("%s:%d", host, port)] {
		m.mu.Unlock()
		return
	}
	for _, rec := range m.addressBook {
		if rec.Host == host && rec.Port == port {
			m.mu.Unlock()
			return
		}
	}
	if _, ok := m.activePeers[nodeID]; ok {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Info("discovered peer via beacon", "peer", nodeID, "address", fmt.Sprintf("%s:%d", host, port))
	go func() {
		_ = m.Connect(host, port)
	}()
}

// connectSeed dials one seed address; a failed attempt drops the seed.
func (m *Manager) connectSeed(addr string) {
	host, port, err := splitAddress(addr)
	if err != nil {
		m.logger.Warn("invalid seed address", "address", addr, "error", err.Error())
		m.removeSeed(addr)
		return
	}
	if err := m.Connect(host, port); err != nil {
		m.removeSeed(addr)
	}
}

// Broadcast sends msg to every active peer. Failed sends deactivate the
// peer. Voting-plane and result messages are mirrored to observers.
func (m *Manager) Broadcast(msg any) {
	data, err := codec.Marshal(msg)
	if err != nil {
		m.logger.Error("failed to encode broadcast", "error", err.Error())
		return
	}

	m.mu.Lock()
	links := make(map[string]*ws.Link, len(m.activePeers))
	for id, l := range m.activePeers {
		links[id] = l
	}
	m.mu.Unlock()

	g := errgroup.Group{}
	for id, link := range links {
		peerID, l := id, link
		g.Go(func() error {
			if err := l.SendRaw(data); err != nil {
				m.logger.Warn("failed to send to peer, deactivating", "peer", peerID, "error", err.Error())
				m.deactivatePeer(peerID, l)
			}
			return nil
		})
	}
	_ = g.Wait()
	telemetry.FramesOut.Add(float64(len(links)))

	if m.observers != nil && mirrorsToObservers(msg) {
		m.observers.Mirror(msg)
	}
}

// mirrorsToObservers reports whether a broadcast is also shown to GUI
// observers.
func mirrorsToObservers(msg any) bool {
	switch msg.(type) {
	case *model.RoundStart, *model.ResultProposal, *model.EncryptedVote,
		*model.PhaseChange, *model.Results:
		return true
	}
	return false
}

// ActiveNodeCount returns the number of handshake-completed peers plus
// self; the denominator of the consensus threshold.
func (m *Manager) ActiveNodeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activePeers) + 1
}

// ActivePeerIDs returns the sorted nodeIds of all active peers.
func (m *Manager) ActivePeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.activePeers))
	for id := range m.activePeers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PeerRecords returns a snapshot of the address book.
func (m *Manager) PeerRecords() []model.PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PeerRecord, 0, len(m.addressBook))
	for _, rec := range m.addressBook {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Seeds returns the current seed list.
func (m *Manager) Seeds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.seeds...)
}

// heartbeatLoop broadcasts liveness on a fixed interval.
func (m *Manager) heartbeatLoop(interval time.Duration) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	for {
		select {
		case <-m.stopChan:
			return
		case <-tk.C:
			m.Broadcast(&model.Heartbeat{Type: model.TypeHeartbeat, From: m.node.ID})
		}
	}
}

// handleFrame is the single ingress for every decoded frame of every link.
func (m *Manager) handleFrame(link *ws.Link, env *codec.Envelope) {
	telemetry.FramesIn.WithLabelValues(env.Type.String()).Inc()
	m.touchPeer(link)

	switch env.Type {
	case model.TypeHandshake:
		msg := &model.Handshake{}
		if err := env.Decode(msg); err != nil {
			m.logger.Debug("dropping bad handshake", "error", err.Error())
			return
		}
		m.handleHandshake(link, msg)
	case model.TypeHandshakeAck:
		msg := &model.HandshakeAck{}
		if err := env.Decode(msg); err != nil {
			m.logger.Debug("dropping bad handshake ack", "error", err.Error())
			return
		}
		m.handleHandshakeAck(link, msg)
	case model.TypeHeartbeat:
		// receipt alone refreshes the peer; nothing else to do
	case model.TypePeerExchangeRequest:
		msg := &model.PeerExchangeRequest{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.handlePeerExchangeRequest(link, msg)
	case model.TypePeerExchangeResponse:
		msg := &model.PeerExchangeResponse{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.handlePeerExchangeResponse(msg)
	case model.TypeDuplicateNodeRejection:
		msg := &model.DuplicateNodeRejection{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.logger.Error("this node's name is already in use, shutting down",
			"reason", msg.Reason, "existing", msg.ExistingNodeID)
		m.fatal(msg.Reason)

	case model.TypeRoundStart:
		if m.voting == nil {
			return
		}
		msg := &model.RoundStart{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.voting.HandleRoundStart(msg)
	case model.TypeEncryptedVote:
		if m.voting == nil {
			return
		}
		msg := &model.EncryptedVote{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.voting.HandleEncryptedVote(msg)
	case model.TypeBatchVoteKeys:
		if m.voting == nil {
			return
		}
		msg := &model.BatchVoteKeys{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.voting.HandleBatchVoteKeys(msg)
	case model.TypeVoteKey:
		if m.voting == nil {
			return
		}
		msg := &model.VoteKey{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.voting.HandleVoteKey(msg)
	case model.TypeResultProposal:
		if m.voting == nil {
			return
		}
		msg := &model.ResultProposal{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.voting.HandleResultProposal(msg)

	case model.TypeCommand:
		if m.observers == nil {
			return
		}
		msg := &model.Command{}
		if err := env.Decode(msg); err != nil {
			return
		}
		m.observers.HandleCommand(link, msg)

	default:
		m.logger.Debug("ignoring unknown message type", "type", env.Type.String())
	}
}

// handleHandshake processes the first frame of an inbound link.
func (m *Manager) handleHandshake(link *ws.Link, msg *model.Handshake) {
	if msg.IsGUI {
		if m.observers == nil {
			link.Close()
			return
		}
		link.SetClass(model.ClassObserver)
		link.SetNodeID(msg.From)
		m.observers.Register(msg.From, link)
		_ = link.Send(&model.HandshakeAck{
			Type: model.TypeHandshakeAck,
			From: m.node.ID,
			Port: m.node.Port,
		})
		m.logger.Info("gui observer connected", "client", msg.From)
		return
	}

	if msg.From == m.node.ID {
		m.rejectDuplicate(link)
		return
	}
	if err := model.ValidateNodeID(msg.From); err != nil {
		m.logger.Debug("dropping handshake with bad node id", "error", err.Error())
		return
	}

	m.registerPeer(link, msg.From, msg.Port, msg.KnownPeers)

	_ = link.Send(&model.HandshakeAck{
		Type:        model.TypeHandshakeAck,
		From:        m.node.ID,
		Port:        m.node.Port,
		KnownPeers:  m.peerList(),
		StartupTime: m.node.StartupTime.UnixMilli(),
	})
	_ = link.Send(&model.PeerExchangeRequest{
		Type: model.TypePeerExchangeRequest,
		From: m.node.ID,
	})
}

// handleHandshakeAck completes an outbound handshake.
func (m *Manager) handleHandshakeAck(link *ws.Link, msg *model.HandshakeAck) {
	if msg.From == m.node.ID {
		m.rejectDuplicate(link)
		return
	}
	if err := model.ValidateNodeID(msg.From); err != nil {
		return
	}

	m.registerPeer(link, msg.From, msg.Port, msg.KnownPeers)
}

// rejectDuplicate answers a handshake that claims our own identity.
func (m *Manager) rejectDuplicate(link *ws.Link) {
	m.logger.Warn("rejecting handshake claiming our identity", "remote", link.RemoteHost())
	_ = link.Send(&model.DuplicateNodeRejection{
		Type:           model.TypeDuplicateNodeRejection,
		Reason:         common.DuplicateSelfHandshake.String(),
		ExistingNodeID: m.node.ID,
	})
	link.Close()
}

// registerPeer records a handshake-completed link as the one active link
// of its remote, replacing any previous link for the same nodeId.
func (m *Manager) registerPeer(link *ws.Link, peerID string, port int, knownPeers []model.PeerInfo) {
	link.SetNodeID(peerID)

	host := link.RemoteHost()

	m.mu.Lock()
	if port <= 0 {
		// handshake without a port; keep whatever the book already has
		if rec, ok := m.addressBook[peerID]; ok {
			port = rec.Port
		}
	}
	if old, ok := m.activePeers[peerID]; ok && old != link {
		m.logger.Info("replacing peer link", "peer", peerID)
		defer old.Close()
	}
	m.activePeers[peerID] = link
	m.addressBook[peerID] = &model.PeerRecord{
		NodeID:   peerID,
		Host:     host,
		Port:     port,
		LastSeen: time.Now(),
		Active:   true,
	}
	for _, p := range knownPeers {
		m.ingestPeerInfoLocked(p)
	}
	active := len(m.activePeers)
	m.mu.Unlock()

	telemetry.ActivePeers.Set(float64(active))
	m.logger.Info("peer active", "peer", peerID, "address", fmt.Sprintf("%s:%d", host, port), "activePeers", active)
}

// ingestPeerInfoLocked records gossip evidence of a peer without dialing.
func (m *Manager) ingestPeerInfoLocked(p model.PeerInfo) {
	if p.Host == "" || p.Port <= 0 {
		return
	}
	if p.NodeID == m.node.ID {
		return
	}
	if p.NodeID != "" {
		if _, ok := m.addressBook[p.NodeID]; !ok {
			m.addressBook[p.NodeID] = &model.PeerRecord{
				NodeID:   p.NodeID,
				Host:     p.Host,
				Port:     p.Port,
				LastSeen: time.Now(),
			}
		}
	}
	m.addSeedLocked(fmt.Sprintf("%s:%d", p.Host, p.Port))
}

// touchPeer refreshes liveness bookkeeping for the sending peer; receipt
// of any message counts.
func (m *Manager) touchPeer(link *ws.Link) {
	id := link.NodeID()
	if id == "" || link.Class() != model.ClassVotingNode {
		return
	}
	m.mu.Lock()
	if rec, ok := m.addressBook[id]; ok {
		rec.LastSeen = time.Now()
	}
	m.mu.Unlock()
}

// linkClosed marks the remote inactive; the address-book entry stays.
func (m *Manager) linkClosed(link *ws.Link, err error) {
	if link.Class() == model.ClassObserver {
		if m.observers != nil {
			m.observers.Unregister(link)
		}
		return
	}

	id := link.NodeID()
	if id == "" {
		return
	}

	m.mu.Lock()
	if cur, ok := m.activePeers[id]; !ok || cur != link {
		// a replacement link took over; nothing to deactivate
		m.mu.Unlock()
		return
	}
	delete(m.activePeers, id)
	if rec, ok := m.addressBook[id]; ok {
		rec.Active = false
	}
	active := len(m.activePeers)
	m.mu.Unlock()

	telemetry.ActivePeers.Set(float64(active))
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	m.logger.Info("peer link closed", "peer", id, "error", errStr, "activePeers", active)
}

// deactivatePeer drops a peer whose link failed a send.
func (m *Manager) deactivatePeer(peerID string, link *ws.Link) {
	m.mu.Lock()
	if cur, ok := m.activePeers[peerID]; ok && cur == link {
		delete(m.activePeers, peerID)
		if rec, ok := m.addressBook[peerID]; ok {
			rec.Active = false
		}
	}
	m.mu.Unlock()
	link.Close()
}

// peerList enumerates seed peers and every currently-active peer with its
// recorded address; the payload of handshake acks and gossip responses.
func (m *Manager) peerList() []model.PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	out := make([]model.PeerInfo, 0, len(m.seeds)+len(m.activePeers))
	for id := range m.activePeers {
		rec, ok := m.addressBook[id]
		if !ok {
			continue
		}
		out = append(out, model.PeerInfo{NodeID: id, Host: rec.Host, Port: rec.Port})
		seen[rec.Address()] = struct{}{}
	}
	for _, s := range m.seeds {
		if _, ok := seen[s]; ok {
			continue
		}
		host, port, err := splitAddress(s)
		if err != nil {
			continue
		}
		out = append(out, model.PeerInfo{Host: host, Port: port})
	}
	return out
}

func (m *Manager) addSeedLocked(addr string) {
	if addr == "" {
		return
	}
	for _, s := range m.seeds {
		if s == addr {
			return
		}
	}
	m.seeds = append(m.seeds, addr)
}

func (m *Manager) removeSeed(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.seeds {
		if s == addr {
			m.seeds = append(m.seeds[:i], m.seeds[i+1:]...)
			return
		}
	}
}
