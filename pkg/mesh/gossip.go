package mesh

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/transport/ws"
)

// handlePeerExchangeRequest answers with our full peer list. Validation
// probes get the same answer; the list is what they are probing for.
func (m *Manager) handlePeerExchangeRequest(link *ws.Link, msg *model.PeerExchangeRequest) {
	resp := &model.PeerExchangeResponse{
		Type:  model.TypePeerExchangeResponse,
		From:  m.node.ID,
		Peers: m.peerList(),
	}
	if err := link.Send(resp); err != nil {
		m.logger.Debug("failed to answer peer exchange", "error", err.Error())
	}
	if msg.IsValidation {
		m.logger.Debug("answered validation probe", "probe", msg.From)
	}
}

// handlePeerExchangeResponse ingests gossiped peers and schedules a
// bounded, staggered set of connect attempts toward the new ones.
func (m *Manager) handlePeerExchangeResponse(msg *model.PeerExchangeResponse) {
	scheduled := 0
	for _, p := range msg.Peers {
		if scheduled >= gossipConnectCap {
			m.logger.Debug("gossip connect cap reached", "peers", len(msg.Peers))
			break
		}
		if p.NodeID == m.node.ID {
			continue
		}
		if p.Host == "" || p.Port <= 0 {
			continue
		}
		if isLoopbackHost(p.Host) && p.Port == m.node.Port {
			continue
		}

		addr := fmt.Sprintf("%s:%d", p.Host, p.Port)
		m.mu.Lock()
		_, connected := m.activePeers[p.NodeID]
		if !connected {
			// an unnamed entry may still be an address we already talk to
			for id, rec := range m.addressBook {
				if rec.Host == p.Host && rec.Port == p.Port {
					_, connected = m.activePeers[id]
					break
				}
			}
		}
		inflight := m.connecting[addr]
		if !connected {
			m.addSeedLocked(addr)
			m.ingestPeerInfoLocked(p)
		}
		m.mu.Unlock()

		if connected || inflight {
			continue
		}

		delay := gossipConnectStagger * time.Duration(scheduled)
		scheduled++
		go m.connectAfter(addr, delay)
	}
}

// connectAfter dials addr after the gossip stagger delay; failure removes
// the seed entry again.
func (m *Manager) connectAfter(addr string, delay time.Duration) {
	if delay > 0 {
		select {
		case <-m.stopChan:
			return
		case <-time.After(delay):
		}
	}

	host, port, err := splitAddress(addr)
	if err != nil {
		m.removeSeed(addr)
		return
	}
	if err := m.Connect(host, port); err != nil {
		m.removeSeed(addr)
	}
}

func splitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port in address %q", addr)
	}
	return host, port, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
