// Package discovery implements the LAN presence beacon: a periodic UDP
// broadcast of {nodeId, port} and ingestion of peers' beacons.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/votemesh/votemesh/pkg/codec"
)

// Announcement is the datagram payload every node broadcasts.
type Announcement struct {
	NodeID string `json:"nodeId"`
	Port   int    `json:"port"`
}

// PeerFunc receives the address advertised by a remote beacon.
type PeerFunc func(host string, port int, nodeID string)

// NewBeacon creates a beacon for the local node. onPeer is invoked for
// every advertisement that does not belong to this node; connection and
// address-book filtering is the mesh's concern.
func NewBeacon(nodeID string, listenPort, beaconPort int, broadcastAddress string, interval time.Duration, onPeer PeerFunc, logger *slog.Logger) (*Beacon, error) {
	if logger == nil {
		return nil, fmt.Errorf("new beacon, logger is nil")
	}
	if onPeer == nil {
		return nil, fmt.Errorf("new beacon, peer callback is nil")
	}

	return &Beacon{
		logger:           logger.With("component", "discovery"),
		nodeID:           nodeID,
		listenPort:       listenPort,
		beaconPort:       beaconPort,
		broadcastAddress: broadcastAddress,
		interval:         interval,
		onPeer:           onPeer,
		stop:             make(chan struct{}),
	}, nil
}

// Beacon owns the UDP discovery socket.
type Beacon struct {
	logger *slog.Logger

	nodeID           string
	listenPort       int
	beaconPort       int
	broadcastAddress string
	interval         time.Duration

	onPeer PeerFunc

	conn     *net.UDPConn
	stop     chan struct{}
	stopOnce sync.Once
}

// Start binds the discovery socket and launches the emit and ingest loops.
func (b *Beacon) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.beaconPort})
	if err != nil {
		return fmt.Errorf("failed to bind discovery socket on %d: %w", b.beaconPort, err)
	}
	if err := enableBroadcast(conn); err != nil {
		b.logger.Warn("could not enable broadcast on discovery socket", "error", err.Error())
	}
	b.conn = conn

	go b.emitLoop()
	go b.ingestLoop()

	b.logger.Info("discovery beacon started", "port", b.beaconPort, "interval", b.interval.String())
	return nil
}

// Stop closes the discovery socket and stops both loops.
func (b *Beacon) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		if b.conn != nil {
			_ = b.conn.Close()
		}
	})
}

func (b *Beacon) emitLoop() {
	tk := time.NewTicker(b.interval)
	defer tk.Stop()

	// announce once immediately so peers do not wait a full interval
	b.announce()
	for {
		select {
		case <-b.stop:
			return
		case <-tk.C:
			b.announce()
		}
	}
}

func (b *Beacon) announce() {
	data, err := codec.Marshal(&Announcement{NodeID: b.nodeID, Port: b.listenPort})
	if err != nil {
		b.logger.Error("failed to encode announcement", "error", err.Error())
		return
	}

	dst := &net.UDPAddr{IP: net.ParseIP(b.broadcastAddress), Port: b.beaconPort}
	if _, err := b.conn.WriteToUDP(data, dst); err != nil {
		b.logger.Debug("failed to send announcement", "error", err.Error())
	}
}

func (b *Beacon) ingestLoop() {
	buf := make([]byte, 1024)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
			}
			b.logger.Debug("failed to read datagram", "error", err.Error())
			continue
		}

		ann := &Announcement{}
		if err := codec.UnmarshalInto(buf[:n], ann); err != nil {
			b.logger.Debug("dropping malformed announcement", "from", addr.String(), "error", err.Error())
			continue
		}
		if ann.NodeID == "" || ann.Port <= 0 {
			continue
		}
		// our own broadcast loops back; drop it
		if ann.NodeID == b.nodeID {
			continue
		}

		b.onPeer(addr.IP.String(), ann.Port, ann.NodeID)
	}
}
