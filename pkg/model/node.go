package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// nodeIDPattern is the allowed shape of an operator-chosen node name.
var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,20}$`)

// ValidateNodeID checks an operator-chosen node name.
// The name is the sole identifier of a node across the mesh.
func ValidateNodeID(id string) error {
	if id == "" {
		return errors.New("node id is required")
	}
	if !nodeIDPattern.MatchString(id) {
		return fmt.Errorf("node id %q must be 2-20 characters of [A-Za-z0-9_-]", id)
	}
	return nil
}

// Node represents the local node identity.
type Node struct {
	// ID is the operator-chosen node name
	ID string
	// Port is the listen port for peer links
	Port int
	// StartupTime is the local process start time. It is carried in
	// handshakes and shown by whoami; duplicate detection does not read it
	StartupTime time.Time
}

func (n *Node) Validate() error {
	if err := ValidateNodeID(n.ID); err != nil {
		return err
	}
	if n.Port <= 0 || n.Port > 65535 {
		return fmt.Errorf("node port %d out of range", n.Port)
	}
	return nil
}

// PeerRecord is one entry of the mesh address book. Records persist across
// disconnects; only the Active bit clears when a link goes down.
type PeerRecord struct {
	NodeID   string
	Host     string
	Port     int
	LastSeen time.Time
	Active   bool
}

// Address returns the dialable host:port of the record.
func (p *PeerRecord) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// PeerInfo is the wire form of a peer entry carried by handshakes and
// peer-exchange gossip.
type PeerInfo struct {
	NodeID string `json:"nodeId,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// LinkDirection tags a peer link with who opened it.
type LinkDirection string

const (
	// LinkOutbound is a link this node dialed
	LinkOutbound LinkDirection = "outbound"
	// LinkInbound is a link this node accepted
	LinkInbound LinkDirection = "inbound"
)

func (d LinkDirection) String() string {
	return string(d)
}

// LinkClass distinguishes the kinds of remote a link can carry.
type LinkClass string

const (
	// ClassVotingNode is a full mesh participant
	ClassVotingNode LinkClass = "voting-node"
	// ClassObserver is a GUI observer; observers never count toward
	// the active node count
	ClassObserver LinkClass = "gui-observer"
	// ClassValidator is a transient startup duplicate-detection probe
	ClassValidator LinkClass = "validator"
)

func (c LinkClass) String() string {
	return string(c)
}
