package ws

import (
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/model"
)

// Link is one open bidirectional message channel to one remote. It holds
// only the nodeId of its remote, never a handle back into the mesh.
type Link struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// writeMu serializes frame writes; gorilla allows one writer at a time
	writeMu sync.Mutex

	// stateMu guards the identity fields assigned after handshake
	stateMu   sync.Mutex
	nodeID    string
	class     model.LinkClass
	direction model.LinkDirection

	remoteHost string

	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(conn *websocket.Conn, direction model.LinkDirection, remoteHost string, logger *slog.Logger) *Link {
	return &Link{
		conn:       conn,
		logger:     logger.With("component", "peer link"),
		direction:  direction,
		class:      model.ClassVotingNode,
		remoteHost: remoteHost,
		closed:     make(chan struct{}),
	}
}

// Send encodes msg as one frame and writes it to the remote.
func (l *Link) Send(msg any) error {
	data, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	return l.SendRaw(data)
}

// SendRaw writes one already-encoded frame to the remote.
func (l *Link) SendRaw(data []byte) error {
	select {
	case <-l.closed:
		return errors.New("link is closed")
	default:
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop delivers every decoded frame to onFrame until the link fails or
// closes, then calls onClose exactly once. Malformed frames drop the frame,
// not the link.
func (l *Link) ReadLoop(onFrame func(*codec.Envelope), onClose func(error)) {
	var readErr error
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}

		env, err := codec.Unmarshal(data)
		if err != nil {
			l.logger.Debug("dropping malformed frame", "remote", l.remoteHost, "error", err.Error())
			continue
		}
		onFrame(env)
	}

	l.Close()
	onClose(readErr)
}

// Close shuts the channel down. Safe to call more than once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

// Closed reports whether the link has been shut down.
func (l *Link) Closed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

// NodeID returns the remote nodeId assigned after handshake; empty before.
func (l *Link) NodeID() string {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.nodeID
}

// SetNodeID records the remote nodeId once the handshake names it.
func (l *Link) SetNodeID(id string) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.nodeID = id
}

// Class returns the link class.
func (l *Link) Class() model.LinkClass {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.class
}

// SetClass records the link class once the handshake reveals it.
func (l *Link) SetClass(c model.LinkClass) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	l.class = c
}

// Direction reports who opened the link.
func (l *Link) Direction() model.LinkDirection {
	return l.direction
}

// RemoteHost returns the remote host with loopback addresses mapped to
// localhost, the form stored in the address book.
func (l *Link) RemoteHost() string {
	return l.remoteHost
}

// normalizeHost maps loopback addresses to localhost so address-book
// entries compare equal regardless of which loopback form the socket saw.
func normalizeHost(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "localhost"
	}
	if host == "" {
		return "localhost"
	}
	return host
}
