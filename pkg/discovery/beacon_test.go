package discovery

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votemesh/votemesh/pkg/codec"
)

func TestNewBeaconValidation(t *testing.T) {
	onPeer := func(string, int, string) {}

	_, err := NewBeacon("alice", 3001, 41234, "255.255.255.255", 5*time.Second, onPeer, nil)
	assert.Error(t, err)

	_, err = NewBeacon("alice", 3001, 41234, "255.255.255.255", 5*time.Second, nil, slog.Default())
	assert.Error(t, err)

	b, err := NewBeacon("alice", 3001, 41234, "255.255.255.255", 5*time.Second, onPeer, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestAnnouncementWireFormat(t *testing.T) {
	data, err := codec.Marshal(&Announcement{NodeID: "alice", Port: 3001})
	require.NoError(t, err)

	got := &Announcement{}
	require.NoError(t, codec.UnmarshalInto(data, got))
	assert.Equal(t, &Announcement{NodeID: "alice", Port: 3001}, got)
}

func TestBeaconLoopback(t *testing.T) {
	// our own announcements loop back over the broadcast address and must
	// never surface through the peer callback
	seen := make(chan string, 8)
	a, err := NewBeacon("alice", 3001, 41299, "127.255.255.255", 100*time.Millisecond,
		func(host string, port int, nodeID string) { seen <- nodeID }, slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	t.Cleanup(a.Stop)

	select {
	case id := <-seen:
		// only a foreign id may ever surface
		assert.NotEqual(t, "alice", id)
	case <-time.After(2 * time.Second):
		// a sandboxed network may drop broadcast traffic entirely;
		// nothing to assert then
		t.Skip("no broadcast traffic observed on loopback")
	}
}
