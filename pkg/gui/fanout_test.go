package gui

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/model"
	"github.com/votemesh/votemesh/pkg/transport/ws"
)

// observerPair connects one observer client to a fanout via a real link.
func observerPair(t *testing.T, port int) (*Fanout, chan *codec.Envelope) {
	t.Helper()
	logger := slog.Default()

	fanout, err := NewFanout(logger)
	require.NoError(t, err)
	t.Cleanup(fanout.Shutdown)

	srv, err := ws.NewServer(logger)
	require.NoError(t, err)
	require.NoError(t, srv.Start(fmt.Sprintf(":%d", port), func(l *ws.Link) {
		l.SetClass(model.ClassObserver)
		fanout.Register("gui-test", l)
		go l.ReadLoop(func(*codec.Envelope) {}, func(error) { fanout.Unregister(l) })
	}))
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ws.Dial(ctx, "127.0.0.1", port, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	received := make(chan *codec.Envelope, 16)
	go client.ReadLoop(func(env *codec.Envelope) { received <- env }, func(error) {})

	require.Eventually(t, func() bool { return fanout.ObserverCount() == 1 },
		3*time.Second, 20*time.Millisecond)
	return fanout, received
}

func TestMirrorReachesObserver(t *testing.T) {
	fanout, received := observerPair(t, 37530)

	fanout.Mirror(&model.PhaseChange{
		Type:    model.TypePhaseChange,
		RoundID: "round_1_alice",
		Phase:   model.PhaseConsensus.String(),
		From:    "alice",
	})

	select {
	case env := <-received:
		assert.Equal(t, model.TypePhaseChange, env.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("observer did not receive the mirror")
	}
}

type echoExecutor struct{}

func (echoExecutor) Execute(command string, args []string) string {
	return "ran " + command
}

func TestHandleCommandAnswersOnSameLink(t *testing.T) {
	fanout, received := observerPair(t, 37531)
	fanout.BindExecutor(echoExecutor{})

	// commands are answered on whatever link carried them, so take the
	// registered server-side link from the fanout and drive the handler
	// directly with it
	var serverLink *ws.Link
	fanout.mu.Lock()
	for l := range fanout.observers {
		serverLink = l
	}
	fanout.mu.Unlock()
	require.NotNil(t, serverLink)

	fanout.HandleCommand(serverLink, &model.Command{
		Type:    model.TypeCommand,
		Command: "status",
	})

	select {
	case env := <-received:
		assert.Equal(t, model.TypeCommandResponse, env.Type)
		resp := &model.CommandResponse{}
		require.NoError(t, env.Decode(resp))
		assert.Equal(t, "ran status", resp.Response)
	case <-time.After(3 * time.Second):
		t.Fatal("command response did not arrive")
	}
}

type fixedStatus struct{}

func (fixedStatus) StatusSnapshot() *model.StatusUpdate {
	return &model.StatusUpdate{Type: model.TypeStatusUpdate, NodeID: "alice", Peers: 2}
}

func TestStatusStream(t *testing.T) {
	fanout, received := observerPair(t, 37532)
	fanout.BindStatus(fixedStatus{})
	fanout.Start(50 * time.Millisecond)

	select {
	case env := <-received:
		assert.Equal(t, model.TypeStatusUpdate, env.Type)
	case <-time.After(3 * time.Second):
		t.Fatal("status update did not arrive")
	}
}

func TestUnregister(t *testing.T) {
	fanout, _ := observerPair(t, 37533)
	fanout.mu.Lock()
	var serverLink *ws.Link
	for l := range fanout.observers {
		serverLink = l
	}
	fanout.mu.Unlock()

	fanout.Unregister(serverLink)
	assert.Equal(t, 0, fanout.ObserverCount())
}
