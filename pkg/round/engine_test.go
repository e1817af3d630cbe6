package round

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/votemesh/votemesh/pkg/codec"
	"github.com/votemesh/votemesh/pkg/config"
	"github.com/votemesh/votemesh/pkg/model"
)

// hub wires engines together in-process: every broadcast is delivered
// synchronously to all other engines, the way the mesh would.
type hub struct {
	mu      sync.Mutex
	engines map[string]*Engine
	sent    []any
}

func newHub() *hub {
	return &hub{engines: make(map[string]*Engine)}
}

func (h *hub) sentOfType(t model.MessageType) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, msg := range h.sent {
		switch m := msg.(type) {
		case *model.RoundStart:
			if m.Type == t {
				out = append(out, m)
			}
		case *model.EncryptedVote:
			if m.Type == t {
				out = append(out, m)
			}
		case *model.BatchVoteKeys:
			if m.Type == t {
				out = append(out, m)
			}
		case *model.ResultProposal:
			if m.Type == t {
				out = append(out, m)
			}
		}
	}
	return out
}

// plane is one engine's view of the hub.
type plane struct {
	hub  *hub
	self string
}

func (p *plane) Broadcast(msg any) {
	p.hub.mu.Lock()
	p.hub.sent = append(p.hub.sent, msg)
	peers := make([]*Engine, 0, len(p.hub.engines))
	for id, e := range p.hub.engines {
		if id != p.self {
			peers = append(peers, e)
		}
	}
	p.hub.mu.Unlock()

	for _, e := range peers {
		switch m := msg.(type) {
		case *model.RoundStart:
			e.HandleRoundStart(m)
		case *model.EncryptedVote:
			e.HandleEncryptedVote(m)
		case *model.BatchVoteKeys:
			e.HandleBatchVoteKeys(m)
		case *model.VoteKey:
			e.HandleVoteKey(m)
		case *model.ResultProposal:
			e.HandleResultProposal(m)
		}
	}
}

func (p *plane) ActiveNodeCount() int {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	return len(p.hub.engines)
}

func newTestEngine(t *testing.T, h *hub, id string) *Engine {
	t.Helper()
	cfg := (&config.Config{NodeID: id, Port: 3001}).WithDefaults()
	e, err := NewEngine(model.Node{ID: id, Port: 3001, StartupTime: time.Now()}, cfg,
		&plane{hub: h, self: id}, slog.Default())
	require.NoError(t, err)
	h.mu.Lock()
	h.engines[id] = e
	h.mu.Unlock()
	t.Cleanup(e.Shutdown)
	return e
}

func TestStartRoundClampsDuration(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		want    int
	}{
		{name: "below_minimum", seconds: 29, want: 100},
		{name: "at_minimum", seconds: 30, want: 30},
		{name: "at_maximum", seconds: 600, want: 600},
		{name: "above_maximum", seconds: 601, want: 100},
		{name: "unset", seconds: 0, want: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, newHub(), "alice")
			r, err := e.StartRound("topic", nil, tt.seconds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, int(r.Duration.Seconds()))
		})
	}
}

func TestStartRoundRejectsSecondRound(t *testing.T) {
	e := newTestEngine(t, newHub(), "alice")
	_, err := e.StartRound("first", nil, 60)
	require.NoError(t, err)
	_, err = e.StartRound("second", nil, 60)
	assert.Error(t, err)
}

func TestCastVotePolicy(t *testing.T) {
	h := newHub()
	e := newTestEngine(t, h, "alice")

	// no active round
	_, err := e.CastVote("yes")
	assert.Error(t, err)

	_, err = e.StartRound("Deploy?", []string{"yes", "no"}, 60)
	require.NoError(t, err)

	// choice outside the allowed set, no frame broadcast
	_, err = e.CastVote("maybe")
	assert.Error(t, err)
	assert.Empty(t, h.sentOfType(model.TypeEncryptedVote))

	// allowed choice is case-insensitive
	tracking, err := e.CastVote("YES")
	require.NoError(t, err)
	assert.NotEmpty(t, tracking.AnonymousVoteID)
	assert.False(t, tracking.Verified)

	// one ballot per node per round
	_, err = e.CastVote("no")
	assert.Error(t, err)
	assert.Len(t, h.sentOfType(model.TypeEncryptedVote), 1)
}

func TestEncryptedVoteFrameCarriesNoSender(t *testing.T) {
	h := newHub()
	e := newTestEngine(t, h, "alice")
	_, err := e.StartRound("Deploy?", nil, 60)
	require.NoError(t, err)
	_, err = e.CastVote("yes")
	require.NoError(t, err)

	votes := h.sentOfType(model.TypeEncryptedVote)
	require.Len(t, votes, 1)

	data, err := codec.Marshal(votes[0])
	require.NoError(t, err)
	env, err := codec.Unmarshal(data)
	require.NoError(t, err)
	_, hasFrom := env.Raw["from"]
	assert.False(t, hasFrom, "an encrypted vote must not identify its caster")
}

func TestHandleEncryptedVoteIdempotent(t *testing.T) {
	e := newTestEngine(t, newHub(), "alice")
	r, err := e.StartRound("topic", nil, 60)
	require.NoError(t, err)

	msg := &model.EncryptedVote{
		Type:            model.TypeEncryptedVote,
		RoundID:         r.ID,
		AnonymousVoteID: "aabbcc",
		EncryptedData:   "00",
		IV:              "11",
		Timestamp:       time.Now().UnixMilli(),
	}
	e.HandleEncryptedVote(msg)
	e.HandleEncryptedVote(msg)
	assert.Equal(t, 1, e.Snapshot().EncryptedVotes)

	// a ballot for another round is dropped
	other := *msg
	other.RoundID = "round_1_bob"
	other.AnonymousVoteID = "ddeeff"
	e.HandleEncryptedVote(&other)
	assert.Equal(t, 1, e.Snapshot().EncryptedVotes)
}

func TestHandleBatchVoteKeysIdempotent(t *testing.T) {
	e := newTestEngine(t, newHub(), "alice")
	r, err := e.StartRound("topic", nil, 60)
	require.NoError(t, err)

	batch := &model.BatchVoteKeys{
		Type:    model.TypeBatchVoteKeys,
		RoundID: r.ID,
		Keys:    []model.KeyRelease{{AnonymousVoteID: "aabbcc", Key: "deadbeef"}},
		From:    "bob",
	}
	e.HandleBatchVoteKeys(batch)
	before := e.Snapshot().KeysHeld
	e.HandleBatchVoteKeys(batch)
	assert.Equal(t, before, e.Snapshot().KeysHeld)
	assert.Equal(t, 1, before)
}

func TestHandleRoundStartPrecedence(t *testing.T) {
	e := newTestEngine(t, newHub(), "alice")
	r, err := e.StartRound("current", nil, 60)
	require.NoError(t, err)

	// an older round announcement is ignored
	e.HandleRoundStart(&model.RoundStart{
		Type:      model.TypeRoundStart,
		RoundID:   "round_1_bob",
		Topic:     "older",
		StartTime: r.StartTime.UnixMilli() - 1000,
		From:      "bob",
	})
	assert.Equal(t, r.ID, e.Snapshot().RoundID)

	// a newer one replaces the current round
	e.HandleRoundStart(&model.RoundStart{
		Type:              model.TypeRoundStart,
		RoundID:           "round_2_bob",
		Topic:             "newer",
		VotingTimeSeconds: 60,
		StartTime:         r.StartTime.UnixMilli() + 1000,
		From:              "bob",
	})
	assert.Equal(t, "round_2_bob", e.Snapshot().RoundID)
	assert.Equal(t, "newer", e.Snapshot().Topic)
}

func TestFinishRoundIdempotent(t *testing.T) {
	e := newTestEngine(t, newHub(), "alice")
	r, err := e.StartRound("topic", nil, 60)
	require.NoError(t, err)
	_, err = e.CastVote("yes")
	require.NoError(t, err)

	e.FinishRound(r.ID)
	first := e.Snapshot()
	e.FinishRound(r.ID)
	second := e.Snapshot()

	assert.Equal(t, model.PhaseFinished, first.Phase)
	assert.Equal(t, first, second)
}

func TestThreeNodeRound(t *testing.T) {
	h := newHub()
	alice := newTestEngine(t, h, "alice")
	bob := newTestEngine(t, h, "bob")
	carol := newTestEngine(t, h, "carol")
	engines := []*Engine{alice, bob, carol}

	r, err := alice.StartRound("Deploy?", []string{"yes", "no"}, 40)
	require.NoError(t, err)

	// everyone joined the announced round
	for _, e := range engines {
		require.Equal(t, r.ID, e.Snapshot().RoundID)
	}

	_, err = alice.CastVote("yes")
	require.NoError(t, err)
	_, err = bob.CastVote("no")
	require.NoError(t, err)
	_, err = carol.CastVote("yes")
	require.NoError(t, err)

	for _, e := range engines {
		assert.Equal(t, 3, e.Snapshot().EncryptedVotes)
	}

	// drive the phase transitions instead of waiting out the timers
	for _, e := range engines {
		e.enterConsensus(r.ID)
	}
	for _, e := range engines {
		e.releaseKeys(r.ID)
	}

	// every node holds a key for every ciphertext and can decrypt all
	for _, e := range engines {
		snap := e.Snapshot()
		assert.Equal(t, 3, snap.KeysHeld)
		assert.Equal(t, 3, snap.DecryptedVotes)
		assert.True(t, snap.KeysSharing)
	}

	// propose without waiting out the settle window
	for _, e := range engines {
		e.propose(r.ID)
	}

	want := []model.TallyEntry{{Choice: "yes", Count: 2}, {Choice: "no", Count: 1}}
	for _, e := range engines {
		snap := e.Snapshot()
		assert.True(t, snap.ConsensusAchieved)
		assert.Equal(t, 3, snap.ConsensusNodes)
		assert.Equal(t, want, snap.Results)
	}

	// full agreement finishes the round shortly after
	require.Eventually(t, func() bool {
		for _, e := range engines {
			if e.Phase() != model.PhaseFinished {
				return false
			}
		}
		return true
	}, 3*time.Second, 50*time.Millisecond)

	for _, e := range engines {
		assert.Equal(t, want, e.Snapshot().Results)
		tracking, err := e.VerifyBallot()
		require.NoError(t, err)
		assert.True(t, tracking.Verified)
	}
}

func TestLostKeyBatchKeepsRoundFinishable(t *testing.T) {
	h := newHub()
	alice := newTestEngine(t, h, "alice")
	bob := newTestEngine(t, h, "bob")

	r, err := alice.StartRound("topic", nil, 40)
	require.NoError(t, err)
	_, err = alice.CastVote("yes")
	require.NoError(t, err)
	_, err = bob.CastVote("no")
	require.NoError(t, err)

	alice.enterConsensus(r.ID)
	bob.enterConsensus(r.ID)
	// only alice releases her keys; bob's batch is lost in transit
	alice.releaseKeys(r.ID)

	snap := alice.Snapshot()
	assert.Equal(t, 2, snap.EncryptedVotes)
	assert.Equal(t, 1, snap.DecryptedVotes)
	assert.False(t, snap.KeysSharing)

	// the hard deadline still freezes a best-effort tally
	alice.FinishRound(r.ID)
	snap = alice.Snapshot()
	assert.Equal(t, model.PhaseFinished, snap.Phase)
	assert.False(t, snap.ConsensusAchieved)
	assert.Equal(t, []model.TallyEntry{{Choice: "yes", Count: 1}}, snap.Results)
}
