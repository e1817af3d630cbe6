package round

import (
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/votemesh/votemesh/pkg/model"
)

// Snapshot is a read-only view of the current (or last finished) round.
type Snapshot struct {
	RoundID           string
	Topic             string
	Phase             model.Phase
	AllowedChoices    []string
	TimeRemaining     time.Duration
	EncryptedVotes    int
	DecryptedVotes    int
	KeysHeld          int
	HasVoted          bool
	ResultProposed    bool
	KeysSharing       bool
	ConsensusNodes    int
	ConsensusAchieved bool
	Results           []model.TallyEntry
	OriginatedLocally bool
}

// Snapshot returns the state of the current round, or nil when the engine
// has never seen one.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil {
		return nil
	}
	s := &Snapshot{
		RoundID:           r.ID,
		Topic:             r.Topic,
		Phase:             r.Phase,
		AllowedChoices:    append([]string(nil), r.AllowedChoices...),
		TimeRemaining:     r.Remaining(time.Now()),
		EncryptedVotes:    len(r.EncryptedBallots),
		DecryptedVotes:    len(r.Decrypted),
		KeysHeld:          len(r.Keys),
		HasVoted:          r.HasVoted,
		ResultProposed:    r.ResultProposed,
		KeysSharing:       r.KeysSharingComplete,
		ConsensusNodes:    len(r.ConsensusNodes),
		ConsensusAchieved: r.ConsensusAchieved,
		OriginatedLocally: r.OriginatedLocally,
	}
	if r.Phase == model.PhaseFinished {
		s.Results = append([]model.TallyEntry(nil), r.FinalResults...)
		s.TimeRemaining = 0
	} else {
		s.Results = Tally(r.Decrypted)
	}
	return s
}

// Phase returns the engine's current phase; WAITING when no round exists.
func (e *Engine) Phase() model.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return model.PhaseWaiting
	}
	return e.current.Phase
}

// VerifyBallot re-runs the self-verification of our own ballot and
// returns the tracking record.
func (e *Engine) VerifyBallot() (*model.BallotTracking, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.current
	if r == nil {
		return nil, fmt.Errorf("no round to verify against")
	}
	if r.MyBallot == nil {
		return nil, fmt.Errorf("no ballot was cast in round %s", r.ID)
	}

	if dv, ok := r.Decrypted[r.MyBallot.AnonymousVoteID]; ok && equalChoice(dv.Choice, r.MyBallot.Choice) {
		r.MyBallot.Verified = true
	}
	tracking := *r.MyBallot
	return &tracking, nil
}

// Visualize returns a visualization of the round phase machine in
// Graphviz format.
func (e *Engine) Visualize() string {
	return fsm.Visualize(e.fsm)
}

// FinishedRounds returns the ids of all rounds retained after finishing.
func (e *Engine) FinishedRounds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.finished))
	for id := range e.finished {
		out = append(out, id)
	}
	return out
}
