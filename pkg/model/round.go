package model

import (
	"fmt"
	"strings"
	"time"
)

// Phase represents the phase of a voting round.
type Phase string

const (
	// PhaseWaiting means no round is active
	PhaseWaiting Phase = "WAITING"
	// PhaseVoting is the ballot collection phase
	PhaseVoting Phase = "VOTING"
	// PhaseConsensus is the key release and tally agreement phase
	PhaseConsensus Phase = "CONSENSUS"
	// PhaseFinished is the terminal phase; round state is frozen
	PhaseFinished Phase = "FINISHED"
)

func (p Phase) String() string {
	return string(p)
}

// RoundID mints the identifier of a round created by originID.
func RoundID(now time.Time, originID string) string {
	return fmt.Sprintf("round_%d_%s", now.UnixMilli(), originID)
}

// Ballot is one encrypted vote as stored by the round engine.
type Ballot struct {
	AnonymousVoteID string
	EncryptedData   string
	IV              string
	Signature       string
	Timestamp       int64
	ReceivedAt      time.Time
}

// BallotKey is a released decryption key for one ballot. KeyProvider is the
// node that broadcast the batch carrying it; empty for a bare VOTE_KEY.
type BallotKey struct {
	Key         string
	KeyProvider string
}

// DecryptedVote is the plaintext recovered from one ballot.
type DecryptedVote struct {
	Choice    string
	Timestamp int64
}

// BallotTracking remembers the local node's own ballot so the final tally
// can be self-verified. Never sent on the wire.
type BallotTracking struct {
	AnonymousVoteID string
	Choice          string
	Verified        bool
}

// BallotPlaintext is the record sealed inside one ballot. It carries no
// voter field; the anonymous vote id is the only identifier that survives
// into the final tally.
type BallotPlaintext struct {
	Choice          string `json:"choice"`
	AnonymousVoteID string `json:"anonymousVoteId"`
	Timestamp       int64  `json:"timestamp"`
	RoundID         string `json:"roundId"`
}

// TallyEntry is one line of an ordered tally.
type TallyEntry struct {
	Choice string `json:"choice"`
	Count  int    `json:"count"`
}

// Round holds all state of one voting round. The round engine is the single
// owner; nothing mutates a Round outside the engine's lock.
type Round struct {
	ID                string
	Topic             string
	AllowedChoices    []string // nil means any choice is accepted
	StartTime         time.Time
	Duration          time.Duration
	Phase             Phase
	OriginatedLocally bool

	// EncryptedBallots maps anonymousVoteId to the stored ciphertext
	EncryptedBallots map[string]*Ballot
	// Keys maps anonymousVoteId to its released key
	Keys map[string]*BallotKey
	// Decrypted maps anonymousVoteId to the recovered plaintext
	Decrypted map[string]*DecryptedVote
	// MyKeys holds the keys this node produced, released only in CONSENSUS
	MyKeys map[string]string

	HasVoted bool
	MyBallot *BallotTracking

	// ConsensusNodes is the set of nodes whose proposed tally equals ours
	ConsensusNodes map[string]struct{}

	ResultProposed      bool
	KeysSharingComplete bool
	ConsensusAchieved   bool

	// FinalResults is frozen when the round finishes
	FinalResults []TallyEntry
}

// NewRound builds an empty round in the VOTING phase.
func NewRound(id, topic string, allowedChoices []string, startTime time.Time, duration time.Duration, local bool) *Round {
	return &Round{
		ID:                id,
		Topic:             topic,
		AllowedChoices:    allowedChoices,
		StartTime:         startTime,
		Duration:          duration,
		Phase:             PhaseVoting,
		OriginatedLocally: local,
		EncryptedBallots:  make(map[string]*Ballot),
		Keys:              make(map[string]*BallotKey),
		Decrypted:         make(map[string]*DecryptedVote),
		MyKeys:            make(map[string]string),
		ConsensusNodes:    make(map[string]struct{}),
	}
}

// ChoiceAllowed reports whether choice is acceptable in this round.
// Comparison is case-insensitive; a nil choice set accepts anything.
func (r *Round) ChoiceAllowed(choice string) bool {
	if len(r.AllowedChoices) == 0 {
		return true
	}
	for _, c := range r.AllowedChoices {
		if strings.EqualFold(c, choice) {
			return true
		}
	}
	return false
}

// Remaining returns the wall-clock time left until the round's hard deadline.
func (r *Round) Remaining(now time.Time) time.Duration {
	end := r.StartTime.Add(r.Duration)
	if now.After(end) {
		return 0
	}
	return end.Sub(now)
}

// UniqueKeyProviders counts the distinct nodes that released key batches.
func (r *Round) UniqueKeyProviders() int {
	providers := make(map[string]struct{})
	for _, k := range r.Keys {
		if k.KeyProvider == "" {
			continue
		}
		providers[k.KeyProvider] = struct{}{}
	}
	return len(providers)
}
