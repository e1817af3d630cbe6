// Package round implements the three-phase voting round engine: encrypted
// ballot collection, batched key release, decryption, deterministic
// tallying, and cross-node result agreement.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/votemesh/votemesh/internal/telemetry"
	"github.com/votemesh/votemesh/pkg/common"
	"github.com/votemesh/votemesh/pkg/config"
	"github.com/votemesh/votemesh/pkg/encryption"
	"github.com/votemesh/votemesh/pkg/model"
)

const (
	// consensusFraction of the round duration after which keys are released
	consensusFraction = 0.8
	// minTimerDelay floors re-armed timers when adopting a running round
	minTimerDelay = 100 * time.Millisecond
	// readinessInterval is the repeating key-completeness probe
	readinessInterval = 3 * time.Second
	// settleDelay absorbs late key batches once readiness first holds
	settleDelay = 3 * time.Second
	// consensusFinishDelay separates full agreement from the actual finish
	consensusFinishDelay = 500 * time.Millisecond
	// keyReleaseJitterMin and keyReleaseJitterMax bound the random delay
	// before a node releases its key batch
	keyReleaseJitterMin = 500 * time.Millisecond
	keyReleaseJitterMax = 1500 * time.Millisecond
)

// Broadcaster is the mesh plane the engine sends through.
type Broadcaster interface {
	Broadcast(msg any)
	ActiveNodeCount() int
}

// Notifier mirrors engine events to GUI observers. All methods must be
// safe to call from the engine's goroutines.
type Notifier interface {
	Notify(msg any)
}

// NewEngine creates a round engine for the local node.
func NewEngine(node model.Node, cfg *config.Config, broadcaster Broadcaster, logger *slog.Logger) (*Engine, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}
	if broadcaster == nil {
		return nil, fmt.Errorf("new engine, broadcaster is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("new engine, logger is nil")
	}

	e := &Engine{
		node:        node,
		cfg:         cfg,
		logger:      logger.With("component", "round engine"),
		broadcaster: broadcaster,
		finished:    make(map[string]*model.Round),
	}
	// initialize the round FSM
	e.initializeFsm()
	return e, nil
}

// Engine is the single owner of the round state. Every mutation happens
// under one mutex; timers re-enter through guarded callbacks.
type Engine struct {
	node   model.Node
	cfg    *config.Config
	logger *slog.Logger

	broadcaster Broadcaster
	notifier    Notifier

	// fsm tracks the phase of the current round
	fsm *fsm.FSM

	mu sync.Mutex
	// current is the at-most-one non-finished round (nil when idle)
	current *model.Round
	// finished retains completed rounds by roundId for inspection
	finished map[string]*model.Round

	consensusTimer *time.Timer
	finishTimer    *time.Timer
	settleTimer    *time.Timer
	releaseTimer   *time.Timer
	finishDelay    *time.Timer

	// readinessStop cancels the repeating readiness probe
	readinessStop chan struct{}
}

// BindNotifier attaches the GUI fan-out.
func (e *Engine) BindNotifier(n Notifier) {
	e.notifier = n
}

// Shutdown cancels all outstanding timers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelTimersLocked()
}

// StartRound opens a new voting round originated by this node.
func (e *Engine) StartRound(topic string, allowedChoices []string, votingSeconds int) (*model.Round, error) {
	if topic == "" {
		return nil, fmt.Errorf("round topic is required")
	}

	seconds := e.cfg.ClampVotingSeconds(votingSeconds)
	now := time.Now()

	e.mu.Lock()
	if e.current != nil && e.current.Phase != model.PhaseFinished {
		e.mu.Unlock()
		return nil, fmt.Errorf("%s", common.RejectRoundActive)
	}

	id := model.RoundID(now, e.node.ID)
	r := model.NewRound(id, topic, allowedChoices, now, time.Duration(seconds)*time.Second, true)
	e.adoptRoundLocked(r)
	e.mu.Unlock()

	e.logger.Info("round started", "round", id, "topic", topic, "choices", allowedChoices, "seconds", seconds)
	e.broadcaster.Broadcast(&model.RoundStart{
		Type:              model.TypeRoundStart,
		RoundID:           id,
		Topic:             topic,
		AllowedChoices:    allowedChoices,
		VotingTimeSeconds: seconds,
		StartTime:         now.UnixMilli(),
		From:              e.node.ID,
	})
	return r, nil
}

// HandleRoundStart adopts a round announced by a peer. An incoming round
// wins over the current one only when it started later.
func (e *Engine) HandleRoundStart(msg *model.RoundStart) {
	if msg.RoundID == "" {
		return
	}

	e.mu.Lock()
	if e.current != nil && e.current.Phase != model.PhaseFinished &&
		msg.StartTime <= e.current.StartTime.UnixMilli() {
		e.mu.Unlock()
		e.logger.Debug("ignoring round start", "round", msg.RoundID, "current", e.current.ID)
		return
	}
	if e.current != nil && e.current.ID == msg.RoundID {
		e.mu.Unlock()
		return
	}

	seconds := msg.VotingTimeSeconds
	if seconds <= 0 {
		seconds = e.cfg.DefaultVotingSeconds
	}
	start := time.UnixMilli(msg.StartTime)
	r := model.NewRound(msg.RoundID, msg.Topic, msg.AllowedChoices, start, time.Duration(seconds)*time.Second, false)
	e.adoptRoundLocked(r)
	e.mu.Unlock()

	e.logger.Info("joined round", "round", msg.RoundID, "topic", msg.Topic, "from", msg.From)
	e.notify(msg)
}

// adoptRoundLocked installs r as the current round and arms its timers
// from the remaining wall-clock time.
func (e *Engine) adoptRoundLocked(r *model.Round) {
	e.cancelTimersLocked()
	e.current = r
	e.fireEventLocked(model.EventBeginVoting)

	now := time.Now()
	consensusAt := r.StartTime.Add(time.Duration(consensusFraction * float64(r.Duration)))
	finishAt := r.StartTime.Add(r.Duration)

	id := r.ID
	e.consensusTimer = time.AfterFunc(floorDelay(consensusAt.Sub(now)), func() { e.enterConsensus(id) })
	e.finishTimer = time.AfterFunc(floorDelay(finishAt.Sub(now)), func() { e.FinishRound(id) })
}

func floorDelay(d time.Duration) time.Duration {
	if d < minTimerDelay {
		return minTimerDelay
	}
	return d
}

// CastVote seals and broadcasts this node's ballot for the current round.
func (e *Engine) CastVote(choice string) (*model.BallotTracking, error) {
	e.mu.Lock()

	r := e.current
	switch {
	case r == nil || r.Phase == model.PhaseFinished:
		e.mu.Unlock()
		return nil, fmt.Errorf("%s", common.RejectNoActiveRound)
	case r.Phase != model.PhaseVoting:
		e.mu.Unlock()
		return nil, fmt.Errorf("%s", common.RejectNotVotingPhase)
	case r.HasVoted:
		e.mu.Unlock()
		return nil, fmt.Errorf("%s", common.RejectAlreadyVoted)
	case !r.ChoiceAllowed(choice):
		e.mu.Unlock()
		return nil, fmt.Errorf("%s: %q", common.RejectInvalidChoice, choice)
	}

	key, err := encryption.NewKey()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	iv, err := encryption.NewIV()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	voteID, err := encryption.NewAnonymousVoteID()
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	ts := time.Now().UnixMilli()
	ciphertext, err := encryption.SealBallot(&model.BallotPlaintext{
		Choice:          choice,
		AnonymousVoteID: voteID,
		Timestamp:       ts,
		RoundID:         r.ID,
	}, key, iv)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to seal ballot: %w", err)
	}

	r.HasVoted = true
	r.MyKeys[voteID] = key
	r.MyBallot = &model.BallotTracking{AnonymousVoteID: voteID, Choice: choice}

	msg := &model.EncryptedVote{
		Type:            model.TypeEncryptedVote,
		RoundID:         r.ID,
		AnonymousVoteID: voteID,
		EncryptedData:   ciphertext,
		IV:              iv,
		Timestamp:       ts,
		Signature:       encryption.BallotTag(r.ID, voteID, ciphertext, iv),
	}
	r.EncryptedBallots[voteID] = &model.Ballot{
		AnonymousVoteID: voteID,
		EncryptedData:   ciphertext,
		IV:              iv,
		Signature:       msg.Signature,
		Timestamp:       ts,
		ReceivedAt:      time.Now(),
	}
	tracking := *r.MyBallot
	count := len(r.EncryptedBallots)
	roundID := r.ID
	e.mu.Unlock()

	telemetry.BallotsReceived.Inc()
	e.logger.Info("ballot cast", "round", roundID)
	e.broadcaster.Broadcast(msg)
	e.notify(&model.VoteReceived{Type: model.TypeVoteReceived, RoundID: roundID, Count: count})
	return &tracking, nil
}

// HandleEncryptedVote stores a peer's sealed ballot. Duplicates by
// anonymousVoteId are idempotent.
func (e *Engine) HandleEncryptedVote(msg *model.EncryptedVote) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != msg.RoundID || r.Phase != model.PhaseVoting {
		e.mu.Unlock()
		e.logger.Debug("dropping encrypted vote", "round", msg.RoundID)
		return
	}
	if _, ok := r.EncryptedBallots[msg.AnonymousVoteID]; ok {
		e.mu.Unlock()
		return
	}
	if msg.AnonymousVoteID == "" || msg.EncryptedData == "" || msg.IV == "" {
		e.mu.Unlock()
		return
	}

	r.EncryptedBallots[msg.AnonymousVoteID] = &model.Ballot{
		AnonymousVoteID: msg.AnonymousVoteID,
		EncryptedData:   msg.EncryptedData,
		IV:              msg.IV,
		Signature:       msg.Signature,
		Timestamp:       msg.Timestamp,
		ReceivedAt:      time.Now(),
	}
	count := len(r.EncryptedBallots)
	roundID := r.ID
	e.mu.Unlock()

	telemetry.BallotsReceived.Inc()
	e.logger.Debug("ballot stored", "round", roundID, "ballots", count)
	e.notify(&model.VoteReceived{Type: model.TypeVoteReceived, RoundID: roundID, Count: count})
}

// enterConsensus transitions the round into the key release phase.
func (e *Engine) enterConsensus(roundID string) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != roundID || r.Phase != model.PhaseVoting {
		e.mu.Unlock()
		return
	}

	r.Phase = model.PhaseConsensus
	r.ResultProposed = false
	r.KeysSharingComplete = false
	e.fireEventLocked(model.EventBeginConsensus)

	// stagger key release so batches do not collide on the wire
	jitter := keyReleaseJitterMin +
		time.Duration(rand.Int63n(int64(keyReleaseJitterMax-keyReleaseJitterMin)+1))
	e.releaseTimer = time.AfterFunc(jitter, func() { e.releaseKeys(roundID) })

	e.readinessStop = make(chan struct{})
	go e.readinessLoop(roundID, e.readinessStop)
	e.mu.Unlock()

	e.logger.Info("entering consensus phase", "round", roundID, "keyReleaseIn", jitter.String())
	e.notify(&model.PhaseChange{
		Type:    model.TypePhaseChange,
		RoundID: roundID,
		Phase:   model.PhaseConsensus.String(),
		From:    e.node.ID,
	})
}

// releaseKeys broadcasts every key this node produced in one shuffled
// batch. The shuffle breaks any correlation between ballot receive order
// and key receive order.
func (e *Engine) releaseKeys(roundID string) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != roundID || r.Phase != model.PhaseConsensus {
		e.mu.Unlock()
		return
	}

	releases := make([]model.KeyRelease, 0, len(r.MyKeys))
	for id, key := range r.MyKeys {
		releases = append(releases, model.KeyRelease{AnonymousVoteID: id, Key: key})
	}
	rand.Shuffle(len(releases), func(i, j int) {
		releases[i], releases[j] = releases[j], releases[i]
	})

	// our own keys enter the round store as if received
	for _, kr := range releases {
		if _, ok := r.Keys[kr.AnonymousVoteID]; !ok {
			r.Keys[kr.AnonymousVoteID] = &model.BallotKey{Key: kr.Key, KeyProvider: e.node.ID}
		}
	}
	e.decryptPendingLocked(r)
	e.checkReadinessLocked(r)
	e.mu.Unlock()

	e.logger.Info("releasing vote keys", "round", roundID, "keys", len(releases))
	e.broadcaster.Broadcast(&model.BatchVoteKeys{
		Type:    model.TypeBatchVoteKeys,
		RoundID: roundID,
		Keys:    releases,
		From:    e.node.ID,
	})
}

// HandleBatchVoteKeys merges a peer's released keys; duplicates are
// ignored and every new key triggers decryption.
func (e *Engine) HandleBatchVoteKeys(msg *model.BatchVoteKeys) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != msg.RoundID || r.Phase == model.PhaseFinished {
		e.mu.Unlock()
		e.logger.Debug("dropping key batch", "round", msg.RoundID)
		return
	}

	added := 0
	for _, kr := range msg.Keys {
		if kr.AnonymousVoteID == "" || kr.Key == "" {
			continue
		}
		if _, ok := r.Keys[kr.AnonymousVoteID]; ok {
			continue
		}
		r.Keys[kr.AnonymousVoteID] = &model.BallotKey{Key: kr.Key, KeyProvider: msg.From}
		added++
	}
	if added > 0 {
		e.decryptPendingLocked(r)
	}
	if r.Phase == model.PhaseConsensus {
		e.checkReadinessLocked(r)
	}
	e.mu.Unlock()

	e.logger.Debug("merged key batch", "round", msg.RoundID, "from", msg.From, "new", added)
}

// HandleVoteKey merges a single released key. Normal operation never
// sends one, but ingress is accepted defensively.
func (e *Engine) HandleVoteKey(msg *model.VoteKey) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != msg.RoundID || r.Phase == model.PhaseFinished {
		e.mu.Unlock()
		return
	}
	if msg.AnonymousVoteID == "" || msg.Key == "" {
		e.mu.Unlock()
		return
	}
	if _, ok := r.Keys[msg.AnonymousVoteID]; !ok {
		r.Keys[msg.AnonymousVoteID] = &model.BallotKey{Key: msg.Key}
		e.decryptPendingLocked(r)
		if r.Phase == model.PhaseConsensus {
			e.checkReadinessLocked(r)
		}
	}
	e.mu.Unlock()
}

// decryptPendingLocked opens every ballot that has a key and is not yet
// decrypted. A ballot that fails to open is dropped silently.
func (e *Engine) decryptPendingLocked(r *model.Round) {
	for id, ballot := range r.EncryptedBallots {
		if _, done := r.Decrypted[id]; done {
			continue
		}
		bk, ok := r.Keys[id]
		if !ok {
			continue
		}

		plaintext, err := encryption.OpenBallot(ballot.EncryptedData, bk.Key, ballot.IV)
		if err != nil {
			e.logger.Debug("failed to open ballot", "round", r.ID, "error", err.Error())
			continue
		}
		if plaintext.AnonymousVoteID != id || plaintext.RoundID != r.ID {
			e.logger.Debug("ballot plaintext does not match its envelope", "round", r.ID)
			continue
		}
		r.Decrypted[id] = &model.DecryptedVote{Choice: plaintext.Choice, Timestamp: plaintext.Timestamp}
	}
}

// readinessLoop re-probes key completeness while the round stays in
// CONSENSUS; the loop dies with the round.
func (e *Engine) readinessLoop(roundID string, stop chan struct{}) {
	tk := time.NewTicker(readinessInterval)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			e.mu.Lock()
			r := e.current
			if r == nil || r.ID != roundID || r.Phase != model.PhaseConsensus {
				e.mu.Unlock()
				return
			}
			e.decryptPendingLocked(r)
			e.checkReadinessLocked(r)
			e.mu.Unlock()
		}
	}
}

// checkReadinessLocked latches keysSharingComplete once every ciphertext
// has a key and every live node has released a batch, then waits the
// settle period before proposing.
func (e *Engine) checkReadinessLocked(r *model.Round) {
	if r.KeysSharingComplete || r.Phase != model.PhaseConsensus {
		return
	}
	if len(r.Keys) < len(r.EncryptedBallots) {
		return
	}
	if r.UniqueKeyProviders() < e.broadcaster.ActiveNodeCount() {
		return
	}

	r.KeysSharingComplete = true
	id := r.ID
	e.settleTimer = time.AfterFunc(settleDelay, func() { e.propose(id) })
	e.logger.Info("key sharing complete, settling", "round", id, "settle", settleDelay.String())
}

// propose computes our tally, broadcasts it, and counts ourselves into
// the agreement set.
func (e *Engine) propose(roundID string) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != roundID || r.Phase != model.PhaseConsensus || r.ResultProposed {
		e.mu.Unlock()
		return
	}

	e.decryptPendingLocked(r)
	results := Tally(r.Decrypted)
	r.ResultProposed = true
	r.ConsensusNodes[e.node.ID] = struct{}{}
	voteCount := len(r.Decrypted)
	e.mu.Unlock()

	e.logger.Info("proposing results", "round", roundID, "votes", voteCount)
	e.broadcaster.Broadcast(&model.ResultProposal{
		Type:      model.TypeResultProposal,
		RoundID:   roundID,
		Results:   results,
		VoteCount: voteCount,
		From:      e.node.ID,
	})

	e.mu.Lock()
	if r := e.current; r != nil && r.ID == roundID {
		e.checkConsensusLocked(r)
	}
	e.mu.Unlock()
}

// FinishRound freezes the round. Idempotent; the hard deadline, the
// consensus path, and shutdown may all race into it.
func (e *Engine) FinishRound(roundID string) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != roundID || r.Phase == model.PhaseFinished {
		e.mu.Unlock()
		return
	}

	e.cancelTimersLocked()
	r.Phase = model.PhaseFinished
	e.fireEventLocked(model.EventFinish)
	r.FinalResults = Tally(r.Decrypted)
	e.finished[r.ID] = r

	// self-verification: our ballot must surface with our choice
	if r.MyBallot != nil {
		dv, ok := r.Decrypted[r.MyBallot.AnonymousVoteID]
		if ok && equalChoice(dv.Choice, r.MyBallot.Choice) {
			r.MyBallot.Verified = true
		} else {
			e.logger.Warn("ballot self-verification failed", "round", r.ID)
		}
	}

	results := append([]model.TallyEntry(nil), r.FinalResults...)
	msg := &model.Results{
		Type:               model.TypeResults,
		RoundID:            r.ID,
		Topic:              r.Topic,
		Results:            results,
		VoteCount:          len(r.Decrypted),
		ParticipatingNodes: len(r.EncryptedBallots),
		ActiveNodes:        e.broadcaster.ActiveNodeCount(),
		ConsensusAchieved:  r.ConsensusAchieved,
	}
	e.mu.Unlock()

	telemetry.RoundsFinished.Inc()
	e.logger.Info("round finished", "round", roundID,
		"votes", msg.VoteCount, "ballots", msg.ParticipatingNodes, "consensus", msg.ConsensusAchieved)
	e.notify(msg)
}

// cancelTimersLocked stops every outstanding timer of the current round.
func (e *Engine) cancelTimersLocked() {
	for _, t := range []*time.Timer{e.consensusTimer, e.finishTimer, e.settleTimer, e.releaseTimer, e.finishDelay} {
		if t != nil {
			t.Stop()
		}
	}
	e.consensusTimer, e.finishTimer, e.settleTimer, e.releaseTimer, e.finishDelay = nil, nil, nil, nil, nil
	if e.readinessStop != nil {
		close(e.readinessStop)
		e.readinessStop = nil
	}
}

// notify mirrors an engine event to observers when a fan-out is bound.
func (e *Engine) notify(msg any) {
	if e.notifier != nil {
		e.notifier.Notify(msg)
	}
}

// fireEventLocked drives the FSM; an illegal transition is a programming
// error and unacceptable. Same-state transitions happen when a newer
// round replaces one in the same phase and are not errors.
func (e *Engine) fireEventLocked(ev model.RoundEvent) {
	err := e.fsm.Event(context.TODO(), ev.String())
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	e.logger.Error("error state transition", "current state", e.fsm.Current(), "event", ev.String())
	panic("unrecoverable error: wrong state transition")
}

// initializeFsm initializes the phase machine of the round engine.
func (e *Engine) initializeFsm() {
	e.fsm = fsm.NewFSM(
		model.PhaseWaiting.String(),
		fsm.Events{
			{
				Name: model.EventBeginVoting.String(),
				Src: []string{
					model.PhaseWaiting.String(),
					model.PhaseVoting.String(),
					model.PhaseConsensus.String(),
					model.PhaseFinished.String(),
				},
				Dst: model.PhaseVoting.String(),
			},
			{
				Name: model.EventBeginConsensus.String(),
				Src:  []string{model.PhaseVoting.String()},
				Dst:  model.PhaseConsensus.String(),
			},
			{
				Name: model.EventFinish.String(),
				Src: []string{
					model.PhaseVoting.String(),
					model.PhaseConsensus.String(),
				},
				Dst: model.PhaseFinished.String(),
			},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				e.logger.Debug("round phase transition", "from", ev.Src, "to", ev.Dst)
			},
		},
	)
}
