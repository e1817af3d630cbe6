package round

import (
	"time"

	"github.com/votemesh/votemesh/pkg/model"
)

// HandleResultProposal compares a peer's proposed tally against our own.
// Agreement grows the consensus set; disagreement is logged and tolerated,
// the hard deadline remains the backstop.
func (e *Engine) HandleResultProposal(msg *model.ResultProposal) {
	e.mu.Lock()
	r := e.current
	if r == nil || r.ID != msg.RoundID || r.Phase == model.PhaseFinished {
		e.mu.Unlock()
		e.logger.Debug("dropping result proposal", "round", msg.RoundID)
		return
	}

	e.decryptPendingLocked(r)
	ours := Tally(r.Decrypted)
	if !TalliesEqual(ours, msg.Results) {
		e.mu.Unlock()
		e.logger.Warn("tally disagreement", "round", msg.RoundID, "peer", msg.From,
			"ourVotes", len(ours), "peerVotes", len(msg.Results))
		return
	}

	r.ConsensusNodes[msg.From] = struct{}{}
	r.ConsensusNodes[e.node.ID] = struct{}{}
	agreeing := len(r.ConsensusNodes)
	e.checkConsensusLocked(r)
	e.mu.Unlock()

	e.logger.Info("tally agreement", "round", msg.RoundID, "peer", msg.From, "agreeing", agreeing)
}

// checkConsensusLocked latches consensusAchieved once every active node
// agrees, cancels the hard deadline, and finishes shortly after.
func (e *Engine) checkConsensusLocked(r *model.Round) {
	if r.ConsensusAchieved || r.Phase == model.PhaseFinished {
		return
	}
	if len(r.ConsensusNodes) < e.broadcaster.ActiveNodeCount() {
		return
	}

	r.ConsensusAchieved = true
	if e.finishTimer != nil {
		e.finishTimer.Stop()
		e.finishTimer = nil
	}
	id := r.ID
	e.finishDelay = time.AfterFunc(consensusFinishDelay, func() { e.FinishRound(id) })
	e.logger.Info("consensus achieved", "round", id, "nodes", len(r.ConsensusNodes))
}
