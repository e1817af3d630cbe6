package model

// MessageType is the mandatory type discriminant of every wire frame.
type MessageType string

const (
	// mesh plane

	// TypeHandshake opens a peer link
	TypeHandshake MessageType = "HANDSHAKE"
	// TypeHandshakeAck completes a handshake
	TypeHandshakeAck MessageType = "HANDSHAKE_ACK"
	// TypeHeartbeat is the periodic liveness broadcast
	TypeHeartbeat MessageType = "HEARTBEAT"
	// TypePeerExchangeRequest asks a peer for its peer list
	TypePeerExchangeRequest MessageType = "PEER_EXCHANGE_REQUEST"
	// TypePeerExchangeResponse carries a peer list back
	TypePeerExchangeResponse MessageType = "PEER_EXCHANGE_RESPONSE"
	// TypeDuplicateNodeRejection tells a remote its name is already taken
	TypeDuplicateNodeRejection MessageType = "DUPLICATE_NODE_REJECTION"

	// voting plane

	// TypeRoundStart announces a new voting round
	TypeRoundStart MessageType = "ROUND_START"
	// TypeEncryptedVote carries one sealed ballot; it has no sender field
	TypeEncryptedVote MessageType = "ENCRYPTED_VOTE"
	// TypeBatchVoteKeys releases all keys a node produced, shuffled
	TypeBatchVoteKeys MessageType = "BATCH_VOTE_KEYS"
	// TypeVoteKey releases a single key; accepted defensively on ingress
	TypeVoteKey MessageType = "VOTE_KEY"
	// TypeResultProposal proposes a tally for cross-node agreement
	TypeResultProposal MessageType = "RESULT_PROPOSAL"

	// observer plane

	// TypeStatusUpdate is the periodic observer status snapshot
	TypeStatusUpdate MessageType = "STATUS_UPDATE"
	// TypePhaseChange mirrors a round phase transition to observers
	TypePhaseChange MessageType = "PHASE_CHANGE"
	// TypeVoteReceived mirrors the encrypted-ballot count to observers
	TypeVoteReceived MessageType = "VOTE_RECEIVED"
	// TypeResults mirrors the final tally to observers
	TypeResults MessageType = "RESULTS"
	// TypeCommand is an observer-issued operator command
	TypeCommand MessageType = "COMMAND"
	// TypeCommandResponse answers an observer command
	TypeCommandResponse MessageType = "COMMAND_RESPONSE"
)

func (m MessageType) String() string {
	return string(m)
}

// Handshake is sent by the dialing side immediately after a link opens,
// and by a GUI observer to identify itself.
type Handshake struct {
	Type        MessageType `json:"type"`
	From        string      `json:"from"`
	Port        int         `json:"port,omitempty"`
	KnownPeers  []PeerInfo  `json:"knownPeers,omitempty"`
	StartupTime int64       `json:"startupTime,omitempty"`
	IsGUI       bool        `json:"isGUI,omitempty"`
}

// HandshakeAck completes a handshake and carries the responder's peer list.
type HandshakeAck struct {
	Type        MessageType `json:"type"`
	From        string      `json:"from"`
	Port        int         `json:"port,omitempty"`
	KnownPeers  []PeerInfo  `json:"knownPeers,omitempty"`
	StartupTime int64       `json:"startupTime,omitempty"`
}

// Heartbeat is the periodic liveness broadcast.
type Heartbeat struct {
	Type MessageType `json:"type"`
	From string      `json:"from"`
}

// PeerExchangeRequest asks the remote for its peer list. Validation probes
// set IsValidation and use a transient validator id as From.
type PeerExchangeRequest struct {
	Type         MessageType `json:"type"`
	From         string      `json:"from"`
	IsValidation bool        `json:"isValidation,omitempty"`
}

// PeerExchangeResponse enumerates seed peers and currently-active peers.
type PeerExchangeResponse struct {
	Type  MessageType `json:"type"`
	From  string      `json:"from"`
	Peers []PeerInfo  `json:"peers"`
}

// DuplicateNodeRejection tells the remote its node name is already in use.
type DuplicateNodeRejection struct {
	Type           MessageType `json:"type"`
	Reason         string      `json:"reason"`
	ExistingNodeID string      `json:"existingNodeId"`
}

// RoundStart announces a new voting round to the mesh.
type RoundStart struct {
	Type              MessageType `json:"type"`
	RoundID           string      `json:"roundId"`
	Topic             string      `json:"topic"`
	AllowedChoices    []string    `json:"allowedChoices,omitempty"`
	VotingTimeSeconds int         `json:"votingTimeSeconds"`
	StartTime         int64       `json:"startTime"`
	From              string      `json:"from"`
}

// EncryptedVote carries one sealed ballot. It intentionally has no sender
// field; the signature is an identity-free integrity tag.
type EncryptedVote struct {
	Type            MessageType `json:"type"`
	RoundID         string      `json:"roundId"`
	AnonymousVoteID string      `json:"anonymousVoteId"`
	EncryptedData   string      `json:"encryptedData"`
	IV              string      `json:"iv"`
	Timestamp       int64       `json:"timestamp"`
	Signature       string      `json:"signature,omitempty"`
}

// KeyRelease is one (anonymousVoteId, key) pair of a batch.
type KeyRelease struct {
	AnonymousVoteID string `json:"anonymousVoteId"`
	Key             string `json:"key"`
}

// BatchVoteKeys releases every key the sender produced for the round,
// shuffled so receive order cannot be correlated with ballot order.
type BatchVoteKeys struct {
	Type    MessageType  `json:"type"`
	RoundID string       `json:"roundId"`
	Keys    []KeyRelease `json:"keys"`
	From    string       `json:"from"`
}

// VoteKey releases a single key. Normal operation never sends it, but it is
// merged on ingress. It carries no sender field.
type VoteKey struct {
	Type            MessageType `json:"type"`
	RoundID         string      `json:"roundId"`
	AnonymousVoteID string      `json:"anonymousVoteId"`
	Key             string      `json:"key"`
}

// ResultProposal carries a node's computed tally for agreement checking.
type ResultProposal struct {
	Type      MessageType  `json:"type"`
	RoundID   string       `json:"roundId"`
	Results   []TallyEntry `json:"results"`
	VoteCount int          `json:"voteCount"`
	From      string       `json:"from"`
}

// StatusUpdate is the periodic snapshot streamed to observers.
type StatusUpdate struct {
	Type           MessageType `json:"type"`
	NodeID         string      `json:"nodeId"`
	Peers          int         `json:"peers"`
	PeersList      []string    `json:"peersList"`
	RoundTopic     string      `json:"roundTopic,omitempty"`
	Phase          string      `json:"phase,omitempty"`
	TimeRemaining  int         `json:"timeRemaining"`
	EncryptedVotes int         `json:"encryptedVotes"`
	DecryptedVotes int         `json:"decryptedVotes"`
}

// PhaseChange mirrors a round phase transition to observers.
type PhaseChange struct {
	Type    MessageType `json:"type"`
	RoundID string      `json:"roundId"`
	Phase   string      `json:"phase"`
	From    string      `json:"from"`
}

// VoteReceived mirrors the ballot count to observers; never the ballot.
type VoteReceived struct {
	Type    MessageType `json:"type"`
	RoundID string      `json:"roundId"`
	Count   int         `json:"count"`
}

// Results mirrors a finished round's tally and participation stats.
type Results struct {
	Type               MessageType  `json:"type"`
	RoundID            string       `json:"roundId"`
	Topic              string       `json:"topic"`
	Results            []TallyEntry `json:"results"`
	VoteCount          int          `json:"voteCount"`
	ParticipatingNodes int          `json:"participatingNodes"`
	ActiveNodes        int          `json:"activeNodes"`
	ConsensusAchieved  bool         `json:"consensusAchieved"`
}

// Command is an observer-issued operator command.
type Command struct {
	Type    MessageType `json:"type"`
	Command string      `json:"command"`
	Args    []string    `json:"args,omitempty"`
	From    string      `json:"from,omitempty"`
}

// CommandResponse answers an observer command.
type CommandResponse struct {
	Type     MessageType `json:"type"`
	Response string      `json:"response"`
}
