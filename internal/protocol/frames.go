// Package protocol defines the AgentChat wire protocol: the JSON frames
// exchanged between agents and the relay over a single bidirectional
// framed-message channel, and the canonical signing strings that every
// signed operation is built from.
//
// Every frame is a JSON object carrying a "type" discriminant. Validation
// is stateless — it never touches session, channel, or ledger state.
package protocol

// Client -> server frame types.
const (
	TypeIdentify       = "IDENTIFY"
	TypeJoin           = "JOIN"
	TypeLeave          = "LEAVE"
	TypeMsg            = "MSG"
	TypeListChannels   = "LIST_CHANNELS"
	TypeListAgents     = "LIST_AGENTS"
	TypeCreateChannel  = "CREATE_CHANNEL"
	TypeInvite         = "INVITE"
	TypePing           = "PING"
	TypeProposal       = "PROPOSAL"
	TypeAccept         = "ACCEPT"
	TypeReject         = "REJECT"
	TypeComplete       = "COMPLETE"
	TypeDispute        = "DISPUTE"
	TypeRegisterSkills = "REGISTER_SKILLS"
	TypeSearchSkills   = "SEARCH_SKILLS"
	TypeSetPresence    = "SET_PRESENCE"
	TypeVerifyRequest  = "VERIFY_REQUEST"
	TypeVerifyResponse = "VERIFY_RESPONSE"
	TypeVerifyIdentity = "VERIFY_IDENTITY"
	TypeAdminApprove   = "ADMIN_APPROVE"
	TypeAdminRevoke    = "ADMIN_REVOKE"
	TypeAdminList      = "ADMIN_LIST"
	TypeDisputeIntent  = "DISPUTE_INTENT"
	TypeDisputeReveal  = "DISPUTE_REVEAL"
	TypeEvidence       = "EVIDENCE"
	TypeArbiterAccept  = "ARBITER_ACCEPT"
	TypeArbiterDecline = "ARBITER_DECLINE"
	TypeArbiterVote    = "ARBITER_VOTE"
)

// Server -> client frame types.
const (
	TypeWelcome           = "WELCOME"
	TypeJoined            = "JOINED"
	TypeLeft              = "LEFT"
	TypeAgentJoined       = "AGENT_JOINED"
	TypeAgentLeft         = "AGENT_LEFT"
	TypeChannels          = "CHANNELS"
	TypeAgents            = "AGENTS"
	TypeError             = "ERROR"
	TypePong              = "PONG"
	TypeSkillsRegistered  = "SKILLS_REGISTERED"
	TypeSearchResults     = "SEARCH_RESULTS"
	TypePresenceChanged   = "PRESENCE_CHANGED"
	TypeVerifySuccess     = "VERIFY_SUCCESS"
	TypeVerifyFailed      = "VERIFY_FAILED"
	TypeAdminResult       = "ADMIN_RESULT"
	TypeChallenge         = "CHALLENGE"
	TypeDisputeIntentAck  = "DISPUTE_INTENT_ACK"
	TypeDisputeRevealed   = "DISPUTE_REVEALED"
	TypePanelFormed       = "PANEL_FORMED"
	TypeArbiterAssigned   = "ARBITER_ASSIGNED"
	TypeEvidenceReceived  = "EVIDENCE_RECEIVED"
	TypeCaseReady         = "CASE_READY"
	TypeVerdict           = "VERDICT"
	TypeDisputeFallback   = "DISPUTE_FALLBACK"
)

// Error codes carried in ERROR{code, message} frames.
const (
	ErrAuthRequired          = "AUTH_REQUIRED"
	ErrChannelNotFound       = "CHANNEL_NOT_FOUND"
	ErrNotInvited            = "NOT_INVITED"
	ErrInvalidMsg            = "INVALID_MSG"
	ErrRateLimited           = "RATE_LIMITED"
	ErrAgentNotFound         = "AGENT_NOT_FOUND"
	ErrChannelExists         = "CHANNEL_EXISTS"
	ErrInvalidName           = "INVALID_NAME"
	ErrProposalNotFound      = "PROPOSAL_NOT_FOUND"
	ErrProposalExpired       = "PROPOSAL_EXPIRED"
	ErrInvalidProposal       = "INVALID_PROPOSAL"
	ErrSignatureRequired     = "SIGNATURE_REQUIRED"
	ErrNotProposalParty      = "NOT_PROPOSAL_PARTY"
	ErrInsufficientRep       = "INSUFFICIENT_REPUTATION"
	ErrInvalidStake          = "INVALID_STAKE"
	ErrVerificationFailed    = "VERIFICATION_FAILED"
	ErrVerificationExpired   = "VERIFICATION_EXPIRED"
	ErrNoPubkey              = "NO_PUBKEY"
	ErrNotAllowed            = "NOT_ALLOWED"
)

// Frame is the minimal envelope every inbound frame must satisfy; callers
// unmarshal the raw bytes a second time into the type-specific struct once
// Type has been read.
type Frame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts,omitempty"`
}

// --- client -> server payloads ---

type IdentifyFrame struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Pubkey string `json:"pubkey,omitempty"` // base64 raw Ed25519 public key
}

type JoinFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type LeaveFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type MsgFrame struct {
	Type    string `json:"type"`
	To      string `json:"to"` // "#channel" or "@agent"
	Content string `json:"content"`
}

type CreateChannelFrame struct {
	Type       string `json:"type"`
	Channel    string `json:"channel"`
	InviteOnly bool   `json:"invite_only,omitempty"`
}

type InviteFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
}

type ListAgentsFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

type VerifyIdentityFrame struct {
	Type        string `json:"type"`
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"` // base64
}

type ProposalFrame struct {
	Type       string         `json:"type"`
	To         string         `json:"to"`
	Task       string         `json:"task"`
	Amount     float64        `json:"amount,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Capability string         `json:"capability,omitempty"`
	Stakes     *StakesPayload `json:"stakes,omitempty"`
	Expires    int64          `json:"expires,omitempty"` // ms since epoch
	Sig        string         `json:"sig"`
}

type StakesPayload struct {
	Proposer int `json:"p"`
	Acceptor int `json:"a"`
}

type AcceptFrame struct {
	Type        string `json:"type"`
	ProposalID  string `json:"proposal_id"`
	PaymentCode string `json:"payment_code,omitempty"`
	Sig         string `json:"sig"`
}

type RejectFrame struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason,omitempty"`
	Sig        string `json:"sig"`
}

type CompleteFrame struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	Proof      string `json:"proof,omitempty"`
	Sig        string `json:"sig"`
}

type DisputeFrame struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
	Sig        string `json:"sig"`
}

type RegisterSkillsFrame struct {
	Type   string   `json:"type"`
	Skills []string `json:"skills"`
	Sig    string   `json:"sig"`
}

type SearchSkillsFrame struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

type SetPresenceFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type AdminApproveFrame struct {
	Type   string `json:"type"`
	Pubkey string `json:"pubkey"`
	Note   string `json:"note,omitempty"`
	Key    string `json:"key"`
}

type AdminRevokeFrame struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Key        string `json:"key"`
}

type AdminListFrame struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

type DisputeIntentFrame struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	Reason     string `json:"reason"`
	Commitment string `json:"commitment"` // hex SHA-256(nonce)
	Sig        string `json:"sig"`
}

type DisputeRevealFrame struct {
	Type       string `json:"type"`
	DisputeID  string `json:"dispute_id"`
	Nonce      string `json:"nonce"`
	Sig        string `json:"sig"`
}

type EvidenceItem struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

type EvidenceFrame struct {
	Type      string         `json:"type"`
	DisputeID string         `json:"dispute_id"`
	Items     []EvidenceItem `json:"items"`
	Statement string         `json:"statement"`
	Sig       string         `json:"sig"`
}

type ArbiterAcceptFrame struct {
	Type      string `json:"type"`
	DisputeID string `json:"dispute_id"`
	Sig       string `json:"sig"`
}

type ArbiterDeclineFrame struct {
	Type      string `json:"type"`
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason,omitempty"`
	Sig       string `json:"sig"`
}

type ArbiterVoteFrame struct {
	Type      string `json:"type"`
	DisputeID string `json:"dispute_id"`
	Verdict   string `json:"verdict"` // disputant | respondent | mutual
	Reasoning string `json:"reasoning"`
	Sig       string `json:"sig"`
}

// --- server -> client payloads ---

type WelcomeFrame struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	AgentID string `json:"agent_id"`
	Server  string `json:"server"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ChallengeFrame struct {
	Type        string `json:"type"`
	TS          int64  `json:"ts"`
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
	ServerTime  int64  `json:"server_time"`
}

type JoinedFrame struct {
	Type    string   `json:"type"`
	TS      int64    `json:"ts"`
	Channel string   `json:"channel"`
	Agents  []string `json:"agents"`
	Replay  []any    `json:"replay,omitempty"`
}

type LeftFrame struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Channel string `json:"channel"`
}

type AgentJoinedFrame struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
}

type AgentLeftFrame struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	Channel string `json:"channel"`
	Agent   string `json:"agent"`
}

type MsgOutFrame struct {
	Type    string `json:"type"`
	TS      int64  `json:"ts"`
	From    string `json:"from"`
	To      string `json:"to"`
	Content string `json:"content"`
	Replay  bool   `json:"replay,omitempty"`
}

type ChannelSummary struct {
	Channel string `json:"channel"`
	Members int    `json:"members"`
}

type ChannelsFrame struct {
	Type     string           `json:"type"`
	TS       int64            `json:"ts"`
	Channels []ChannelSummary `json:"channels"`
}

type AgentsFrame struct {
	Type   string   `json:"type"`
	TS     int64    `json:"ts"`
	Agents []string `json:"agents"`
}

type PongFrame struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

type SkillsRegisteredFrame struct {
	Type   string   `json:"type"`
	TS     int64    `json:"ts"`
	Agent  string   `json:"agent"`
	Skills []string `json:"skills"`
}

type SearchResultsFrame struct {
	Type    string              `json:"type"`
	TS      int64               `json:"ts"`
	Query   string              `json:"query"`
	Results []SkillSearchResult `json:"results"`
}

type SkillSearchResult struct {
	Agent  string   `json:"agent"`
	Skills []string `json:"skills"`
}

type PresenceChangedFrame struct {
	Type   string `json:"type"`
	TS     int64  `json:"ts"`
	Agent  string `json:"agent"`
	Status string `json:"status"`
}

type AdminResultFrame struct {
	Type    string   `json:"type"`
	TS      int64    `json:"ts"`
	OK      bool     `json:"ok"`
	Entries []string `json:"entries,omitempty"`
}

type DisputeIntentAckFrame struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	DisputeID string `json:"dispute_id"`
}

type DisputeRevealedFrame struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	DisputeID string `json:"dispute_id"`
}

type ArbiterAssignedFrame struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	DisputeID string `json:"dispute_id"`
	Role      string `json:"role"`
}

type PanelFormedFrame struct {
	Type      string   `json:"type"`
	TS        int64    `json:"ts"`
	DisputeID string   `json:"dispute_id"`
	Arbiters  []string `json:"arbiters"`
}

type EvidenceReceivedFrame struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	DisputeID string `json:"dispute_id"`
	From      string `json:"from"`
}

type CaseReadyFrame struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	DisputeID string `json:"dispute_id"`
}

type VoteSummary struct {
	Arbiter string `json:"arbiter"`
	Verdict string `json:"verdict,omitempty"`
}

type VerdictFrame struct {
	Type      string        `json:"type"`
	TS        int64         `json:"ts"`
	DisputeID string        `json:"dispute_id"`
	Verdict   string        `json:"verdict"`
	Votes     []VoteSummary `json:"votes"`
}

type DisputeFallbackFrame struct {
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	DisputeID string `json:"dispute_id"`
	Reason    string `json:"reason"`
}
