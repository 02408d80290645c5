package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentchat/agentchat/internal/allowlist"
	"github.com/agentchat/agentchat/internal/channel"
	"github.com/agentchat/agentchat/internal/dispute"
	"github.com/agentchat/agentchat/internal/identity"
	"github.com/agentchat/agentchat/internal/marketplace"
	"github.com/agentchat/agentchat/internal/protocol"
	"github.com/agentchat/agentchat/internal/session"
)

// msToTime converts a wire millisecond timestamp to time.Time; zero stays
// the zero value, meaning "no expiry".
func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func sigFromB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func base64DecodeAgentID(pubkeyB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(pubkeyB64)
}

// dispatch decodes one post-handshake frame and routes it to the engine
// that owns its semantics, replying to s with the matching server frame.
func (rl *Relay) dispatch(s *session.Session, raw []byte) {
	typ, err := protocol.PeekType(raw)
	if err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed frame")
		return
	}

	switch typ {
	case protocol.TypePing:
		s.Enqueue(&protocol.PongFrame{Type: protocol.TypePong, TS: protocol.NowMS()})

	case protocol.TypeJoin:
		rl.handleJoin(s, raw)
	case protocol.TypeLeave:
		rl.handleLeave(s, raw)
	case protocol.TypeMsg:
		rl.handleMsg(s, raw)
	case protocol.TypeListChannels:
		rl.handleListChannels(s)
	case protocol.TypeListAgents:
		rl.handleListAgents(s, raw)
	case protocol.TypeCreateChannel:
		rl.handleCreateChannel(s, raw)
	case protocol.TypeInvite:
		rl.handleInvite(s, raw)
	case protocol.TypeSetPresence:
		rl.handleSetPresence(s, raw)

	case protocol.TypeProposal:
		rl.handleProposal(s, raw)
	case protocol.TypeAccept:
		rl.handleAccept(s, raw)
	case protocol.TypeReject:
		rl.handleReject(s, raw)
	case protocol.TypeComplete:
		rl.handleComplete(s, raw)
	case protocol.TypeRegisterSkills:
		rl.handleRegisterSkills(s, raw)
	case protocol.TypeSearchSkills:
		rl.handleSearchSkills(s, raw)

	case protocol.TypeDisputeIntent:
		rl.handleDisputeIntent(s, raw)
	case protocol.TypeDisputeReveal:
		rl.handleDisputeReveal(s, raw)
	case protocol.TypeEvidence:
		rl.handleEvidence(s, raw)
	case protocol.TypeArbiterAccept:
		rl.handleArbiterAccept(s, raw)
	case protocol.TypeArbiterDecline:
		rl.handleArbiterDecline(s, raw)
	case protocol.TypeArbiterVote:
		rl.handleArbiterVote(s, raw)

	case protocol.TypeAdminApprove:
		rl.handleAdminApprove(s, raw)
	case protocol.TypeAdminRevoke:
		rl.handleAdminRevoke(s, raw)
	case protocol.TypeAdminList:
		rl.handleAdminList(s, raw)

	// Legacy unsigned-to-signed alias: DISPUTE predates DISPUTE_INTENT's
	// commit-reveal filing and is kept only as a rejected-with-guidance
	// frame so older clients get a clear error instead of silent drop.
	case protocol.TypeDispute:
		rl.sendErr(s, protocol.ErrInvalidMsg, "DISPUTE is superseded by DISPUTE_INTENT/DISPUTE_REVEAL")

	default:
		rl.sendErr(s, protocol.ErrInvalidMsg, "unknown frame type: "+typ)
	}
}

func (rl *Relay) sendErr(s *session.Session, code, msg string) {
	s.Enqueue(&protocol.ErrorFrame{Type: protocol.TypeError, TS: protocol.NowMS(), Code: code, Message: msg})
}

func stripAt(target string) string {
	return strings.TrimPrefix(target, "@")
}

// --- channel operations ---

func (rl *Relay) handleJoin(s *session.Session, raw []byte) {
	var f protocol.JoinFrame
	if err := json.Unmarshal(raw, &f); err != nil || !protocol.ValidChannelName(f.Channel) {
		rl.sendErr(s, protocol.ErrInvalidName, "invalid channel name")
		return
	}
	c, replay, err := rl.channels.Join(f.Channel, s)
	if errors.Is(err, channel.ErrNotFound) {
		rl.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		return
	}
	if errors.Is(err, channel.ErrNotInvited) {
		rl.sendErr(s, protocol.ErrNotInvited, "channel is invite-only")
		return
	}
	if err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, err.Error())
		return
	}

	rl.channels.BroadcastJoin(c, s.AgentID(), &protocol.AgentJoinedFrame{
		Type: protocol.TypeAgentJoined, TS: protocol.NowMS(), Channel: f.Channel, Agent: s.AgentID(),
	})
	s.Enqueue(&protocol.JoinedFrame{
		Type: protocol.TypeJoined, TS: protocol.NowMS(), Channel: f.Channel, Agents: c.Members(), Replay: replay,
	})
}

func (rl *Relay) handleLeave(s *session.Session, raw []byte) {
	var f protocol.LeaveFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed leave")
		return
	}
	c, err := rl.channels.Leave(f.Channel, s.AgentID())
	if errors.Is(err, channel.ErrNotFound) {
		rl.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		return
	}
	if errors.Is(err, channel.ErrNotMember) {
		rl.sendErr(s, protocol.ErrInvalidMsg, "not a member of that channel")
		return
	}
	s.Enqueue(&protocol.LeftFrame{Type: protocol.TypeLeft, TS: protocol.NowMS(), Channel: f.Channel})
	rl.channels.Broadcast(c.Name(), &protocol.AgentLeftFrame{
		Type: protocol.TypeAgentLeft, TS: protocol.NowMS(), Channel: c.Name(), Agent: s.AgentID(),
	})
}

func (rl *Relay) handleMsg(s *session.Session, raw []byte) {
	var f protocol.MsgFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.To == "" {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed msg")
		return
	}

	out := &protocol.MsgOutFrame{Type: protocol.TypeMsg, TS: protocol.NowMS(), From: identity.Display(s.AgentID()), To: f.To, Content: f.Content}

	if strings.HasPrefix(f.To, "#") {
		if err := rl.channels.Broadcast(f.To, out); err != nil {
			rl.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		}
		return
	}
	if !protocol.ValidAgentID(f.To) {
		rl.sendErr(s, protocol.ErrInvalidMsg, "invalid direct message target")
		return
	}
	target, ok := rl.sessions.ByAgent(stripAt(f.To))
	if !ok {
		rl.sendErr(s, protocol.ErrAgentNotFound, "agent not connected")
		return
	}
	target.Enqueue(out)
}

func (rl *Relay) handleListChannels(s *session.Session) {
	summaries := rl.channels.ListPublic()
	out := make([]protocol.ChannelSummary, len(summaries))
	for i, c := range summaries {
		out[i] = protocol.ChannelSummary{Channel: c.Name, Members: c.Members}
	}
	s.Enqueue(&protocol.ChannelsFrame{Type: protocol.TypeChannels, TS: protocol.NowMS(), Channels: out})
}

func (rl *Relay) handleListAgents(s *session.Session, raw []byte) {
	var f protocol.ListAgentsFrame
	_ = json.Unmarshal(raw, &f)
	if f.Channel == "" {
		s.Enqueue(&protocol.AgentsFrame{Type: protocol.TypeAgents, TS: protocol.NowMS(), Agents: rl.sessions.ListAgents()})
		return
	}
	c, err := rl.channels.Get(f.Channel)
	if err != nil {
		rl.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		return
	}
	s.Enqueue(&protocol.AgentsFrame{Type: protocol.TypeAgents, TS: protocol.NowMS(), Agents: c.Members()})
}

func (rl *Relay) handleCreateChannel(s *session.Session, raw []byte) {
	var f protocol.CreateChannelFrame
	if err := json.Unmarshal(raw, &f); err != nil || !protocol.ValidChannelName(f.Channel) {
		rl.sendErr(s, protocol.ErrInvalidName, "invalid channel name")
		return
	}
	c, err := rl.channels.Create(f.Channel, f.InviteOnly, s)
	if errors.Is(err, channel.ErrExists) {
		rl.sendErr(s, protocol.ErrChannelExists, "channel already exists")
		return
	}
	s.Enqueue(&protocol.JoinedFrame{Type: protocol.TypeJoined, TS: protocol.NowMS(), Channel: c.Name(), Agents: c.Members()})
}

func (rl *Relay) handleInvite(s *session.Session, raw []byte) {
	var f protocol.InviteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed invite")
		return
	}
	c, err := rl.channels.Get(f.Channel)
	if err != nil {
		rl.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		return
	}
	if !c.IsMember(s.AgentID()) {
		rl.sendErr(s, protocol.ErrInvalidMsg, "must be a member to invite")
		return
	}
	target := stripAt(f.Agent)
	if _, err := rl.channels.Invite(f.Channel, target); err != nil {
		rl.sendErr(s, protocol.ErrChannelNotFound, "no such channel")
		return
	}
	if m, ok := rl.sessions.ByAgent(target); ok {
		m.Enqueue(&protocol.AgentJoinedFrame{Type: protocol.TypeAgentJoined, TS: protocol.NowMS(), Channel: f.Channel, Agent: "invited"})
	}
}

func (rl *Relay) handleSetPresence(s *session.Session, raw []byte) {
	var f protocol.SetPresenceFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed set_presence")
		return
	}
	s.SetStatus(f.Status)
	frame := &protocol.PresenceChangedFrame{Type: protocol.TypePresenceChanged, TS: protocol.NowMS(), Agent: s.AgentID(), Status: f.Status}
	for _, agentID := range rl.sessions.ListAgents() {
		if target, ok := rl.sessions.ByAgent(agentID); ok {
			target.Enqueue(frame)
		}
	}
}

// --- marketplace operations ---

func marketErrCode(err error) string {
	switch {
	case errors.Is(err, marketplace.ErrNotFound):
		return protocol.ErrProposalNotFound
	case errors.Is(err, marketplace.ErrExpired):
		return protocol.ErrProposalExpired
	case errors.Is(err, marketplace.ErrInvalidTransition):
		return protocol.ErrInvalidProposal
	case errors.Is(err, marketplace.ErrNotParty):
		return protocol.ErrNotProposalParty
	case errors.Is(err, marketplace.ErrBadSignature):
		return protocol.ErrSignatureRequired
	default:
		return protocol.ErrInvalidProposal
	}
}

func (rl *Relay) handleProposal(s *session.Session, raw []byte) {
	var f protocol.ProposalFrame
	if err := json.Unmarshal(raw, &f); err != nil || !protocol.ValidAgentID(f.To) {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed proposal")
		return
	}
	p, err := rl.market.Propose(s.AgentID(), stripAt(f.To), f.Task, f.Amount, f.Currency, f.Capability, f.Stakes, msToTime(f.Expires), f.Sig)
	if err != nil {
		rl.sendErr(s, marketErrCode(err), err.Error())
		return
	}
	if target, ok := rl.sessions.ByAgent(p.Acceptor); ok {
		target.Enqueue(&protocol.ProposalFrame{
			Type: protocol.TypeProposal, To: f.To, Task: p.Task, Amount: p.Amount,
			Currency: p.Currency, Capability: p.Capability, Stakes: p.Stakes, Expires: f.Expires, Sig: f.Sig,
		})
	}
}

func (rl *Relay) handleAccept(s *session.Session, raw []byte) {
	var f protocol.AcceptFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed accept")
		return
	}
	p, err := rl.market.Accept(s.AgentID(), f.ProposalID, f.PaymentCode, f.Sig)
	if err != nil {
		rl.sendErr(s, marketErrCode(err), err.Error())
		return
	}
	if target, ok := rl.sessions.ByAgent(p.Proposer); ok {
		target.Enqueue(&f)
	}
}

func (rl *Relay) handleReject(s *session.Session, raw []byte) {
	var f protocol.RejectFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed reject")
		return
	}
	p, err := rl.market.Reject(s.AgentID(), f.ProposalID, f.Reason, f.Sig)
	if err != nil {
		rl.sendErr(s, marketErrCode(err), err.Error())
		return
	}
	if target, ok := rl.sessions.ByAgent(p.Proposer); ok {
		target.Enqueue(&f)
	}
}

func (rl *Relay) handleComplete(s *session.Session, raw []byte) {
	var f protocol.CompleteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed complete")
		return
	}
	p, _, err := rl.market.Complete(s.AgentID(), f.ProposalID, f.Proof, f.Sig)
	if err != nil {
		rl.sendErr(s, marketErrCode(err), err.Error())
		return
	}
	if target, ok := rl.sessions.ByAgent(p.Proposer); ok {
		target.Enqueue(&f)
	}
}

func (rl *Relay) handleRegisterSkills(s *session.Session, raw []byte) {
	var f protocol.RegisterSkillsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed register_skills")
		return
	}
	if err := rl.market.RegisterSkills(s.AgentID(), f.Skills, f.Sig); err != nil {
		rl.sendErr(s, marketErrCode(err), err.Error())
		return
	}
	s.Enqueue(&protocol.SkillsRegisteredFrame{Type: protocol.TypeSkillsRegistered, TS: protocol.NowMS(), Agent: s.AgentID(), Skills: f.Skills})
}

func (rl *Relay) handleSearchSkills(s *session.Session, raw []byte) {
	var f protocol.SearchSkillsFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed search_skills")
		return
	}
	results := rl.market.SearchSkills(f.Query)
	s.Enqueue(&protocol.SearchResultsFrame{Type: protocol.TypeSearchResults, TS: protocol.NowMS(), Query: f.Query, Results: results})
}

// --- dispute operations ---

func disputeErrCode(err error) string {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		return protocol.ErrProposalNotFound
	case errors.Is(err, dispute.ErrAlreadyDisputed):
		return protocol.ErrInvalidProposal
	case errors.Is(err, dispute.ErrWrongPhase), errors.Is(err, dispute.ErrBadReveal),
		errors.Is(err, dispute.ErrAlreadySubmitted), errors.Is(err, dispute.ErrEvidenceTooLarge):
		return protocol.ErrInvalidMsg
	case errors.Is(err, dispute.ErrNotParticipant):
		return protocol.ErrNotProposalParty
	case errors.Is(err, marketplace.ErrBadSignature):
		return protocol.ErrSignatureRequired
	default:
		return protocol.ErrInvalidMsg
	}
}

func (rl *Relay) handleDisputeIntent(s *session.Session, raw []byte) {
	var f protocol.DisputeIntentFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed dispute_intent")
		return
	}
	if err := rl.verifySig(s.AgentID(), protocol.BuildDisputeIntentSigningString(f.ProposalID, f.Reason, f.Commitment), f.Sig); err != nil {
		rl.sendErr(s, protocol.ErrSignatureRequired, "signature verification failed")
		return
	}
	d, err := rl.disputes.FileIntent(s.AgentID(), f.ProposalID, f.Reason, f.Commitment)
	if err != nil {
		rl.sendErr(s, disputeErrCode(err), err.Error())
		return
	}
	s.Enqueue(&protocol.DisputeIntentAckFrame{Type: protocol.TypeDisputeIntentAck, TS: protocol.NowMS(), DisputeID: d.ID})
	if target, ok := rl.sessions.ByAgent(d.Respondent); ok {
		target.Enqueue(&protocol.DisputeIntentAckFrame{Type: protocol.TypeDisputeIntentAck, TS: protocol.NowMS(), DisputeID: d.ID})
	}
}

func (rl *Relay) handleDisputeReveal(s *session.Session, raw []byte) {
	var f protocol.DisputeRevealFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed dispute_reveal")
		return
	}
	if err := rl.verifySig(s.AgentID(), protocol.BuildDisputeRevealSigningString(f.DisputeID, f.Nonce), f.Sig); err != nil {
		rl.sendErr(s, protocol.ErrSignatureRequired, "signature verification failed")
		return
	}
	d, _, err := rl.disputes.Reveal(s.AgentID(), f.DisputeID, f.Nonce)
	if err != nil {
		rl.sendErr(s, disputeErrCode(err), err.Error())
		return
	}
	ack := &protocol.DisputeRevealedFrame{Type: protocol.TypeDisputeRevealed, TS: protocol.NowMS(), DisputeID: d.ID}
	s.Enqueue(ack)
	if target, ok := rl.sessions.ByAgent(d.Respondent); ok {
		target.Enqueue(ack)
	}
}

func (rl *Relay) handleEvidence(s *session.Session, raw []byte) {
	var f protocol.EvidenceFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed evidence")
		return
	}
	if err := rl.verifySig(s.AgentID(), protocol.BuildEvidenceSigningString(f.DisputeID, f.Statement, f.Items), f.Sig); err != nil {
		rl.sendErr(s, protocol.ErrSignatureRequired, "signature verification failed")
		return
	}
	if _, err := rl.disputes.SubmitEvidence(s.AgentID(), f.DisputeID, f.Statement, f.Items); err != nil {
		rl.sendErr(s, disputeErrCode(err), err.Error())
	}
}

func (rl *Relay) handleArbiterAccept(s *session.Session, raw []byte) {
	var f protocol.ArbiterAcceptFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed arbiter_accept")
		return
	}
	if err := rl.verifySig(s.AgentID(), protocol.BuildArbiterAcceptSigningString(f.DisputeID), f.Sig); err != nil {
		rl.sendErr(s, protocol.ErrSignatureRequired, "signature verification failed")
		return
	}
	if _, err := rl.disputes.ArbiterAccept(s.AgentID(), f.DisputeID); err != nil {
		rl.sendErr(s, disputeErrCode(err), err.Error())
	}
}

func (rl *Relay) handleArbiterDecline(s *session.Session, raw []byte) {
	var f protocol.ArbiterDeclineFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed arbiter_decline")
		return
	}
	if err := rl.verifySig(s.AgentID(), protocol.BuildArbiterDeclineSigningString(f.DisputeID, f.Reason), f.Sig); err != nil {
		rl.sendErr(s, protocol.ErrSignatureRequired, "signature verification failed")
		return
	}
	if _, err := rl.disputes.ArbiterDecline(s.AgentID(), f.DisputeID); err != nil {
		rl.sendErr(s, disputeErrCode(err), err.Error())
	}
}

func (rl *Relay) handleArbiterVote(s *session.Session, raw []byte) {
	var f protocol.ArbiterVoteFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed arbiter_vote")
		return
	}
	if err := rl.verifySig(s.AgentID(), protocol.BuildArbiterVoteSigningString(f.DisputeID, f.Verdict, f.Reasoning), f.Sig); err != nil {
		rl.sendErr(s, protocol.ErrSignatureRequired, "signature verification failed")
		return
	}
	if _, err := rl.disputes.Vote(s.AgentID(), f.DisputeID, f.Verdict, f.Reasoning); err != nil {
		rl.sendErr(s, disputeErrCode(err), err.Error())
	}
}

// verifySig checks a signature from a persistent agent's connected session
// against its own pubkey. Ephemeral sessions can never produce a valid
// signed operation since they hold no pubkey.
func (rl *Relay) verifySig(agentID, signingStr, sigB64 string) error {
	sess, ok := rl.sessions.ByAgent(agentID)
	if !ok || !sess.Persistent() {
		return identity.ErrBadSignature
	}
	sig, err := sigFromB64(sigB64)
	if err != nil {
		return identity.ErrBadSignature
	}
	return identity.Verify(sess.Pubkey(), []byte(signingStr), sig)
}

// --- admin operations ---

func (rl *Relay) handleAdminApprove(s *session.Session, raw []byte) {
	var f protocol.AdminApproveFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed admin_approve")
		return
	}
	pubkey, err := base64DecodeAgentID(f.Pubkey)
	if err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "invalid pubkey encoding")
		return
	}
	agentID := identity.AgentID(pubkey)
	if err := rl.allowlist.Approve(f.Key, agentID, f.Pubkey, f.Note); err != nil {
		rl.sendErr(s, protocol.ErrNotAllowed, "admin key rejected")
		return
	}
	rl.auditLog(agentID, "allowlist.approve")
	s.Enqueue(&protocol.AdminResultFrame{Type: protocol.TypeAdminResult, TS: protocol.NowMS(), OK: true})
}

func (rl *Relay) handleAdminRevoke(s *session.Session, raw []byte) {
	var f protocol.AdminRevokeFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed admin_revoke")
		return
	}
	target := stripAt(f.Identifier)
	if err := rl.allowlist.Revoke(f.Key, target); err != nil {
		rl.sendErr(s, protocol.ErrNotAllowed, "admin key rejected")
		return
	}
	rl.auditLog(target, "allowlist.revoke")
	s.Enqueue(&protocol.AdminResultFrame{Type: protocol.TypeAdminResult, TS: protocol.NowMS(), OK: true})
}

func (rl *Relay) handleAdminList(s *session.Session, raw []byte) {
	var f protocol.AdminListFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		rl.sendErr(s, protocol.ErrInvalidMsg, "malformed admin_list")
		return
	}
	entries, err := rl.allowlist.All(f.Key)
	if err != nil {
		if errors.Is(err, allowlist.ErrNotAllowed) {
			rl.sendErr(s, protocol.ErrNotAllowed, "admin key rejected")
			return
		}
		rl.sendErr(s, protocol.ErrNotAllowed, "admin key rejected")
		return
	}
	s.Enqueue(&protocol.AdminResultFrame{Type: protocol.TypeAdminResult, TS: protocol.NowMS(), OK: true, Entries: entries})
}
