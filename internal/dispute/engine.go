package dispute

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/agentchat/agentchat/internal/identity"
	"github.com/agentchat/agentchat/internal/marketplace"
	"github.com/agentchat/agentchat/internal/protocol"
	"github.com/agentchat/agentchat/internal/reputation"
)

// Member is the subset of a session the dispute engine needs to notify
// arbiters and parties, mirroring channel.Member without importing it.
type Member interface {
	AgentID() string
	Enqueue(frame any)
}

// ArbiterCandidate describes one persistent agent's eligibility inputs.
type ArbiterCandidate struct {
	AgentID       string
	Rating        int
	Transactions  int
	LastDisputeAt time.Time // zero if never involved in a dispute
}

// Directory resolves arbiter eligibility and live connections. The relay
// wires this to the session manager and reputation ledger.
type Directory interface {
	// Candidates returns every persistent agent not in excludeIDs.
	Candidates(excludeIDs []string) []ArbiterCandidate
	// Member looks up a live connection for agentID, if connected.
	Member(agentID string) (Member, bool)
	// MarkDisputeInvolvement records that agentIDs just served on a dispute
	// panel, for the independence-window eligibility check.
	MarkDisputeInvolvement(agentIDs []string, at time.Time)
}

// Config holds the Agentcourt timing and eligibility parameters.
type Config struct {
	PanelSize              int
	MinRating              int
	MinTransactions        int
	IndependenceWindow     time.Duration
	RevealTimeout          time.Duration
	ArbiterResponseTimeout time.Duration
	EvidenceWindow         time.Duration
	VoteWindow             time.Duration
	MaxReplacementRounds   int
	FilingFee              int
	EffectiveK             int
}

// Engine owns every in-flight and resolved dispute.
type Engine struct {
	cfg Config

	mu         sync.RWMutex
	disputes   map[string]*Dispute
	byProposal map[string]string // proposal id -> dispute id
	locks      map[string]*disputeLock
	timers     map[string]*time.Timer

	dir    Directory
	market *marketplace.Market
	ledger *reputation.Ledger
}

// New creates a dispute engine.
func New(cfg Config, dir Directory, market *marketplace.Market, ledger *reputation.Ledger) *Engine {
	return &Engine{
		cfg:        cfg,
		disputes:   make(map[string]*Dispute),
		byProposal: make(map[string]string),
		locks:      make(map[string]*disputeLock),
		timers:     make(map[string]*time.Timer),
		dir:        dir,
		market:     market,
		ledger:     ledger,
	}
}

func (e *Engine) lockFor(id string) *disputeLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &disputeLock{}
		e.locks[id] = l
	}
	return l
}

func (e *Engine) get(id string) (*Dispute, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.disputes[id]
	return d, ok
}

// Get returns a copy of a dispute's current state.
func (e *Engine) Get(id string) (Dispute, bool) {
	d, ok := e.get(id)
	if !ok {
		return Dispute{}, false
	}
	l := e.lockFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	return *d, true
}

// List returns a copy of every dispute's current state, sorted by id. Used
// by the admin dashboard; not on the agent-facing wire protocol.
func (e *Engine) List() []Dispute {
	e.mu.RLock()
	ids := make([]string, 0, len(e.disputes))
	for id := range e.disputes {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Dispute, 0, len(ids))
	for _, id := range ids {
		if d, ok := e.Get(id); ok {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) cancelTimer(id string) {
	e.mu.Lock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}

func (e *Engine) setTimer(id string, d time.Duration, fn func()) {
	e.cancelTimer(id)
	t := time.AfterFunc(d, fn)
	e.mu.Lock()
	e.timers[id] = t
	e.mu.Unlock()
}

// FileIntent handles DISPUTE_INTENT: verifies the proposal is ACCEPTED and
// undisputed, escrows the filing fee, and starts the reveal timer.
func (e *Engine) FileIntent(disputantID, proposalID, reason, commitment string) (*Dispute, error) {
	e.mu.Lock()
	if _, exists := e.byProposal[proposalID]; exists {
		e.mu.Unlock()
		return nil, ErrAlreadyDisputed
	}
	e.mu.Unlock()

	prop, err := e.market.Get(proposalID)
	if err != nil {
		return nil, err
	}
	if prop.State != marketplace.StateAccepted {
		return nil, ErrWrongPhase
	}

	var respondent string
	switch disputantID {
	case prop.Proposer:
		respondent = prop.Acceptor
	case prop.Acceptor:
		respondent = prop.Proposer
	default:
		return nil, ErrNotParticipant
	}

	serverNonce, err := identity.RandomNonceHex()
	if err != nil {
		return nil, err
	}
	id, err := identity.RandomID("disp_", 8)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.HoldEscrow(id, disputantID, "", e.cfg.FilingFee, 0); err != nil {
		return nil, err
	}
	if _, err := e.market.MarkDisputed(proposalID); err != nil {
		_ = e.ledger.ReleaseEscrow(id)
		return nil, err
	}

	d := &Dispute{
		ID:          id,
		ProposalID:  proposalID,
		Disputant:   disputantID,
		Respondent:  respondent,
		Reason:      reason,
		Phase:       PhaseRevealPending,
		Commitment:  commitment,
		ServerNonce: serverNonce,
		Evidence:    make(map[string]PartyEvidence),
		CreatedAt:   time.Now(),
	}

	e.mu.Lock()
	e.disputes[id] = d
	e.byProposal[proposalID] = id
	e.mu.Unlock()

	e.setTimer(id, e.cfg.RevealTimeout, func() { e.onRevealTimeout(id) })

	return d, nil
}

func (e *Engine) onRevealTimeout(id string) {
	l := e.lockFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(id)
	if !ok || d.Phase != PhaseRevealPending {
		return
	}
	d.Phase = PhaseVoided
	_ = e.ledger.VoidDispute(d.ID, d.ProposalID, d.Disputant, e.cfg.FilingFee)
}

// Reveal handles DISPUTE_REVEAL: verifies SHA-256(nonce) == commitment,
// computes the deterministic seed, builds the candidate pool, and either
// forms the panel or falls back.
func (e *Engine) Reveal(agentID, disputeID, nonce string) (*Dispute, []ArbiterSlot, error) {
	l := e.lockFor(disputeID)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(disputeID)
	if !ok {
		return nil, nil, ErrNotFound
	}
	if agentID != d.Disputant {
		return nil, nil, ErrNotParticipant
	}
	if d.Phase != PhaseRevealPending {
		return nil, nil, ErrWrongPhase
	}
	if commitmentHex(nonce) != d.Commitment {
		return nil, nil, ErrBadReveal
	}

	e.cancelTimer(disputeID)
	d.RevealedNonce = nonce
	seed := seedFrom(d.ProposalID, nonce, d.ServerNonce)
	d.SelectionSeed = hex.EncodeToString(seed)
	d.Phase = PhasePanelSelection

	return e.formPanel(d)
}

// formPanel builds the eligible pool, shuffles it deterministically, and
// either assigns a panel (-> arbiter_response) or falls back. Caller must
// hold the dispute's lock.
func (e *Engine) formPanel(d *Dispute) (*Dispute, []ArbiterSlot, error) {
	excluded := []string{d.Disputant, d.Respondent}
	candidates := e.dir.Candidates(excluded)

	cutoff := time.Now().Add(-e.cfg.IndependenceWindow)
	var ids []string
	for _, c := range candidates {
		if c.Rating < e.cfg.MinRating {
			continue
		}
		if c.Transactions < e.cfg.MinTransactions {
			continue
		}
		if !c.LastDisputeAt.IsZero() && c.LastDisputeAt.After(cutoff) {
			continue
		}
		ids = append(ids, c.AgentID)
	}
	ids = sortedAgentIDs(ids)

	if len(ids) < e.cfg.PanelSize {
		return e.toFallback(d, "insufficient eligible arbiter pool")
	}

	seedBytes, _ := hex.DecodeString(d.SelectionSeed)
	order := ShuffleIndices(seedBytes, len(ids))
	panelIDs := make([]string, 0, e.cfg.PanelSize)
	for _, idx := range order[:e.cfg.PanelSize] {
		panelIDs = append(panelIDs, ids[idx])
	}

	d.Arbiters = make([]ArbiterSlot, len(panelIDs))
	for i, aid := range panelIDs {
		d.Arbiters[i] = ArbiterSlot{AgentID: aid, Status: ArbiterPending}
	}
	d.Phase = PhaseArbiterResponse

	e.dir.MarkDisputeInvolvement(panelIDs, time.Now())
	e.setTimer(d.ID, e.cfg.ArbiterResponseTimeout, func() { e.onArbiterResponseTimeout(d.ID) })

	for _, aid := range panelIDs {
		if m, ok := e.dir.Member(aid); ok {
			m.Enqueue(&protocol.ArbiterAssignedFrame{
				Type:      protocol.TypeArbiterAssigned,
				TS:        protocol.NowMS(),
				DisputeID: d.ID,
				Role:      "arbiter",
			})
		}
	}

	return d, d.Arbiters, nil
}

func (e *Engine) toFallback(d *Dispute, reason string) (*Dispute, []ArbiterSlot, error) {
	e.cancelTimer(d.ID)
	d.Phase = PhaseFallback
	d.FallbackReason = reason
	e.notifyParties(d, &protocol.DisputeFallbackFrame{
		Type:      protocol.TypeDisputeFallback,
		TS:        protocol.NowMS(),
		DisputeID: d.ID,
		Reason:    reason,
	})
	return d, d.Arbiters, nil
}

func (e *Engine) onArbiterResponseTimeout(id string) {
	l := e.lockFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(id)
	if !ok || d.Phase != PhaseArbiterResponse {
		return
	}
	// Non-responders are treated as declines at the deadline.
	for i := range d.Arbiters {
		if d.Arbiters[i].Status == ArbiterPending {
			d.Arbiters[i].Status = ArbiterDeclined
		}
	}
	e.tryReplaceOrAdvance(d)
}

// ArbiterAccept handles ARBITER_ACCEPT.
func (e *Engine) ArbiterAccept(agentID, disputeID string) (*Dispute, error) {
	l := e.lockFor(disputeID)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(disputeID)
	if !ok {
		return nil, ErrNotFound
	}
	if d.Phase != PhaseArbiterResponse {
		return nil, ErrWrongPhase
	}
	idx := slotIndex(d, agentID)
	if idx < 0 {
		return nil, ErrNotParticipant
	}
	d.Arbiters[idx].Status = ArbiterAccepted
	e.tryReplaceOrAdvance(d)
	return d, nil
}

// ArbiterDecline handles ARBITER_DECLINE, attempting replacement from the
// remaining deterministic order; exceeding the replacement-round cap
// transitions to fallback.
func (e *Engine) ArbiterDecline(agentID, disputeID string) (*Dispute, error) {
	l := e.lockFor(disputeID)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(disputeID)
	if !ok {
		return nil, ErrNotFound
	}
	if d.Phase != PhaseArbiterResponse {
		return nil, ErrWrongPhase
	}
	idx := slotIndex(d, agentID)
	if idx < 0 {
		return nil, ErrNotParticipant
	}
	d.Arbiters[idx].Status = ArbiterDeclined
	e.tryReplaceOrAdvance(d)
	return d, nil
}

func slotIndex(d *Dispute, agentID string) int {
	for i, s := range d.Arbiters {
		if s.AgentID == agentID {
			return i
		}
	}
	return -1
}

// tryReplaceOrAdvance replaces declined slots from the remaining eligible
// pool (bounded by the replacement-round cap), or advances to evidence
// once every slot is accepted. Caller must hold the dispute's lock.
func (e *Engine) tryReplaceOrAdvance(d *Dispute) {
	declined := false
	allAccepted := true
	for _, s := range d.Arbiters {
		if s.Status == ArbiterDeclined {
			declined = true
		}
		if s.Status != ArbiterAccepted && s.Status != ArbiterReplaced {
			allAccepted = false
		}
	}

	if declined {
		if d.ReplacementRound >= e.cfg.MaxReplacementRounds {
			e.toFallback(d, "replacement round cap exceeded")
			return
		}
		d.ReplacementRound++

		excluded := []string{d.Disputant, d.Respondent}
		for _, s := range d.Arbiters {
			if s.Status == ArbiterAccepted || s.Status == ArbiterPending {
				excluded = append(excluded, s.AgentID)
			}
		}
		candidates := e.dir.Candidates(excluded)
		cutoff := time.Now().Add(-e.cfg.IndependenceWindow)
		var replacementIDs []string
		for _, c := range candidates {
			if c.Rating < e.cfg.MinRating || c.Transactions < e.cfg.MinTransactions {
				continue
			}
			if !c.LastDisputeAt.IsZero() && c.LastDisputeAt.After(cutoff) {
				continue
			}
			replacementIDs = append(replacementIDs, c.AgentID)
		}
		replacementIDs = sortedAgentIDs(replacementIDs)

		needed := 0
		for _, s := range d.Arbiters {
			if s.Status == ArbiterDeclined {
				needed++
			}
		}
		if len(replacementIDs) < needed {
			e.toFallback(d, "not enough replacements available")
			return
		}

		seedBytes, _ := hex.DecodeString(d.SelectionSeed)
		order := ShuffleIndices(seedBytes, len(replacementIDs))
		next := 0
		for i := range d.Arbiters {
			if d.Arbiters[i].Status == ArbiterDeclined {
				d.Arbiters[i].Status = ArbiterReplaced
				newID := replacementIDs[order[next]]
				next++
				d.Arbiters = append(d.Arbiters, ArbiterSlot{AgentID: newID, Status: ArbiterPending})
				if m, ok := e.dir.Member(newID); ok {
					m.Enqueue(&protocol.ArbiterAssignedFrame{
						Type:      protocol.TypeArbiterAssigned,
						TS:        protocol.NowMS(),
						DisputeID: d.ID,
						Role:      "arbiter",
					})
				}
			}
		}
		return
	}

	if allAccepted {
		e.cancelTimer(d.ID)
		d.Phase = PhaseEvidence
		e.setTimer(d.ID, e.cfg.EvidenceWindow, func() { e.onEvidenceDeadline(d.ID) })
		e.notifyParties(d, &protocol.PanelFormedFrame{
			Type:      protocol.TypePanelFormed,
			TS:        protocol.NowMS(),
			DisputeID: d.ID,
			Arbiters:  activeArbiterIDs(d),
		})
	}
}

func activeArbiterIDs(d *Dispute) []string {
	var ids []string
	for _, s := range d.Arbiters {
		if s.Status == ArbiterAccepted {
			ids = append(ids, s.AgentID)
		}
	}
	return ids
}

func (e *Engine) notifyParties(d *Dispute, frame any) {
	if m, ok := e.dir.Member(d.Disputant); ok {
		m.Enqueue(frame)
	}
	if m, ok := e.dir.Member(d.Respondent); ok {
		m.Enqueue(frame)
	}
}

// SubmitEvidence handles EVIDENCE from either party.
func (e *Engine) SubmitEvidence(agentID, disputeID, statement string, items []protocol.EvidenceItem) (*Dispute, error) {
	if len(items) > maxEvidenceItems || len(statement) > maxStatementChars {
		return nil, ErrEvidenceTooLarge
	}

	l := e.lockFor(disputeID)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(disputeID)
	if !ok {
		return nil, ErrNotFound
	}
	if d.Phase != PhaseEvidence {
		return nil, ErrWrongPhase
	}
	if agentID != d.Disputant && agentID != d.Respondent {
		return nil, ErrNotParticipant
	}
	if _, already := d.Evidence[agentID]; already {
		return nil, ErrAlreadySubmitted
	}

	hashed := make([]EvidenceItem, len(items))
	for i, it := range items {
		sorted, err := protocol.SortedKeyJSON(it)
		if err != nil {
			return nil, err
		}
		hashed[i] = EvidenceItem{Kind: it.Kind, Content: it.Content, Hash: hashEvidenceItem(sorted)}
	}
	d.Evidence[agentID] = PartyEvidence{Statement: statement, Items: hashed}

	e.notifyParties(d, &protocol.EvidenceReceivedFrame{
		Type:      protocol.TypeEvidenceReceived,
		TS:        protocol.NowMS(),
		DisputeID: d.ID,
		From:      agentID,
	})

	if len(d.Evidence) == 2 {
		e.advanceToDeliberation(d)
	}
	return d, nil
}

func (e *Engine) onEvidenceDeadline(id string) {
	l := e.lockFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := e.get(id)
	if !ok || d.Phase != PhaseEvidence {
		return
	}
	e.advanceToDeliberation(d)
}

// advanceToDeliberation moves the dispute into deliberation and starts the
// vote-deadline timer. Caller must hold the dispute's lock.
func (e *Engine) advanceToDeliberation(d *Dispute) {
	e.cancelTimer(d.ID)
	d.Phase = PhaseDeliberation
	e.setTimer(d.ID, e.cfg.VoteWindow, func() { e.onVoteDeadline(d.ID) })

	var arbiterIDs []string
	for _, s := range d.Arbiters {
		if s.Status == ArbiterAccepted {
			arbiterIDs = append(arbiterIDs, s.AgentID)
		}
	}
	frame := &protocol.CaseReadyFrame{Type: protocol.TypeCaseReady, TS: protocol.NowMS(), DisputeID: d.ID}
	for _, aid := range arbiterIDs {
		if m, ok := e.dir.Member(aid); ok {
			m.Enqueue(frame)
		}
	}
}

// Vote handles ARBITER_VOTE.
func (e *Engine) Vote(agentID, disputeID, verdict, reasoning string) (*Dispute, error) {
	if len(reasoning) > maxReasoningChars {
		return nil, ErrEvidenceTooLarge
	}
	l := e.lockFor(disputeID)
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := e.get(disputeID)
	if !ok {
		return nil, ErrNotFound
	}
	if d.Phase != PhaseDeliberation {
		return nil, ErrWrongPhase
	}
	idx := slotIndex(d, agentID)
	if idx < 0 || d.Arbiters[idx].Status != ArbiterAccepted {
		return nil, ErrNotParticipant
	}
	d.Arbiters[idx].Status = ArbiterVoted
	d.Arbiters[idx].Verdict = verdict

	allVoted := true
	for _, s := range d.Arbiters {
		if s.Status == ArbiterAccepted {
			allVoted = false
			break
		}
	}
	if allVoted {
		e.resolve(d)
	}
	return d, nil
}

func (e *Engine) onVoteDeadline(id string) {
	l := e.lockFor(id)
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := e.get(id)
	if !ok || d.Phase != PhaseDeliberation {
		return
	}
	for i := range d.Arbiters {
		if d.Arbiters[i].Status == ArbiterAccepted {
			d.Arbiters[i].Status = ArbiterForfeited
		}
	}
	e.resolve(d)
}

// resolve tallies votes, settles ratings, and transitions to resolved.
// Caller must hold the dispute's lock.
func (e *Engine) resolve(d *Dispute) {
	e.cancelTimer(d.ID)

	tally := map[string]int{}
	var majority []string
	var dissenting []string
	var forfeited []string
	for _, s := range d.Arbiters {
		switch s.Status {
		case ArbiterVoted:
			tally[s.Verdict]++
		case ArbiterForfeited:
			forfeited = append(forfeited, s.AgentID)
		}
	}

	verdict := VerdictMutual
	switch {
	case tally[string(VerdictDisputant)] >= 2:
		verdict = VerdictDisputant
	case tally[string(VerdictRespondent)] >= 2:
		verdict = VerdictRespondent
	}

	for _, s := range d.Arbiters {
		if s.Status != ArbiterVoted {
			continue
		}
		if s.Verdict == string(verdict) {
			majority = append(majority, s.AgentID)
		} else {
			dissenting = append(dissenting, s.AgentID)
		}
	}

	d.Verdict = verdict
	d.Phase = PhaseResolved

	_, _ = e.ledger.SettleDispute(d.ID, d.ProposalID, d.Disputant, d.Respondent, string(verdict), majority, dissenting, forfeited)

	votes := make([]protocol.VoteSummary, 0, len(d.Arbiters))
	for _, s := range d.Arbiters {
		votes = append(votes, protocol.VoteSummary{Arbiter: s.AgentID, Verdict: s.Verdict})
	}
	e.notifyParties(d, &protocol.VerdictFrame{
		Type:      protocol.TypeVerdict,
		TS:        protocol.NowMS(),
		DisputeID: d.ID,
		Verdict:   string(verdict),
		Votes:     votes,
	})
	for _, s := range d.Arbiters {
		if m, ok := e.dir.Member(s.AgentID); ok {
			m.Enqueue(&protocol.VerdictFrame{
				Type:      protocol.TypeVerdict,
				TS:        protocol.NowMS(),
				DisputeID: d.ID,
				Verdict:   string(verdict),
				Votes:     votes,
			})
		}
	}
}

// Shutdown cancels every pending timer, used during graceful shutdown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}
