// Package marketplace implements the skill registry and the signed
// proposal lifecycle: PROPOSAL -> ACCEPT/REJECT -> COMPLETE/DISPUTE.
package marketplace

import (
	"encoding/base64"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentchat/agentchat/internal/identity"
	"github.com/agentchat/agentchat/internal/protocol"
	"github.com/agentchat/agentchat/internal/reputation"
)

var (
	ErrNotFound          = errors.New("marketplace: proposal not found")
	ErrExpired           = errors.New("marketplace: proposal expired")
	ErrInvalidTransition = errors.New("marketplace: invalid state transition")
	ErrNotParty          = errors.New("marketplace: not a party to this proposal")
	ErrBadSignature      = identity.ErrBadSignature
)

// State is a proposal's lifecycle state.
type State string

const (
	StatePending   State = "PENDING"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StateCompleted State = "COMPLETED"
	StateDisputed  State = "DISPUTED"
	StateExpired   State = "EXPIRED"
)

// Proposal is a signed work offer with a strictly ordered lifecycle.
type Proposal struct {
	ID         string
	Proposer   string
	Acceptor   string
	Task       string
	Amount     float64
	Currency   string
	Capability string
	Stakes     *protocol.StakesPayload
	CreatedAt  time.Time
	ExpiresAt  time.Time
	State      State
}

// isExpired reports whether p's absolute expiry has passed.
func (p *Proposal) isExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Skill entries are registered per persistent agent.
type skillEntry struct {
	agent  string
	skills []string
}

// PubkeyLookup resolves an agent id's Ed25519 public key, used to verify
// signed operations. Only persistent (pubkey-authenticated) sessions can
// be looked up.
type PubkeyLookup func(agentID string) (pubkey []byte, persistent bool)

// Market owns the skill registry and the proposal store.
type Market struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	skills    map[string]skillEntry

	ledger   *reputation.Ledger
	pubkeys  PubkeyLookup
}

// New creates a Market backed by the given reputation ledger and pubkey
// lookup (supplied by the session manager).
func New(ledger *reputation.Ledger, pubkeys PubkeyLookup) *Market {
	return &Market{
		proposals: make(map[string]*Proposal),
		skills:    make(map[string]skillEntry),
		ledger:    ledger,
		pubkeys:   pubkeys,
	}
}

func (m *Market) verify(agentID string, msg string, sigB64 string) error {
	if sigB64 == "" {
		return protocol.ErrInvalidFrame
	}
	pub, persistent := m.pubkeys(agentID)
	if !persistent {
		return ErrBadSignature
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return ErrBadSignature
	}
	return identity.Verify(pub, []byte(msg), sig)
}

// RegisterSkills verifies sig over the canonical skills signing string and
// replaces agentID's registry entry.
func (m *Market) RegisterSkills(agentID string, skills []string, sig string) error {
	signingStr := protocol.BuildRegisterSkillsSigningString(agentID, skills)
	if err := m.verify(agentID, signingStr, sig); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skills[agentID] = skillEntry{agent: agentID, skills: skills}
	return nil
}

// SearchSkills returns every registered agent whose skill list contains a
// case-insensitive substring match for query.
func (m *Market) SearchSkills(query string) []protocol.SkillSearchResult {
	q := strings.ToLower(query)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []protocol.SkillSearchResult
	for _, entry := range m.skills {
		for _, s := range entry.skills {
			if strings.Contains(strings.ToLower(s), q) {
				out = append(out, protocol.SkillSearchResult{Agent: entry.agent, Skills: entry.skills})
				break
			}
		}
	}
	return out
}

// newProposalID builds "prop_" + base36 timestamp + random suffix.
func newProposalID() string {
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	suffix := randomBase36(6)
	return "prop_" + ts + suffix
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// Propose creates a new PENDING proposal after verifying the proposer's
// signature, and — if stakes were offered — holding escrow. Only
// persistent sessions may propose or be proposed to.
func (m *Market) Propose(proposer, acceptor, task string, amount float64, currency, capability string, stakes *protocol.StakesPayload, expiresAt time.Time, sig string) (*Proposal, error) {
	if _, persistent := m.pubkeys(proposer); !persistent {
		return nil, ErrBadSignature
	}
	if _, persistent := m.pubkeys(acceptor); !persistent {
		return nil, ErrNotParty
	}

	id := newProposalID()
	signingStr := protocol.BuildProposalSigningString(id, proposer, acceptor, task, amount, currency, capability)
	if err := m.verify(proposer, signingStr, sig); err != nil {
		return nil, err
	}

	p := &Proposal{
		ID:         id,
		Proposer:   proposer,
		Acceptor:   acceptor,
		Task:       task,
		Amount:     amount,
		Currency:   currency,
		Capability: capability,
		Stakes:     stakes,
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
		State:      StatePending,
	}

	if stakes != nil && (stakes.Proposer > 0 || stakes.Acceptor > 0) {
		if err := m.ledger.HoldEscrow(id, proposer, acceptor, stakes.Proposer, stakes.Acceptor); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.proposals[id] = p
	m.mu.Unlock()
	return p, nil
}

func (m *Market) get(id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Accept transitions a PENDING proposal to ACCEPTED. Must be called by the
// named acceptor while the proposal has not expired.
func (m *Market) Accept(agentID, proposalID, paymentCode, sig string) (*Proposal, error) {
	p, err := m.get(proposalID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Acceptor != agentID {
		return nil, ErrNotParty
	}
	if p.State != StatePending {
		return nil, ErrInvalidTransition
	}
	if p.isExpired(time.Now()) {
		p.State = StateExpired
		return nil, ErrExpired
	}

	signingStr := protocol.BuildAcceptSigningString(proposalID, paymentCode)
	if err := m.verify(agentID, signingStr, sig); err != nil {
		return nil, err
	}

	p.State = StateAccepted
	return p, nil
}

// Reject transitions a PENDING proposal to REJECTED and releases any held
// escrow.
func (m *Market) Reject(agentID, proposalID, reason, sig string) (*Proposal, error) {
	p, err := m.get(proposalID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if p.Acceptor != agentID {
		m.mu.Unlock()
		return nil, ErrNotParty
	}
	if p.State != StatePending {
		m.mu.Unlock()
		return nil, ErrInvalidTransition
	}

	signingStr := protocol.BuildRejectSigningString(proposalID, reason)
	if err := m.verify(agentID, signingStr, sig); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	p.State = StateRejected
	hadStakes := p.Stakes != nil && (p.Stakes.Proposer > 0 || p.Stakes.Acceptor > 0)
	m.mu.Unlock()

	if hadStakes {
		_ = m.ledger.ReleaseEscrow(proposalID)
	}
	return p, nil
}

// Complete transitions an ACCEPTED proposal to COMPLETED, settles ELO
// changes between both parties, and releases escrow. Per policy the
// acceptor initiates completion (the spec documents this as an open
// question the implementer MUST resolve; see the project's design notes).
func (m *Market) Complete(agentID, proposalID, proof, sig string) (*Proposal, map[string]int, error) {
	p, err := m.get(proposalID)
	if err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	if p.Acceptor != agentID {
		m.mu.Unlock()
		return nil, nil, ErrNotParty
	}
	if p.State != StateAccepted {
		m.mu.Unlock()
		return nil, nil, ErrInvalidTransition
	}

	signingStr := protocol.BuildCompleteSigningString(proposalID, proof)
	if err := m.verify(agentID, signingStr, sig); err != nil {
		m.mu.Unlock()
		return nil, nil, err
	}

	p.State = StateCompleted
	proposer, acceptor := p.Proposer, p.Acceptor
	amount, currency, capability := p.Amount, p.Currency, p.Capability
	m.mu.Unlock()

	deltas, err := m.ledger.SettleCompletion(proposalID, proposer, acceptor, amount, currency, capability, proof)
	if err != nil {
		return nil, nil, err
	}
	return p, deltas, nil
}

// MarkDisputed transitions an ACCEPTED proposal to DISPUTED. Called by the
// dispute engine once DISPUTE_INTENT is accepted.
func (m *Market) MarkDisputed(proposalID string) (*Proposal, error) {
	p, err := m.get(proposalID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.State != StateAccepted {
		return nil, ErrInvalidTransition
	}
	p.State = StateDisputed
	return p, nil
}

// Get returns a copy of the proposal's current state for read-only
// inspection by the dispute engine.
func (m *Market) Get(proposalID string) (Proposal, error) {
	p, err := m.get(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *p, nil
}
