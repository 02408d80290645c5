// Package reputation implements the ELO-style reputation ledger: ratings,
// escrow accounting, and the append-only receipts trail that records
// every settlement. All rating and escrow state is guarded by one mutex,
// which reads take as well.
package reputation

import (
	"errors"
	"math"
	"sync"
	"time"
)

const (
	// Floor is the lowest a rating is ever allowed to fall.
	Floor = 100
	// Initial is the starting rating for an agent with no history.
	Initial = 1200
)

var (
	ErrInsufficientReputation = errors.New("reputation: insufficient free rating for stake")
	ErrEscrowNotFound         = errors.New("reputation: escrow not found")
)

// Rating is one agent's reputation record.
type Rating struct {
	AgentID      string         `json:"agent_id"`
	Value        int            `json:"value"`
	Transactions int            `json:"transactions"`
	Skills       map[string]int `json:"skills,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// kFactor returns the K-factor for an agent's transaction count: 32 below
// 30 transactions, 24 below 100, 16 otherwise.
func kFactor(transactions int) int {
	switch {
	case transactions < 30:
		return 32
	case transactions < 100:
		return 24
	default:
		return 16
	}
}

// EscrowState is the lifecycle state of a held escrow row.
type EscrowState string

const (
	EscrowHeld     EscrowState = "held"
	EscrowReleased EscrowState = "released"
)

// Escrow is the stake reserved against a proposal's two parties for the
// duration of its lifecycle.
type Escrow struct {
	ProposalID     string      `json:"proposal_id"`
	ProposerID     string      `json:"proposer_id"`
	AcceptorID     string      `json:"acceptor_id"`
	ProposerStake  int         `json:"proposer_stake"`
	AcceptorStake  int         `json:"acceptor_stake"`
	State          EscrowState `json:"state"`
}

// Receipt is an append-only record of a completed or disputed proposal.
type Receipt struct {
	Type           string         `json:"type"` // "COMPLETE" | "DISPUTE_SETTLEMENT" | "DISPUTE_VOID"
	ProposalID     string         `json:"proposal_id,omitempty"`
	DisputeID      string         `json:"dispute_id,omitempty"`
	Parties        []string       `json:"parties"`
	Amount         float64        `json:"amount,omitempty"`
	Currency       string         `json:"currency,omitempty"`
	Capability     string         `json:"capability,omitempty"`
	Proof          string         `json:"proof,omitempty"`
	RatingDeltas   map[string]int `json:"rating_deltas"`
	Clamped        []string       `json:"clamped,omitempty"`
	Timestamp      time.Time      `json:"ts"`
}

// EscrowEvent describes a create/release/settle transition fired to
// registered hooks.
type EscrowEvent struct {
	Kind   string // "create" | "release" | "settle"
	Escrow Escrow
}

// EscrowHook observes escrow transitions. A hook that panics must not
// prevent subsequent hooks from running and must not roll back the
// triggering transition — Ledger recovers around each call.
type EscrowHook func(EscrowEvent)

// Store persists ratings and receipts to disk.
type Store interface {
	LoadRatings() (map[string]*Rating, error)
	SaveRatings(map[string]*Rating) error
	AppendReceipt(Receipt) error
}

// Ledger is the in-memory reputation ledger backed by a Store.
type Ledger struct {
	mu       sync.Mutex // serializes all rating/escrow mutations
	ratings  map[string]*Rating
	escrows  map[string]*Escrow
	store    Store
	hooks    []EscrowHook
	effK     int
}

// New loads ratings from store and returns a ready Ledger. effectiveK is
// the fixed K-factor used for dispute settlements (spec: 16).
func New(store Store, effectiveK int) (*Ledger, error) {
	ratings, err := store.LoadRatings()
	if err != nil {
		return nil, err
	}
	if ratings == nil {
		ratings = make(map[string]*Rating)
	}
	return &Ledger{
		ratings: ratings,
		escrows: make(map[string]*Escrow),
		store:   store,
		effK:    effectiveK,
	}, nil
}

// RegisterHook appends an escrow event hook, invoked synchronously in
// registration order.
func (l *Ledger) RegisterHook(h EscrowHook) {
	l.mu.Lock()
	l.hooks = append(l.hooks, h)
	l.mu.Unlock()
}

func (l *Ledger) fireHooks(ev EscrowEvent) {
	for _, h := range l.hooks {
		func() {
			defer func() { recover() }()
			h(ev)
		}()
	}
}

// getOrInit returns the rating record for agentID, creating it at the
// initial value if absent. Caller must hold l.mu.
func (l *Ledger) getOrInit(agentID string) *Rating {
	r, ok := l.ratings[agentID]
	if !ok {
		r = &Rating{AgentID: agentID, Value: Initial, UpdatedAt: time.Now()}
		l.ratings[agentID] = r
	}
	return r
}

// Rating returns a copy of agentID's current rating record.
func (l *Ledger) Rating(agentID string) Rating {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.getOrInit(agentID)
	return *r
}

// heldEscrow sums the stake currently held against agentID. Caller must
// hold l.mu.
func (l *Ledger) heldEscrow(agentID string) int {
	total := 0
	for _, e := range l.escrows {
		if e.State != EscrowHeld {
			continue
		}
		if e.ProposerID == agentID {
			total += e.ProposerStake
		}
		if e.AcceptorID == agentID {
			total += e.AcceptorStake
		}
	}
	return total
}

// FreeRating returns rating - floor - held escrow for agentID; this must
// never go negative.
func (l *Ledger) FreeRating(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.getOrInit(agentID)
	return r.Value - Floor - l.heldEscrow(agentID)
}

// HoldEscrow creates an escrow row for a proposal's combined stakes,
// rejecting with ErrInsufficientReputation if either party's free rating
// cannot cover its stake.
func (l *Ledger) HoldEscrow(proposalID, proposerID, acceptorID string, proposerStake, acceptorStake int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if proposerStake > 0 {
		l.getOrInit(proposerID)
		if l.getOrInit(proposerID).Value-Floor-l.heldEscrow(proposerID) < proposerStake {
			return ErrInsufficientReputation
		}
	}
	if acceptorStake > 0 {
		l.getOrInit(acceptorID)
		if l.getOrInit(acceptorID).Value-Floor-l.heldEscrow(acceptorID) < acceptorStake {
			return ErrInsufficientReputation
		}
	}

	e := &Escrow{
		ProposalID:    proposalID,
		ProposerID:    proposerID,
		AcceptorID:    acceptorID,
		ProposerStake: proposerStake,
		AcceptorStake: acceptorStake,
		State:         EscrowHeld,
	}
	l.escrows[proposalID] = e
	l.fireHooks(EscrowEvent{Kind: "create", Escrow: *e})
	return nil
}

// ReleaseEscrow marks the proposal's escrow released without any rating
// change, used on REJECT and when a dispute filing is rolled back.
func (l *Ledger) ReleaseEscrow(proposalID string) error {
	l.mu.Lock()
	e, ok := l.escrows[proposalID]
	if !ok {
		l.mu.Unlock()
		return ErrEscrowNotFound
	}
	e.State = EscrowReleased
	snapshot := *e
	l.mu.Unlock()
	l.fireHooks(EscrowEvent{Kind: "release", Escrow: snapshot})
	return nil
}

// expectedScore is the standard ELO expected-outcome formula for a versus
// rated opponent.
func expectedScore(ratingA, ratingB int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(ratingB-ratingA)/400.0))
}

func round(f float64) int {
	return int(math.Round(f))
}

func clamp(value int) (int, bool) {
	if value < Floor {
		return Floor, true
	}
	return value, false
}

// SettleCompletion applies the completion settlement between proposer and
// acceptor: both gain half of the loser-side expectation loss, so neither
// party can gain more together than one party would from a 1-on-1 match.
// It releases the proposal's escrow (if any) and appends a receipt.
func (l *Ledger) SettleCompletion(proposalID, proposer, acceptor string, amount float64, currency, capability, proof string) (map[string]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rp := l.getOrInit(proposer)
	ra := l.getOrInit(acceptor)

	ep := expectedScore(rp.Value, ra.Value)
	ea := expectedScore(ra.Value, rp.Value)
	k := float64(kFactor(min(rp.Transactions, ra.Transactions)))

	// Both parties gain; the gain is half of the expectation loss the
	// "losing" side of the matchup would otherwise have suffered, so the
	// two deltas never sum to more than a single 1-on-1 K*loss transfer.
	lowExpectation := math.Min(ep, ea)
	gain := round(0.5 * k * (1 - lowExpectation))
	if gain < 1 {
		gain = 1
	}

	deltas := make(map[string]int)
	var clamped []string

	newP := rp.Value + gain
	if v, wasClamped := clamp(newP); wasClamped {
		clamped = append(clamped, proposer)
		newP = v
	}
	deltas[proposer] = newP - rp.Value
	rp.Value = newP
	rp.Transactions++
	rp.UpdatedAt = time.Now()

	newA := ra.Value + gain
	if v, wasClamped := clamp(newA); wasClamped {
		clamped = append(clamped, acceptor)
		newA = v
	}
	deltas[acceptor] = newA - ra.Value
	ra.Value = newA
	ra.Transactions++
	ra.UpdatedAt = time.Now()

	if e, ok := l.escrows[proposalID]; ok {
		e.State = EscrowReleased
		snapshot := *e
		l.fireHooksUnlocked(EscrowEvent{Kind: "settle", Escrow: snapshot})
	}

	if err := l.persistLocked(); err != nil {
		return nil, err
	}

	receipt := Receipt{
		Type:         "COMPLETE",
		ProposalID:   proposalID,
		Parties:      []string{proposer, acceptor},
		Amount:       amount,
		Currency:     currency,
		Capability:   capability,
		Proof:        proof,
		RatingDeltas: deltas,
		Clamped:      clamped,
		Timestamp:    time.Now(),
	}
	if err := l.store.AppendReceipt(receipt); err != nil {
		return nil, err
	}

	return deltas, nil
}

// fireHooksUnlocked fires hooks while l.mu is already held. It releases
// the lock for the duration of the hook calls so a slow or reentrant hook
// cannot deadlock the ledger, then re-acquires before returning.
func (l *Ledger) fireHooksUnlocked(ev EscrowEvent) {
	hooks := l.hooks
	l.mu.Unlock()
	for _, h := range hooks {
		func() {
			defer func() { recover() }()
			h(ev)
		}()
	}
	l.mu.Lock()
}

// DisputeSettlement describes the per-agent rating deltas for a resolved
// dispute, keyed by agent id.
type DisputeSettlement struct {
	Deltas  map[string]int
	Clamped []string
}

// SettleDispute applies the Agentcourt settlement rules for a resolved
// dispute and appends a receipt. verdict is "disputant", "respondent", or
// "mutual". majorityVoters, dissentingVoters, and forfeitedArbiters are
// agent ids.
func (l *Ledger) SettleDispute(disputeID, proposalID, disputant, respondent, verdict string, majorityVoters, dissentingVoters, forfeitedArbiters []string) (*DisputeSettlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// The filing-fee hold from DISPUTE_INTENT is released on any normal
	// resolution; it only forfeits via VoidDispute (reveal timeout).
	if e, ok := l.escrows[disputeID]; ok {
		e.State = EscrowReleased
	}

	rd := l.getOrInit(disputant)
	rr := l.getOrInit(respondent)
	k := float64(l.effK)

	deltas := make(map[string]int)
	var clamped []string

	applyDelta := func(agentID string, r *Rating, delta int) {
		newVal := r.Value + delta
		if v, wasClamped := clamp(newVal); wasClamped {
			clamped = append(clamped, agentID)
			newVal = v
		}
		deltas[agentID] = newVal - r.Value
		r.Value = newVal
		r.UpdatedAt = time.Now()
	}

	switch verdict {
	case "disputant":
		eWinner := expectedScore(rd.Value, rr.Value)
		gain := maxInt(1, round(0.5*k*eWinner))
		loss := maxInt(1, round(k*eWinner))
		applyDelta(disputant, rd, gain)
		applyDelta(respondent, rr, -loss)
	case "respondent":
		eWinner := expectedScore(rr.Value, rd.Value)
		gain := maxInt(1, round(0.5*k*eWinner))
		loss := maxInt(1, round(k*eWinner))
		applyDelta(respondent, rr, gain)
		applyDelta(disputant, rd, -loss)
	default: // mutual
		eSelfD := expectedScore(rd.Value, rr.Value)
		eSelfR := expectedScore(rr.Value, rd.Value)
		applyDelta(disputant, rd, -maxInt(1, round(k*eSelfD)))
		applyDelta(respondent, rr, -maxInt(1, round(k*eSelfR)))
	}

	for _, a := range majorityVoters {
		r := l.getOrInit(a)
		applyDelta(a, r, 5)
	}
	for _, a := range dissentingVoters {
		// net 0: stake returned, no rating change, but still recorded.
		deltas[a] = 0
	}
	for _, a := range forfeitedArbiters {
		r := l.getOrInit(a)
		applyDelta(a, r, -25)
	}

	if err := l.persistLocked(); err != nil {
		return nil, err
	}

	parties := append([]string{disputant, respondent}, majorityVoters...)
	parties = append(parties, dissentingVoters...)
	parties = append(parties, forfeitedArbiters...)

	receipt := Receipt{
		Type:         "DISPUTE_SETTLEMENT",
		ProposalID:   proposalID,
		DisputeID:    disputeID,
		Parties:      parties,
		RatingDeltas: deltas,
		Clamped:      clamped,
		Timestamp:    time.Now(),
	}
	if err := l.store.AppendReceipt(receipt); err != nil {
		return nil, err
	}

	return &DisputeSettlement{Deltas: deltas, Clamped: clamped}, nil
}

// VoidDispute marks the dispute's filing-fee escrow released, deducts the
// fee from the disputant's rating (clamped at the floor), and appends a
// void receipt — used when a reveal timeout fires.
func (l *Ledger) VoidDispute(disputeID, proposalID, disputant string, filingFee int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.escrows[disputeID]; ok {
		e.State = EscrowReleased
	}

	r := l.getOrInit(disputant)
	delta := -filingFee
	newVal := r.Value + delta
	clampedNote := []string(nil)
	if v, wasClamped := clamp(newVal); wasClamped {
		clampedNote = []string{disputant}
		newVal = v
	}
	actualDelta := newVal - r.Value
	r.Value = newVal
	r.UpdatedAt = time.Now()

	if err := l.persistLocked(); err != nil {
		return err
	}

	receipt := Receipt{
		Type:         "DISPUTE_VOID",
		ProposalID:   proposalID,
		DisputeID:    disputeID,
		Parties:      []string{disputant},
		RatingDeltas: map[string]int{disputant: actualDelta},
		Clamped:      clampedNote,
		Timestamp:    time.Now(),
	}
	return l.store.AppendReceipt(receipt)
}

// persistLocked atomically writes the ratings map to disk. Caller must
// hold l.mu.
func (l *Ledger) persistLocked() error {
	snapshot := make(map[string]*Rating, len(l.ratings))
	for k, v := range l.ratings {
		cp := *v
		snapshot[k] = &cp
	}
	return l.store.SaveRatings(snapshot)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
