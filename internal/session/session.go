// Package session manages connection lifecycle: the
// IDENTIFY/CHALLENGE/VERIFY_IDENTITY handshake, ephemeral and
// persistent agent identity, and the per-session write queue and rate
// limiter every other component addresses a connection through.
package session

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentchat/agentchat/internal/channel"
	"github.com/agentchat/agentchat/internal/dispute"
	"github.com/agentchat/agentchat/internal/identity"
	"github.com/agentchat/agentchat/internal/protocol"
	"github.com/agentchat/agentchat/internal/ratelimit"
	"github.com/agentchat/agentchat/internal/reputation"
)

var (
	ErrDuplicateChallenge = errors.New("session: challenge already pending for this connection")
	ErrNoSuchChallenge    = errors.New("session: no matching challenge")
	ErrChallengeExpired   = errors.New("session: challenge expired")
)

// Session is one connected agent. It implements channel.Member and
// dispute.Member so the channel engine and dispute engine can address it
// without importing this package.
type Session struct {
	connID     string
	mu         sync.RWMutex
	agentID    string
	name       string
	pubkey     []byte // nil for ephemeral sessions
	persistent bool
	status     string

	sendCh  chan any
	limiter *ratelimit.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// AgentID satisfies channel.Member and dispute.Member.
func (s *Session) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentID
}

// Enqueue satisfies channel.Member and dispute.Member. A full queue drops
// the frame rather than blocking the sender's goroutine; the session stays
// connected and the dropped frame is not retried.
func (s *Session) Enqueue(frame any) {
	select {
	case s.sendCh <- frame:
	case <-s.closed:
	default:
	}
}

// Send is an alias for Enqueue used by call sites that address a session
// directly rather than through the Member interfaces.
func (s *Session) Send(frame any) { s.Enqueue(frame) }

// Outbox returns the channel the connection's write loop drains.
func (s *Session) Outbox() <-chan any { return s.sendCh }

// Closed returns a channel closed once the session is torn down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Close marks the session closed; idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Persistent reports whether this session authenticated with a pubkey.
func (s *Session) Persistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistent
}

// Pubkey returns the raw Ed25519 public key, or nil for ephemeral sessions.
func (s *Session) Pubkey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pubkey
}

// Name returns the display name chosen at IDENTIFY.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// SetStatus records a SET_PRESENCE update.
func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Status returns the most recent presence status.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RateLimiter exposes the session's token bucket to the dispatcher.
func (s *Session) RateLimiter() *ratelimit.Limiter { return s.limiter }

type pendingChallenge struct {
	agentID     string
	pubkey      []byte
	nonce       string
	expiresAt   time.Time
	pendingName string
}

// Table owns every live session and the handshake bookkeeping
// around it. A single top-level lock protects the connection indexes;
// each Session carries its own send queue so fan-out never blocks on it.
type Table struct {
	mu          sync.RWMutex
	byConn      map[string]*Session
	byAgent     map[string]*Session
	challenges  map[string]*pendingChallenge // challenge id -> pending

	disputeInvolvement map[string]time.Time // agent id -> last dispute participation

	rateSustained float64
	rateBurst     int
	challengeTTL  time.Duration
	writeQueueLen int

	server string
	logger *slog.Logger

	ledger  *reputation.Ledger
	channels *channel.Engine
}

// Options configures a Table.
type Options struct {
	ServerName         string
	RateSustained      float64
	RateBurst          int
	ChallengeTTL       time.Duration
	WriteQueueSize     int
	Ledger             *reputation.Ledger
	Channels           *channel.Engine
	Logger             *slog.Logger
}

// NewTable creates an empty session table.
func NewTable(opts Options) *Table {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		byConn:              make(map[string]*Session),
		byAgent:             make(map[string]*Session),
		challenges:          make(map[string]*pendingChallenge),
		disputeInvolvement:  make(map[string]time.Time),
		rateSustained:       opts.RateSustained,
		rateBurst:           opts.RateBurst,
		challengeTTL:        opts.ChallengeTTL,
		writeQueueLen:       opts.WriteQueueSize,
		server:              opts.ServerName,
		logger:              logger.With("component", "session"),
		ledger:              opts.Ledger,
		channels:            opts.Channels,
	}
}

// NewEphemeral creates a session with a freshly generated ephemeral agent
// id, used when IDENTIFY carries no pubkey.
func (t *Table) NewEphemeral(connID, name string) (*Session, error) {
	id, err := identity.EphemeralID()
	if err != nil {
		return nil, err
	}
	s := t.newSession(connID, id, name, nil, false)
	return s, nil
}

func (t *Table) newSession(connID, agentID, name string, pubkey []byte, persistent bool) *Session {
	s := &Session{
		connID:     connID,
		agentID:    agentID,
		name:       name,
		pubkey:     pubkey,
		persistent: persistent,
		status:     "active",
		sendCh:     make(chan any, t.writeQueueLen),
		limiter:    ratelimit.New(t.rateSustained, t.rateBurst),
		closed:     make(chan struct{}),
	}

	t.mu.Lock()
	if existing, ok := t.byAgent[agentID]; ok && persistent {
		// Pubkey collision: the new connection evicts the old one.
		existing.Close()
		delete(t.byConn, existing.connID)
	}
	t.byConn[connID] = s
	t.byAgent[agentID] = s
	t.mu.Unlock()

	return s
}

// BeginChallenge derives the agent id from pubkey, registers a pending
// challenge, and returns the CHALLENGE frame fields. Called for IDENTIFY
// frames that carry a pubkey.
func (t *Table) BeginChallenge(connID string, pubkey []byte, name string) (challengeID, nonce string, agentID string, err error) {
	agentID = identity.AgentID(pubkey)
	nonce, err = identity.RandomNonceHex()
	if err != nil {
		return "", "", "", err
	}
	challengeID, err = identity.RandomID("chal_", 8)
	if err != nil {
		return "", "", "", err
	}

	t.mu.Lock()
	t.challenges[challengeID] = &pendingChallenge{
		agentID:     agentID,
		pubkey:      pubkey,
		nonce:       nonce,
		expiresAt:   time.Now().Add(t.challengeTTL),
		pendingName: name,
	}
	t.mu.Unlock()

	return challengeID, nonce, agentID, nil
}

// CompleteChallenge verifies a VERIFY_IDENTITY signature and, on success,
// registers the session as persistent, evicting any existing session for
// the same agent id.
func (t *Table) CompleteChallenge(connID, challengeID string, sigB64 string, serverTime int64) (*Session, error) {
	t.mu.Lock()
	pc, ok := t.challenges[challengeID]
	if !ok {
		t.mu.Unlock()
		return nil, ErrNoSuchChallenge
	}
	delete(t.challenges, challengeID)
	t.mu.Unlock()

	if time.Now().After(pc.expiresAt) {
		return nil, ErrChallengeExpired
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, identity.ErrBadSignature
	}
	signingStr := protocol.BuildAuthSigningString(pc.nonce, challengeID, serverTime)
	if err := identity.Verify(pc.pubkey, []byte(signingStr), sig); err != nil {
		return nil, err
	}

	s := t.newSession(connID, pc.agentID, pc.pendingName, pc.pubkey, true)
	return s, nil
}

// SweepExpiredChallenges discards challenges past their TTL; intended to
// run periodically from a background goroutine.
func (t *Table) SweepExpiredChallenges() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, pc := range t.challenges {
		if now.After(pc.expiresAt) {
			delete(t.challenges, id)
		}
	}
}

// Remove tears down the session for connID: closes its queue, removes it
// from every index, and leaves every channel it belonged to.
func (t *Table) Remove(connID string) {
	t.mu.Lock()
	s, ok := t.byConn[connID]
	if ok {
		delete(t.byConn, connID)
		if t.byAgent[s.agentID] == s {
			delete(t.byAgent, s.agentID)
		}
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	if t.channels != nil {
		t.channels.LeaveAll(s.agentID)
	}
}

// BySession returns the session for a connection id.
func (t *Table) BySession(connID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byConn[connID]
	return s, ok
}

// ByAgent returns the session currently registered for an agent id.
func (t *Table) ByAgent(agentID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byAgent[agentID]
	return s, ok
}

// ListAgents returns every currently connected agent id, sorted.
func (t *Table) ListAgents() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byAgent))
	for id := range t.byAgent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Summary is a read-only view of one connected session, for the admin
// dashboard's session listing.
type Summary struct {
	AgentID    string
	Name       string
	Persistent bool
	Status     string
}

// Snapshot returns a summary of every connected session, sorted by agent
// id. Used by the admin dashboard; not on the agent-facing wire protocol.
func (t *Table) Snapshot() []Summary {
	t.mu.RLock()
	sessions := make([]*Session, 0, len(t.byAgent))
	for _, s := range t.byAgent {
		sessions = append(sessions, s)
	}
	t.mu.RUnlock()

	out := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Summary{
			AgentID:    s.AgentID(),
			Name:       s.Name(),
			Persistent: s.Persistent(),
			Status:     s.Status(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// PubkeyLookup adapts the table to marketplace.PubkeyLookup.
func (t *Table) PubkeyLookup(agentID string) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byAgent[agentID]
	if !ok || !s.persistent {
		return nil, false
	}
	return s.Pubkey(), true
}

// --- dispute.Directory ---

// Candidates returns every currently connected persistent agent not in
// excludeIDs, with its reputation rating and transaction count. Only
// connected agents can serve as arbiters since they need to receive
// ARBITER_ASSIGNED / CASE_READY frames and respond within the deadlines.
func (t *Table) Candidates(excludeIDs []string) []dispute.ArbiterCandidate {
	excluded := make(map[string]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = true
	}

	t.mu.RLock()
	var ids []string
	for id, s := range t.byAgent {
		if !s.persistent || excluded[id] {
			continue
		}
		ids = append(ids, id)
	}
	involvement := make(map[string]time.Time, len(t.disputeInvolvement))
	for k, v := range t.disputeInvolvement {
		involvement[k] = v
	}
	t.mu.RUnlock()

	out := make([]dispute.ArbiterCandidate, 0, len(ids))
	for _, id := range ids {
		var rating reputation.Rating
		if t.ledger != nil {
			rating = t.ledger.Rating(id)
		}
		out = append(out, dispute.ArbiterCandidate{
			AgentID:       id,
			Rating:        rating.Value,
			Transactions:  rating.Transactions,
			LastDisputeAt: involvement[id],
		})
	}
	return out
}

// Member resolves a live connection for agentID as a dispute.Member.
func (t *Table) Member(agentID string) (dispute.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byAgent[agentID]
	if !ok {
		return nil, false
	}
	return s, true
}

// MarkDisputeInvolvement records that agentIDs just served on a dispute
// panel, for the independence-window eligibility check on future cases.
func (t *Table) MarkDisputeInvolvement(agentIDs []string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range agentIDs {
		t.disputeInvolvement[id] = at
	}
}

// ChannelMember adapts a Session to channel.Member; the concrete type
// already satisfies the interface, this exists purely for call-site
// clarity where the distinction matters.
func ChannelMember(s *Session) channel.Member { return s }
