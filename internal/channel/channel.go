// Package channel implements the AgentChat channel engine: membership,
// public/invite-only creation, fan-out broadcast, and the bounded replay
// buffer handed to late joiners.
package channel

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound     = errors.New("channel: not found")
	ErrExists       = errors.New("channel: already exists")
	ErrNotInvited   = errors.New("channel: agent not invited")
	ErrNotMember    = errors.New("channel: agent not a member")
)

// Member is the subset of a session the channel engine needs: enough to
// address and write to it, without importing the session package (which
// would create an import cycle since the dispatcher wires both together).
type Member interface {
	AgentID() string
	Enqueue(frame any)
}

// ReplayEntry is a buffered broadcast or membership-change frame handed to
// late joiners. Entries are stored exactly as they were broadcast; no
// replay flag is set on them.
type ReplayEntry struct {
	Frame any
}

// Channel is one named broadcast group.
type Channel struct {
	mu          sync.RWMutex
	name        string
	inviteOnly  bool
	invited     map[string]bool
	members     map[string]Member // keyed by agent id
	replay      []ReplayEntry
	replayLimit int
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }

// InviteOnly reports whether the channel requires an invite to join.
func (c *Channel) InviteOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inviteOnly
}

// MemberCount returns the current member count.
func (c *Channel) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Members returns a snapshot of current member agent ids, sorted for
// deterministic output in LIST_AGENTS / JOINED.
func (c *Channel) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsMember reports whether agentID currently belongs to the channel.
func (c *Channel) IsMember(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[agentID]
	return ok
}

// appendReplay pushes a frame into the bounded replay window, evicting the
// oldest entry once the configured limit is reached.
func (c *Channel) appendReplay(frame any) {
	c.replay = append(c.replay, ReplayEntry{Frame: frame})
	if len(c.replay) > c.replayLimit {
		c.replay = c.replay[len(c.replay)-c.replayLimit:]
	}
}

// replaySnapshot returns a copy of the current replay buffer contents.
func (c *Channel) replaySnapshot() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]any, len(c.replay))
	for i, e := range c.replay {
		out[i] = e.Frame
	}
	return out
}

// broadcast fans a frame out to every current member. The member set is
// copied under the channel lock and then released before any writes happen,
// so one slow member's write queue cannot block fan-out to the rest.
func (c *Channel) broadcast(frame any, recordReplay bool) {
	c.mu.Lock()
	if recordReplay {
		c.appendReplay(frame)
	}
	targets := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		targets = append(targets, m)
	}
	c.mu.Unlock()

	for _, m := range targets {
		m.Enqueue(frame)
	}
}

// Engine owns the set of named channels. A single top-level lock protects
// channel creation and lookup; per-channel locks protect membership and
// the replay buffer, so fan-out within one channel never blocks lookups
// or broadcasts in another.
type Engine struct {
	mu          sync.RWMutex
	channels    map[string]*Channel
	replayLimit int
}

// NewEngine creates a channel engine seeded with the given default
// channels (e.g. "#general", "#agents"), which exist at boot and are
// never invite-only.
func NewEngine(replayLimit int, defaultChannels []string) *Engine {
	e := &Engine{
		channels:    make(map[string]*Channel),
		replayLimit: replayLimit,
	}
	for _, name := range defaultChannels {
		e.channels[name] = &Channel{
			name:        name,
			members:     make(map[string]Member),
			invited:     make(map[string]bool),
			replayLimit: replayLimit,
		}
	}
	return e
}

func (e *Engine) lookup(name string) (*Channel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.channels[name]
	return c, ok
}

// Get returns the channel by name, or ErrNotFound.
func (e *Engine) Get(name string) (*Channel, error) {
	c, ok := e.lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Create registers a new channel. The creator auto-joins and, for
// invite-only channels, is added to the invite set.
func (e *Engine) Create(name string, inviteOnly bool, creator Member) (*Channel, error) {
	e.mu.Lock()
	if _, exists := e.channels[name]; exists {
		e.mu.Unlock()
		return nil, ErrExists
	}
	c := &Channel{
		name:        name,
		inviteOnly:  inviteOnly,
		members:     make(map[string]Member),
		invited:     make(map[string]bool),
		replayLimit: e.replayLimit,
	}
	e.channels[name] = c
	e.mu.Unlock()

	c.mu.Lock()
	if inviteOnly {
		c.invited[creator.AgentID()] = true
	}
	c.members[creator.AgentID()] = creator
	c.mu.Unlock()

	return c, nil
}

// Join adds m to the named channel, enforcing the invite-only invariant,
// then returns the channel so the caller can broadcast AGENT_JOINED and
// build the JOINED reply with a replay snapshot.
func (e *Engine) Join(name string, m Member) (*Channel, []any, error) {
	c, ok := e.lookup(name)
	if !ok {
		return nil, nil, ErrNotFound
	}

	c.mu.Lock()
	if c.inviteOnly && !c.invited[m.AgentID()] {
		c.mu.Unlock()
		return nil, nil, ErrNotInvited
	}
	c.members[m.AgentID()] = m
	c.mu.Unlock()

	return c, c.replaySnapshot(), nil
}

// BroadcastJoin announces the arrival of excludeAgentID to every other
// member of the channel and records the announcement in the replay
// buffer. The joining member itself is excluded — it receives JOINED
// instead, not its own AGENT_JOINED.
func (e *Engine) BroadcastJoin(c *Channel, excludeAgentID string, frame any) {
	c.mu.Lock()
	c.appendReplay(frame)
	targets := make([]Member, 0, len(c.members))
	for id, mem := range c.members {
		if id == excludeAgentID {
			continue
		}
		targets = append(targets, mem)
	}
	c.mu.Unlock()
	for _, t := range targets {
		t.Enqueue(frame)
	}
}

// Leave removes agentID from the named channel.
func (e *Engine) Leave(name, agentID string) (*Channel, error) {
	c, ok := e.lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	if _, present := c.members[agentID]; !present {
		c.mu.Unlock()
		return nil, ErrNotMember
	}
	delete(c.members, agentID)
	c.mu.Unlock()
	return c, nil
}

// LeaveAll removes agentID from every channel it belongs to, returning the
// channels it was removed from — used on disconnect.
func (e *Engine) LeaveAll(agentID string) []*Channel {
	e.mu.RLock()
	all := make([]*Channel, 0, len(e.channels))
	for _, c := range e.channels {
		all = append(all, c)
	}
	e.mu.RUnlock()

	var left []*Channel
	for _, c := range all {
		c.mu.Lock()
		if _, present := c.members[agentID]; present {
			delete(c.members, agentID)
			left = append(left, c)
		}
		c.mu.Unlock()
	}
	return left
}

// Invite adds target to the channel's invite set. The caller has already
// verified the inviter is a member.
func (e *Engine) Invite(name, target string) (*Channel, error) {
	c, ok := e.lookup(name)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.Lock()
	c.invited[target] = true
	c.mu.Unlock()
	return c, nil
}

// Broadcast fans a MSG (or other broadcast) frame out to every member of
// the named channel, including the sender, recording it in the replay
// buffer.
func (e *Engine) Broadcast(name string, frame any) error {
	c, ok := e.lookup(name)
	if !ok {
		return ErrNotFound
	}
	c.broadcast(frame, true)
	return nil
}

// ListPublic returns a summary of every non-invite-only channel, sorted
// by name.
func (e *Engine) ListPublic() []ChannelSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ChannelSummary, 0, len(e.channels))
	for _, c := range e.channels {
		if c.InviteOnly() {
			continue
		}
		out = append(out, ChannelSummary{Name: c.Name(), Members: c.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ChannelSummary is a public channel's name and current member count.
type ChannelSummary struct {
	Name    string
	Members int
}
