// Package relay is the transport and dispatch layer: it upgrades incoming
// connections to WebSocket, runs each connection's read and write loops,
// and routes decoded frames to the channel engine, marketplace, reputation
// ledger, dispute engine, and allowlist.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentchat/agentchat/internal/allowlist"
	"github.com/agentchat/agentchat/internal/channel"
	"github.com/agentchat/agentchat/internal/config"
	"github.com/agentchat/agentchat/internal/dispute"
	"github.com/agentchat/agentchat/internal/identity"
	"github.com/agentchat/agentchat/internal/marketplace"
	"github.com/agentchat/agentchat/internal/opsstore"
	"github.com/agentchat/agentchat/internal/protocol"
	"github.com/agentchat/agentchat/internal/ratelimit"
	"github.com/agentchat/agentchat/internal/reputation"
	"github.com/agentchat/agentchat/internal/session"
)

// makeUpgrader builds a websocket.Upgrader with origin checking, mirroring
// the hub's allow-list-or-wildcard CheckOrigin.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// Relay owns every domain engine a connection's dispatch loop addresses.
type Relay struct {
	cfg      *config.Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions  *session.Table
	channels  *channel.Engine
	market    *marketplace.Market
	ledger    *reputation.Ledger
	disputes  *dispute.Engine
	allowlist *allowlist.List
	ops       opsstore.Store // optional; nil means audit logging is skipped

	preAuth *ratelimit.PreAuthBudget
}

// New wires a Relay from already-constructed domain engines. ops may be
// nil, in which case ADMIN_* actions are not mirrored to the audit log.
func New(cfg *config.Config, logger *slog.Logger, sessions *session.Table, channels *channel.Engine, market *marketplace.Market, ledger *reputation.Ledger, disputes *dispute.Engine, al *allowlist.List, ops opsstore.Store) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:       cfg,
		upgrader:  makeUpgrader(cfg.Server.AllowedOrigins),
		logger:    logger.With("component", "relay"),
		sessions:  sessions,
		channels:  channels,
		market:    market,
		ledger:    ledger,
		disputes:  disputes,
		allowlist: al,
		ops:       ops,
		preAuth:   ratelimit.NewPreAuthBudget(cfg.Session.PreAuthBudgetBurst),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its
// lifecycle until the connection closes.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(rl.cfg.Server.MaxFrameBytes)

	connID, err := identity.RandomID("conn_", 8)
	if err != nil {
		rl.logger.Error("failed to allocate connection id", "error", err)
		return
	}
	remote := r.RemoteAddr

	var s *session.Session
	defer func() {
		rl.preAuth.Forget(remote)
		if s != nil {
			rl.sessions.Remove(connID)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if s == nil {
			if !rl.preAuth.Allow(remote) {
				writeErr(conn, protocol.ErrRateLimited, "pre-auth frame budget exceeded")
				return
			}
			s = rl.handlePreAuth(conn, connID, raw)
			if s != nil {
				go rl.writePump(conn, s)
			}
			continue
		}

		if typ, _ := protocol.PeekType(raw); (typ == protocol.TypeMsg || typ == protocol.TypeJoin || typ == protocol.TypeLeave) && !s.RateLimiter().Allow() {
			s.Enqueue(&protocol.ErrorFrame{Type: protocol.TypeError, TS: protocol.NowMS(), Code: protocol.ErrRateLimited, Message: "rate limit exceeded"})
			continue
		}

		rl.dispatch(s, raw)
	}
}

// writePump drains a session's outbox and writes each frame to its
// connection; it exits once the session is closed.
func (rl *Relay) writePump(conn *websocket.Conn, s *session.Session) {
	for {
		select {
		case frame, ok := <-s.Outbox():
			if !ok {
				return
			}
			data, err := protocol.Encode(frame)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-s.Closed():
			return
		}
	}
}

// handlePreAuth processes frames on a connection that has not yet
// completed IDENTIFY (and, for persistent agents, VERIFY_IDENTITY). It
// returns the established session once the handshake succeeds, or nil if
// the connection should keep waiting in pre-auth state.
func (rl *Relay) handlePreAuth(conn *websocket.Conn, connID string, raw []byte) *session.Session {
	typ, err := protocol.PeekType(raw)
	if err != nil {
		writeErr(conn, protocol.ErrInvalidMsg, "malformed frame")
		return nil
	}

	switch typ {
	case protocol.TypeIdentify:
		var f protocol.IdentifyFrame
		if err := json.Unmarshal(raw, &f); err != nil || !protocol.ValidAgentName(f.Name) {
			writeErr(conn, protocol.ErrInvalidName, "invalid agent name")
			return nil
		}

		if f.Pubkey == "" {
			if rl.allowlist.Enabled() && rl.allowlist.Strict() {
				writeErr(conn, protocol.ErrNoPubkey, "this server requires a persistent identity")
				return nil
			}
			s, err := rl.sessions.NewEphemeral(connID, f.Name)
			if err != nil {
				writeErr(conn, protocol.ErrInvalidMsg, "could not allocate session")
				return nil
			}
			s.Enqueue(&protocol.WelcomeFrame{Type: protocol.TypeWelcome, TS: protocol.NowMS(), AgentID: s.AgentID(), Server: rl.cfg.Server.Addr})
			return s
		}

		pubkey, err := base64.StdEncoding.DecodeString(f.Pubkey)
		if err != nil || len(pubkey) != 32 {
			writeErr(conn, protocol.ErrInvalidMsg, "invalid pubkey encoding")
			return nil
		}
		agentID := identity.AgentID(pubkey)
		if rl.allowlist.Enabled() && !rl.allowlist.Allowed(agentID) {
			writeErr(conn, protocol.ErrNotAllowed, "pubkey not approved")
			return nil
		}

		challengeID, nonce, _, err := rl.sessions.BeginChallenge(connID, pubkey, f.Name)
		if err != nil {
			writeErr(conn, protocol.ErrInvalidMsg, "could not issue challenge")
			return nil
		}
		data, _ := protocol.Encode(&protocol.ChallengeFrame{
			Type:        protocol.TypeChallenge,
			TS:          protocol.NowMS(),
			ChallengeID: challengeID,
			Nonce:       nonce,
			ServerTime:  protocol.NowMS(),
		})
		conn.WriteMessage(websocket.TextMessage, data)
		return nil

	case protocol.TypeVerifyIdentity:
		var f protocol.VerifyIdentityFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			writeErr(conn, protocol.ErrInvalidMsg, "malformed verify_identity")
			return nil
		}
		s, err := rl.sessions.CompleteChallenge(connID, f.ChallengeID, f.Signature, protocol.NowMS())
		if err != nil {
			data, _ := protocol.Encode(&protocol.ErrorFrame{Type: protocol.TypeVerifyFailed, TS: protocol.NowMS(), Code: protocol.ErrVerificationFailed, Message: err.Error()})
			conn.WriteMessage(websocket.TextMessage, data)
			return nil
		}
		s.Enqueue(&protocol.WelcomeFrame{Type: protocol.TypeWelcome, TS: protocol.NowMS(), AgentID: s.AgentID(), Server: rl.cfg.Server.Addr})
		return s

	case protocol.TypePing:
		data, _ := protocol.Encode(&protocol.PongFrame{Type: protocol.TypePong, TS: protocol.NowMS()})
		conn.WriteMessage(websocket.TextMessage, data)
		return nil

	default:
		writeErr(conn, protocol.ErrAuthRequired, "IDENTIFY required before any other frame")
		return nil
	}
}

// auditLog mirrors an ADMIN_* action to the ops store, if configured. Best
// effort: a failed audit write never blocks or fails the admin action
// itself.
func (rl *Relay) auditLog(actor, action string) {
	if rl.ops == nil {
		return
	}
	if err := rl.ops.LogEvent(context.Background(), opsstore.AuditEvent{
		ID:        uuid.NewString(),
		Actor:     actor,
		Action:    action,
		CreatedAt: time.Now(),
	}); err != nil {
		rl.logger.Warn("audit log write failed", "action", action, "error", err)
	}
}

func writeErr(conn *websocket.Conn, code, msg string) {
	data, _ := protocol.Encode(&protocol.ErrorFrame{Type: protocol.TypeError, TS: protocol.NowMS(), Code: code, Message: msg})
	conn.WriteMessage(websocket.TextMessage, data)
}
