// Package agentchatd is the main orchestrator that wires every engine —
// reputation ledger, channel engine, marketplace, dispute engine,
// allowlist, session table, relay, and the admin/ops HTTP API — into one
// running process.
package agentchatd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentchat/agentchat/internal/adminapi"
	adminauth "github.com/agentchat/agentchat/internal/adminapi/auth"
	"github.com/agentchat/agentchat/internal/allowlist"
	"github.com/agentchat/agentchat/internal/channel"
	"github.com/agentchat/agentchat/internal/config"
	"github.com/agentchat/agentchat/internal/dispute"
	"github.com/agentchat/agentchat/internal/marketplace"
	"github.com/agentchat/agentchat/internal/opsstore"
	"github.com/agentchat/agentchat/internal/relay"
	"github.com/agentchat/agentchat/internal/reputation"
	"github.com/agentchat/agentchat/internal/session"
)

// Server is the relay process: the agent-facing WebSocket endpoint plus
// the operator HTTP API, sharing one engine graph.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	ledger    *reputation.Ledger
	channels  *channel.Engine
	allowlist *allowlist.List
	sessions  *session.Table
	market    *marketplace.Market
	disputes  *dispute.Engine
	ops       opsstore.Store

	relay *relay.Relay
	admin *adminapi.Server
}

// New constructs every engine from cfg, in dependency order, and wires
// them into a Server ready to Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := reputation.NewFileStore(cfg.Storage.RatingsPath, cfg.Storage.ReceiptsPath)
	if err != nil {
		return nil, fmt.Errorf("init reputation store: %w", err)
	}
	ledger, err := reputation.New(store, cfg.Dispute.EffectiveK)
	if err != nil {
		return nil, fmt.Errorf("init reputation ledger: %w", err)
	}

	channels := channel.NewEngine(cfg.Channel.ReplayBufferSize, cfg.Channel.DefaultChannels)

	al, err := allowlist.New(allowlist.Config{
		Enabled:  cfg.Allowlist.Enabled,
		Strict:   cfg.Allowlist.Strict,
		Path:     cfg.Allowlist.Path,
		AdminKey: cfg.Admin.Key,
	})
	if err != nil {
		return nil, fmt.Errorf("init allowlist: %w", err)
	}

	sessions := session.NewTable(session.Options{
		ServerName:     cfg.Server.Addr,
		RateSustained:  cfg.RateLimit.SustainedPerSecond,
		RateBurst:      cfg.RateLimit.Burst,
		ChallengeTTL:   cfg.Session.ChallengeTTL.Duration,
		WriteQueueSize: cfg.Session.WriteQueueSize,
		Ledger:         ledger,
		Channels:       channels,
		Logger:         logger,
	})

	market := marketplace.New(ledger, sessions.PubkeyLookup)

	disputes := dispute.New(dispute.Config{
		PanelSize:              cfg.Dispute.PanelSize,
		MinRating:              cfg.Dispute.MinRating,
		MinTransactions:        cfg.Dispute.MinTransactions,
		IndependenceWindow:     cfg.Dispute.IndependenceWindow.Duration,
		RevealTimeout:          cfg.Dispute.RevealTimeout.Duration,
		ArbiterResponseTimeout: cfg.Dispute.ArbiterResponseTimeout.Duration,
		EvidenceWindow:         cfg.Dispute.EvidenceWindow.Duration,
		VoteWindow:             cfg.Dispute.VoteWindow.Duration,
		MaxReplacementRounds:   cfg.Dispute.MaxReplacementRounds,
		FilingFee:              cfg.Dispute.FilingFee,
		EffectiveK:             cfg.Dispute.EffectiveK,
	}, sessions, market, ledger)

	ops, err := opsstore.New(cfg.Ops.Driver, cfg.Ops.DSN)
	if err != nil {
		return nil, fmt.Errorf("init ops store: %w", err)
	}

	rl := relay.New(cfg, logger, sessions, channels, market, ledger, disputes, al, ops)

	var adminAuth *adminauth.Service
	if cfg.Admin.Operator != nil {
		adminAuth, err = adminauth.New(cfg.Admin.Operator.Username, cfg.Admin.Operator.Password, cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry.Duration)
	} else {
		adminAuth, err = adminauth.New("", "", cfg.Admin.JWTSecret, cfg.Admin.JWTExpiry.Duration)
	}
	if err != nil {
		_ = ops.Close()
		return nil, fmt.Errorf("init admin auth: %w", err)
	}

	admin := adminapi.New(adminapi.Options{
		Auth:           adminAuth,
		Sessions:       sessions,
		Channels:       channels,
		Disputes:       disputes,
		Ledger:         ledger,
		Ops:            ops,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "agentchatd"),
		ledger:    ledger,
		channels:  channels,
		allowlist: al,
		sessions:  sessions,
		market:    market,
		disputes:  disputes,
		ops:       ops,
		relay:     rl,
		admin:     admin,
	}, nil
}

// Run starts the relay listener, plus a separate admin listener when
// admin_addr differs from addr (otherwise the admin API is served on the
// relay's mux), and blocks until ctx is canceled, shutting everything down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	relayMux := http.NewServeMux()
	relayMux.Handle("/ws", s.relay)
	relaySrv := &http.Server{Addr: s.cfg.Server.Addr, Handler: relayMux}

	var adminSrv *http.Server
	if s.cfg.Server.AdminAddr != "" && s.cfg.Server.AdminAddr != s.cfg.Server.Addr {
		adminSrv = &http.Server{Addr: s.cfg.Server.AdminAddr, Handler: s.admin.Handler()}
	} else {
		relayMux.Handle("/", s.admin.Handler())
	}

	s.admin.StartBackgroundTasks(ctx)
	go s.sweepChallenges(ctx)
	go s.mirrorDisputeHistory(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("relay listening", "addr", s.cfg.Server.Addr)
		errCh <- serveHTTP(relaySrv, s.cfg)
	}()
	if adminSrv != nil {
		go func() {
			s.logger.Info("admin api listening", "addr", s.cfg.Server.AdminAddr)
			errCh <- adminSrv.ListenAndServe()
		}()
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = relaySrv.Shutdown(shutdownCtx)
		if adminSrv != nil {
			_ = adminSrv.Shutdown(shutdownCtx)
		}
		s.disputes.Shutdown()
		_ = s.ops.Close()
		return ctx.Err()
	case err := <-errCh:
		s.disputes.Shutdown()
		_ = s.ops.Close()
		return err
	}
}

func serveHTTP(srv *http.Server, cfg *config.Config) error {
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		return srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
	}
	return srv.ListenAndServe()
}

func (s *Server) sweepChallenges(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessions.SweepExpiredChallenges()
		}
	}
}

// mirrorDisputeHistory periodically copies terminal-phase disputes into
// the ops store's read-model mirror, so case history survives past the
// in-memory engine's own lifetime.
func (s *Server) mirrorDisputeHistory(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range s.disputes.List() {
				if d.Phase != dispute.PhaseResolved && d.Phase != dispute.PhaseVoided && d.Phase != dispute.PhaseFallback {
					continue
				}
				if err := s.ops.RecordDispute(ctx, opsstore.DisputeRecord{
					ID:         d.ID,
					ProposalID: d.ProposalID,
					Disputant:  d.Disputant,
					Respondent: d.Respondent,
					Verdict:    string(d.Verdict),
					Phase:      string(d.Phase),
					ResolvedAt: time.Now(),
				}); err != nil {
					s.logger.Warn("mirror dispute history failed", "dispute_id", d.ID, "error", err)
				}
			}
		}
	}
}
