// Package portal is the orchestrator that ties the portal components together.
package portal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/covenant-hub/covenant/portal/internal/access"
	"github.com/covenant-hub/covenant/portal/internal/api"
	"github.com/covenant-hub/covenant/portal/internal/auth"
	"github.com/covenant-hub/covenant/portal/internal/billing"
	"github.com/covenant-hub/covenant/portal/internal/config"
	"github.com/covenant-hub/covenant/portal/internal/files"
	"github.com/covenant-hub/covenant/portal/internal/store"
	"github.com/covenant-hub/covenant/portal/internal/streak"
)

// Portal is the main portal process.
type Portal struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	api          *api.Server
	streaks      *streak.Job
	logger       *slog.Logger
}

// New creates a portal from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Portal, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	p, err := build(ctx, cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func build(ctx context.Context, cfg *config.Config, db store.Store, logger *slog.Logger) (*Portal, error) {
	authProvider, err := auth.NewProvider(ctx, cfg.Auth, db)
	if err != nil {
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Creates the initial admin for the builtin provider.
	if err := authProvider.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	policy, err := access.ParsePolicy(cfg.Access.UnknownTierPolicy)
	if err != nil {
		return nil, fmt.Errorf("access policy: %w", err)
	}

	resolver, err := files.New(ctx, cfg.Files)
	if err != nil {
		return nil, fmt.Errorf("init file resolver: %w", err)
	}

	var provider billing.Provider
	if cfg.Billing.Enabled {
		sp, err := billing.NewStripeProvider(cfg.Billing.StripeSecretKey, cfg.Billing.StripeWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("init billing: %w", err)
		}
		provider = sp
	}

	apiSrv := api.NewServer(api.Deps{
		Store:   db,
		Auth:    authProvider,
		Login:   loginProvider,
		Access:  access.NewResolver(policy),
		Files:   resolver,
		Billing: provider,
		Config:  cfg,
		Logger:  logger,
	})

	p := &Portal{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		api:          apiSrv,
		logger:       logger.With("component", "portal"),
	}

	if cfg.Streaks.Enabled {
		p.streaks = streak.NewJob(db, streak.NewAuditNotifier(db, logger), streak.JobConfig{
			Interval:    cfg.Streaks.Interval.Duration,
			MinStreak:   cfg.Streaks.MinStreak,
			NotifyDelay: cfg.Streaks.NotifyDelay.Duration,
			Lookback:    cfg.Streaks.Lookback.Duration,
		}, logger)
	}

	p.warnInsecureDefaults()
	return p, nil
}

func (p *Portal) warnInsecureDefaults() {
	cfg := p.cfg
	if p.authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
		p.logger.Warn("default admin credentials detected (admin/admin), change them before going live")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			p.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if !cfg.Billing.Enabled {
		p.logger.Info("billing disabled, donation routes are not registered")
	}
	if cfg.Access.UnknownTierPolicy == access.FailOpen.String() {
		p.logger.Warn("unknown_tier_policy is open, content with an unrecognized tier is public")
	}
}

// Handler returns the HTTP handler of the API server.
func (p *Portal) Handler() http.Handler {
	return p.api.Handler()
}

// Run starts the HTTP server and background jobs and blocks until ctx is
// canceled or the server fails.
func (p *Portal) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.cfg.Server.Addr,
		Handler:           p.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.api.StartBackgroundTasks(ctx)

	if p.cfg.Storage.AuditRetention.Duration > 0 {
		go p.runRetentionPurger(ctx, p.cfg.Storage.AuditRetention.Duration)
	}
	if p.streaks != nil {
		go p.streaks.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("portal listening", "addr", p.cfg.Server.Addr)
		if p.cfg.Server.TLSCert != "" && p.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(p.cfg.Server.TLSCert, p.cfg.Server.TLSKey)
		} else {
			p.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutting down portal gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			p.logger.Info("http server stopped gracefully")
		}

		if err := p.api.Drain(shutdownCtx); err != nil {
			p.logger.Warn("pending counter updates abandoned", "error", err)
		}

		p.close()
		p.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		p.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (p *Portal) close() {
	if c, ok := p.authProvider.(io.Closer); ok {
		_ = c.Close()
	}
	p.logger.Info("closing store")
	_ = p.store.Close()
}

func (p *Portal) runRetentionPurger(ctx context.Context, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.purgeAudit(ctx, auditRetention)
		}
	}
}

func (p *Portal) purgeAudit(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	if n, err := p.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		p.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		p.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
