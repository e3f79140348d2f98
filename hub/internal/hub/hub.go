// Package hub is the main orchestrator that ties all hub components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/csi-portal/portal/hub/internal/api"
	"github.com/csi-portal/portal/hub/internal/auth"
	"github.com/csi-portal/portal/hub/internal/config"
	"github.com/csi-portal/portal/hub/internal/membership"
	"github.com/csi-portal/portal/hub/internal/notify"
	"github.com/csi-portal/portal/hub/internal/payment"
	"github.com/csi-portal/portal/hub/internal/store"
)

// Hub is the main hub process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	dispatcher   *notify.Dispatcher
	reconciler   *membership.Reconciler
	api          *api.Server
	registry     *prometheus.Registry
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gateway := payment.NewRazorpayGateway(cfg.Payment, logger)
	issuer := payment.NewIssuer(gateway, cfg.Payment, logger, reg)

	dispatcher := notify.NewDispatcher(notify.NewSender(cfg.Notify, logger), cfg.Notify, logger, reg)

	memberships := membership.NewService(membership.Options{
		Store:              db,
		Verifier:           payment.NewVerifier(cfg.Payment.KeySecret),
		Notifier:           dispatcher,
		Location:           cfg.Membership.Location(),
		RequireOrderIntent: cfg.Payment.RequireOrderIntent,
		Logger:             logger,
		Registerer:         reg,
	})
	reconciler := membership.NewReconciler(db, cfg.Membership, logger, reg)

	apiSrv := api.NewServer(cfg, api.Deps{
		Store:       db,
		Auth:        authProvider,
		Issuer:      issuer,
		Memberships: memberships,
		Reconciler:  reconciler,
		Registerer:  reg,
		Gatherer:    reg,
	}, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		dispatcher:   dispatcher,
		reconciler:   reconciler,
		api:          apiSrv,
		registry:     reg,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings.
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to the portal origin in production")
			break
		}
	}
	if cfg.Auth.OpsTokenHash == "" {
		logger.Warn("no ops token configured, the sweep endpoint only accepts admin tokens")
	}
	if cfg.Server.Development() {
		logger.Warn("development mode: gateway error details are returned to clients")
	}
	if !cfg.Payment.RequireOrderIntent {
		logger.Info("verifications without an order intent fall back to client-supplied membership context")
	}

	return h, nil
}

// Handler returns the hub's HTTP handler.
func (h *Hub) Handler() http.Handler {
	return h.api.Handler()
}

// notifyDrainTimeout bounds how long shutdown waits for queued receipts.
const notifyDrainTimeout = 30 * time.Second

// Run starts the hub HTTP server and background workers and blocks until
// the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.cfg.Server.Addr,
		Handler:           h.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var wg sync.WaitGroup

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(bgCtx)

	// Receipts queued before shutdown are still delivered; the dispatcher
	// context is only canceled when draining takes too long.
	notifyCtx, cancelNotify := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelNotify()
	h.dispatcher.Start(notifyCtx)

	// Periodic expiry sweep; request-time self-heal covers reads in between.
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.reconciler.Run(bgCtx, h.cfg.Membership.SweepInterval.Duration)
	}()

	if h.cfg.Storage.AuditRetention.Duration > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.runAuditPurger(bgCtx, h.cfg.Storage.AuditRetention.Duration)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (terminate TLS at a proxy)")
			errCh <- srv.ListenAndServe()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		h.logger.Info("shutting down hub gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}
		runErr = ctx.Err()

	case err := <-errCh:
		runErr = err
	}

	cancelBg()
	wg.Wait()
	h.drainNotifications(cancelNotify)
	h.close()
	h.logger.Info("shutdown complete")
	return runErr
}

// drainNotifications stops the dispatcher and waits for queued jobs, giving
// up on retries after notifyDrainTimeout.
func (h *Hub) drainNotifications(cancel context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		h.dispatcher.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(notifyDrainTimeout):
		h.logger.Warn("notification queue not drained in time, abandoning remaining jobs")
		cancel()
		<-done
	}
}

func (h *Hub) close() {
	if err := h.authProvider.Close(); err != nil {
		h.logger.Warn("close auth provider", "error", err)
	}
	h.logger.Info("closing store")
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store", "error", err)
	}
}

func (h *Hub) runAuditPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.purgeAuditEvents(ctx, time.Now().Add(-retention))
		}
	}
}

func (h *Hub) purgeAuditEvents(ctx context.Context, cutoff time.Time) {
	if n, err := h.store.PurgeOldAuditEvents(ctx, cutoff); err != nil {
		h.logger.Warn("retention purge: audit events failed", "error", err)
	} else if n > 0 {
		h.logger.Info("retention purge: deleted old audit events", "count", n)
	}
}
