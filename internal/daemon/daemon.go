package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lantern-network/lantern/internal/api"
	"github.com/lantern-network/lantern/internal/app/billing"
	"github.com/lantern-network/lantern/internal/domain"
	"github.com/lantern-network/lantern/internal/infra/budget"
	"github.com/lantern-network/lantern/internal/infra/clawback"
	"github.com/lantern-network/lantern/internal/infra/distribution"
	"github.com/lantern-network/lantern/internal/infra/observability"
	"github.com/lantern-network/lantern/internal/infra/payout"
	"github.com/lantern-network/lantern/internal/infra/reconcile"
	"github.com/lantern-network/lantern/internal/infra/settlement"
	"github.com/lantern-network/lantern/internal/infra/sqlite"
)

// Daemon is the assembled billing platform.
type Daemon struct {
	cfg    Config
	logger *slog.Logger

	DB         *sqlite.DB
	Budget     *budget.Service
	Finalizer  *budget.Finalizer
	Dist       *distribution.Service
	Settlement *settlement.Service
	Clawbacks  *clawback.Service
	Payouts    *payout.Service
	Reconciler *reconcile.Controller
	Pipeline   *billing.Pipeline
	Auth       *api.Auth
	Server     *api.Server
}

// New builds the daemon from configuration. The caller owns Close.
func New(cfg Config, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	db, err := sqlite.Open(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	bud, err := budget.NewService(db, domain.MicroUSD(cfg.Budget.DailyCapMicro), cfg.Budget.CacheSize, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	fin := budget.NewFinalizer(db, bud, logger)

	hold := cfg.SettlementHold()
	dist := distribution.NewService(db, hold, logger)
	settle := settlement.NewService(db, logger)
	claw := clawback.NewService(db, logger)

	provider := payout.NewWebhookProvider([]byte(cfg.Auth.ServiceSecret))
	payouts := payout.NewService(db, provider, cfg.Payout.Currency, logger)

	rec := reconcile.NewController(db, bud, logger)
	rec.OnAlarm = func(a reconcile.Alarm) {
		observability.ReconcileAlarms.WithLabelValues(string(a.Kind)).Inc()
	}

	tracer := observability.NewTracer(observability.DefaultTracerConfig())
	pipeline := billing.New(billing.DefaultConfig(), db, bud, fin, dist, tracer, logger)

	auth, err := api.NewAuth(api.AuthConfig{
		ServiceSecret: []byte(cfg.Auth.ServiceSecret),
		AdminSecret:   []byte(cfg.Auth.AdminSecret),
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	handlers := api.NewHandlers(db, pipeline, payouts, claw, rec)
	server := api.NewServer(handlers, auth)
	if cfg.Metrics.Enabled {
		server.EnableMetrics()
	}

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		DB:         db,
		Budget:     bud,
		Finalizer:  fin,
		Dist:       dist,
		Settlement: settle,
		Clawbacks:  claw,
		Payouts:    payouts,
		Reconciler: rec,
		Pipeline:   pipeline,
		Auth:       auth,
		Server:     server,
	}, nil
}

// Run starts the background loops and serves HTTP until the context ends.
func (d *Daemon) Run(ctx context.Context) error {
	settleInterval, _ := d.cfg.SettlementInterval()
	reconcileInterval, _ := d.cfg.ReconcileInterval()
	pollInterval, _ := d.cfg.PayoutPollInterval()

	go d.Settlement.Run(ctx, settleInterval)
	go d.Reconciler.Run(ctx, reconcileInterval)
	go d.pollPayouts(ctx, pollInterval)
	go d.expireLoop(ctx)

	srv := &http.Server{
		Addr:    d.cfg.API.Addr(),
		Handler: d.Server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// pollPayouts resolves in-flight payouts against the provider.
func (d *Daemon) pollPayouts(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Payouts.Poll(ctx); err != nil {
				d.logger.Error("payout poll failed", "err", err)
			}
		}
	}
}

// expireLoop lapses overdue lots hourly. Expiry is lazy elsewhere (reserve
// and debit skip expired lots by expiry date), so the sweep only keeps the
// books and events current.
func (d *Daemon) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := d.DB.ExpireLots(ctx, time.Now().UTC())
			if err != nil {
				d.logger.Error("expire sweep failed", "err", err)
				continue
			}
			if expired > 0 {
				d.logger.Info("expired overdue lots", "amount", expired.String())
			}
		}
	}
}

// Close releases the daemon's resources.
func (d *Daemon) Close() error {
	return d.DB.Close()
}
