package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskfoundry/escrow-core/internal/engine"
	"github.com/taskfoundry/escrow-core/internal/ledger"
	"github.com/taskfoundry/escrow-core/internal/outbox"
	"github.com/taskfoundry/escrow-core/internal/platform/clock"
	"github.com/taskfoundry/escrow-core/internal/platform/logging"
	"github.com/taskfoundry/escrow-core/internal/psp"
	"github.com/taskfoundry/escrow-core/internal/schema"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now().UTC()
	clk := clock.RealClock{}
	env := envOr("ESCROW_ENV", "local")
	httpAddr := envOr("ESCROW_HTTP_ADDR", ":8080")
	databaseURL := envOr("ESCROW_DATABASE_URL", "")
	stripeKey := envOr("ESCROW_STRIPE_SECRET_KEY", "")
	payoutsEnabled := envOr("ESCROW_PAYOUTS_ENABLED", "false") == "true"
	killSwitchOverride := envOr("ESCROW_KILLSWITCH_OVERRIDE", "false") == "true"

	logger, err := logging.New(env)
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	var db *sql.DB
	if databaseURL != "" {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			logger.Fatal("open database", zap.Error(err))
		}
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("ping database", zap.Error(err))
		}
		defer db.Close()
		if err := schema.Apply(ctx, db); err != nil {
			logger.Fatal("apply schema", zap.Error(err))
		}
	}

	var pspClient psp.Client
	if stripeKey != "" {
		pspClient = psp.NewStripeClient(stripeKey)
	} else {
		if env == "production" {
			logger.Fatal("production requires ESCROW_STRIPE_SECRET_KEY")
		}
		logger.Warn("no processor key configured, using in-process fake")
		pspClient = psp.NewFake()
	}

	var (
		ledgerEng *ledger.Engine
		bridge    *psp.Bridge
		store     engine.Store
		queue     outbox.Queue
	)
	if db != nil {
		ledgerEng = ledger.NewEngine(clk, db)
		bridge = psp.NewBridge(pspClient, clk, logger, db)
		store = engine.NewPGStore(db)
		queue = outbox.NewPGQueue(db)
	} else {
		logger.Warn("no database configured, running on in-memory state")
		ledgerEng = ledger.NewEngine(clk)
		bridge = psp.NewBridge(pspClient, clk, logger)
		store = engine.NewMemStore()
		queue = outbox.NewMemQueue()
	}

	eng := engine.New(store, ledgerEng, bridge, clk, logger)
	eng.DisablePayouts = !payoutsEnabled
	eng.OverrideKillSwitch = killSwitchOverride
	if !payoutsEnabled {
		logger.Warn("payouts disabled for this environment")
	}

	worker := outbox.NewWorker(queue, clk, logger)
	worker.Register("reconciliation_backfill", func(ctx context.Context, job outbox.Job) error {
		logger.Warn("backfill requested for processor object",
			zap.String("psp_id", job.Payload["psp_id"]),
			zap.String("type", job.Payload["type"]))
		return nil
	})
	worker.Start(ctx)

	engine.NewPendingTransactionReaper(eng).Start(ctx)
	sweeper := engine.NewEscrowTimeoutSweeper(eng, func(t engine.Task) string {
		// Connected-account ids are provisioned per hustler during payout
		// onboarding; the convention is stable.
		return "acct_" + t.HustlerID
	})
	sweeper.Start(ctx)
	engine.NewReconciler(eng, func(ctx context.Context, kind string, payload map[string]string) error {
		_, err := queue.Enqueue(ctx, kind, payload)
		return err
	}).Start(ctx)
	ledgerEng.StartSnapshotWorker(ctx, 15*time.Minute, nil)

	// Mirror rows stay far past the reconciliation window; they are the
	// recovery evidence for crashed commits.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := bridge.PruneMirror(ctx, clk.Now().UTC().Add(-90*24*time.Hour))
				if err != nil {
					logger.Error("mirror prune failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("pruned processor mirror rows", zap.Int("count", n))
				}
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		active, reason, err := eng.KillSwitchActive(r.Context())
		status := map[string]any{
			"status":     "ok",
			"env":        env,
			"started_at": startedAt.Format(time.RFC3339),
		}
		code := http.StatusOK
		if err != nil {
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else if active {
			status["status"] = "kill_switch"
			status["reason"] = reason
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		logger.Info("escrowd listening",
			zap.String("addr", httpAddr),
			zap.String("env", env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
