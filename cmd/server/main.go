// Package main is the entry point for the thetad options automation
// server. It wires the Client Portal session, the market-data streamer,
// the order service, the scheduled jobs and the HTTP status surface,
// then blocks until a shutdown signal arrives.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env supported)
//  2. Initialize structured logging
//  3. Open and migrate the three databases (ledger, jobs, cache)
//  4. Create the broker session manager and REST client
//  5. Create the websocket streamer and rehydrate its price cache
//  6. Register the scheduled jobs and start the cron scheduler
//  7. Start the HTTP server
//  8. Wait for SIGINT/SIGTERM and shut everything down gracefully
//
// Without broker credentials the process still starts: the HTTP surface
// serves ledger views and diagnostics, but no session, streamer or jobs
// are wired. That mode exists for local inspection of a data directory.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mavrikos/thetad/internal/config"
	"github.com/mavrikos/thetad/internal/database"
	"github.com/mavrikos/thetad/internal/ibkr"
	"github.com/mavrikos/thetad/internal/jobs"
	"github.com/mavrikos/thetad/internal/ledger"
	"github.com/mavrikos/thetad/internal/market"
	"github.com/mavrikos/thetad/internal/orders"
	"github.com/mavrikos/thetad/internal/scheduler"
	"github.com/mavrikos/thetad/internal/server"
	"github.com/mavrikos/thetad/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := newLogger("info", true)
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := newLogger(cfg.LogLevel, cfg.DevMode)
	log.Info().Str("data_dir", cfg.DataDir).Str("environment", cfg.Broker.Environment).Msg("Starting thetad")

	// Three databases with distinct durability profiles: the ledger is
	// the audit trail, jobs holds scheduler state, cache holds last-known
	// streamed prices.
	ledgerDB := mustOpenDB(cfg.DataDir, "ledger", database.ProfileLedger, log)
	defer ledgerDB.Close()
	jobsDB := mustOpenDB(cfg.DataDir, "jobs", database.ProfileStandard, log)
	defer jobsDB.Close()
	cacheDB := mustOpenDB(cfg.DataDir, "cache", database.ProfileCache, log)
	defer cacheDB.Close()

	tradeRepo := ledger.NewTradeRepository(ledgerDB, log)
	orderRepo := ledger.NewOrderRepository(ledgerDB, log)
	navRepo := ledger.NewNAVRepository(ledgerDB, log)
	auditRepo := ledger.NewAuditRepository(ledgerDB, log)
	jobRepo := ledger.NewJobRepository(jobsDB, log)
	priceRepo := ledger.NewPriceRepository(cacheDB, log)

	serverCfg := server.Config{
		Log:     log,
		Port:    cfg.Port,
		DevMode: cfg.DevMode,
		Trades:  tradeRepo,
		Orders:  orderRepo,
		NAV:     navRepo,
		Jobs:    jobRepo,
		Audit:   auditRepo,
		UserID:  cfg.Broker.UserID,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		streamer *stream.Streamer
		sched    *scheduler.Scheduler
	)

	if cfg.HasCredentials() {
		session, err := ibkr.NewSessionManager(cfg.Broker, cfg.BaseURL, auditRepo, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create session manager")
		}
		client := ibkr.NewClient(session, log)

		streamer = stream.NewStreamer(cfg.WebSocketURL, priceRepo, log)
		streamer.SetCredentialRefreshCallback(session.RefreshSSOBearerForWS)
		streamer.SetSSOExpiryFunc(session.SSOExpiry)
		if err := streamer.Rehydrate(); err != nil {
			log.Warn().Err(err).Msg("Price cache rehydration failed, starting cold")
		}
		go streamer.Run(ctx)
		go subscribeUnderlying(ctx, client, streamer, cfg.Underlying, log)

		orderSvc := orders.NewService(client, orderRepo, tradeRepo, log)

		sched = scheduler.New(jobRepo, log)
		err = jobs.Register(sched, jobs.Deps{
			Broker:     client,
			Placer:     orderSvc,
			Quotes:     streamer,
			Trades:     tradeRepo,
			NAV:        navRepo,
			JobRepo:    jobRepo,
			Calendar:   market.NewCalendar(),
			Strategy:   jobs.DeclineAll{Reason: "no strategy engine configured"},
			UserID:     cfg.Broker.UserID,
			Underlying: cfg.Underlying,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to register scheduled jobs")
		}
		sched.Start()
		log.Info().Msg("Scheduler started")

		serverCfg.Session = session
		serverCfg.Streamer = streamer
		serverCfg.Runner = sched
	} else {
		log.Warn().Msg("Broker credentials not configured, running status-only")
	}

	srv := server.New(serverCfg)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	if sched != nil {
		sched.Stop(10 * time.Second)
	}
	if streamer != nil {
		streamer.Disconnect()
	}
	log.Info().Msg("Shutdown complete")
}

// newLogger builds the root zerolog logger. Pretty console output in
// dev mode, JSON lines otherwise.
func newLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(lvl).With().Timestamp().Logger()
}

func mustOpenDB(dataDir, name string, profile database.Profile, log zerolog.Logger) *database.DB {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dataDir, name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		log.Fatal().Err(err).Str("db", name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("db", name).Msg("Failed to migrate database")
	}
	return db
}

// subscribeUnderlying resolves the traded underlying's conid and points
// the streamer at it. Retries because the session may still be settling
// when the process starts.
func subscribeUnderlying(ctx context.Context, client *ibkr.Client, streamer *stream.Streamer, symbol string, log zerolog.Logger) {
	for attempt := 1; ; attempt++ {
		conid, err := client.ResolveConid(ctx, symbol)
		if err == nil {
			streamer.Subscribe(stream.Subscription{Conid: conid, Symbol: symbol, Kind: "stock"})
			log.Info().Str("symbol", symbol).Int64("conid", conid).Msg("Subscribed to underlying")
			return
		}

		wait := time.Duration(attempt) * 15 * time.Second
		if wait > 5*time.Minute {
			wait = 5 * time.Minute
		}
		log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).Msg("Conid resolution failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
