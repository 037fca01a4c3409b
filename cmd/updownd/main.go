// Package main provides updownd, the settlement daemon for the 24-hour
// Up/Down prediction market: round lifecycle scheduling, deposit and
// withdrawal custody, confirmation monitoring, and ledger reconciliation
// in one process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duskline/updown-core/internal/alerts"
	"github.com/duskline/updown-core/internal/config"
	"github.com/duskline/updown-core/internal/deposit"
	"github.com/duskline/updown-core/internal/gateway"
	"github.com/duskline/updown-core/internal/gateway/refchain"
	"github.com/duskline/updown-core/internal/metrics"
	"github.com/duskline/updown-core/internal/monitor"
	"github.com/duskline/updown-core/internal/oracle"
	"github.com/duskline/updown-core/internal/reconcile"
	"github.com/duskline/updown-core/internal/round"
	"github.com/duskline/updown-core/internal/scheduler"
	"github.com/duskline/updown-core/internal/storage"
	"github.com/duskline/updown-core/internal/withdrawal"
	"github.com/duskline/updown-core/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.updown", "Data directory")
		chainName   = flag.String("chain", "sol", "Reference chain backend to run against (sol, evm)")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		println("updownd " + version + " (commit: " + commit + ")")
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		logging.Default().Fatal("failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log := logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "data_dir", cfg.Storage.DataDir)

	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("storage initialized")

	var chain gateway.Gateway
	switch *chainName {
	case "evm":
		chain = refchain.NewEVMChain(cfg.DeriveSeed, cfg.MinConfirmations)
	default:
		chain = refchain.NewSolanaChain(cfg.DeriveSeed, cfg.MinConfirmations)
	}
	log.Info("chain backend selected", "chain", *chainName)

	sink := alerts.NewSink(cfg.AlertDedupWindow, 256)
	go drainAlerts(sink, log.Component("alerts"))

	priceOracle := oracle.NewFixtureOracle(nil)

	roundEng := round.New(store, priceOracle, round.Config{
		Location:               cfg.Location(),
		FeeBps:                 cfg.FeeBps,
		SettleGraceMinutes:     cfg.SettleGraceMinutes,
		CloseFetchDelayMinutes: cfg.CloseFetchDelayMinutes,
	}, log)

	depositEng := deposit.New(store, chain, sink, log)
	withdrawEng := withdrawal.New(store, chain, sink, cfg.LargeWithdrawalThresholdU, log)
	reconciler := reconcile.New(store, sink, log)
	metricsReader := metrics.New(store)
	_ = metricsReader // exposed to the not-yet-built HTTP surface; exercised directly in tests today

	mon := monitor.New(store, chain, depositEng, withdrawEng, sink, monitor.Config{
		Chain:                     *chainName,
		PollInterval:              time.Minute,
		MaxPendingHours:           cfg.MaxPendingHours,
		LargeWithdrawalThresholdU: cfg.LargeWithdrawalThresholdU,
	})
	mon.Start()
	defer mon.Stop()
	log.Info("monitor started")

	sched := scheduler.New(roundEng, scheduler.Config{PollInterval: time.Minute})
	sched.Start()
	defer sched.Stop()
	log.Info("scheduler started")

	reconcileTicker := time.NewTicker(10 * time.Minute)
	defer reconcileTicker.Stop()
	reconcileCtx, cancelReconcile := context.WithCancel(context.Background())
	defer cancelReconcile()
	go func() {
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-reconcileTicker.C:
				if _, err := reconciler.AuditLedger(reconcileCtx); err != nil {
					log.Warn("ledger audit failed", "error", err)
				}
				if _, err := reconciler.AuditChain(reconcileCtx); err != nil {
					log.Warn("chain audit failed", "error", err)
				}
			}
		}
	}()

	intentExpiry := time.NewTicker(time.Hour)
	defer intentExpiry.Stop()
	go func() {
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-intentExpiry.C:
				if _, err := depositEng.ExpireOld(time.Duration(cfg.IntentExpiryHours) * time.Hour); err != nil {
					log.Warn("failed to expire stale deposit intents", "error", err)
				}
			}
		}
	}()

	log.Info("updownd running", "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
}

func drainAlerts(sink *alerts.Sink, log *logging.Logger) {
	for a := range sink.C() {
		log.Warn(a.Message, "kind", a.Kind, "severity", a.Severity, "fields", a.Fields)
	}
}
