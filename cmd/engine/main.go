// swapledger — an event-sourced position-management engine for equity-swap
// trading.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine + API, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: validate → idempotency → classify → {hotpath | coldpath queue}
//	hotpath/hotpath.go    — synchronous apply with optimistic retry and sign-change splits
//	coldpath/coldpath.go  — chronological replay around backdated trades, UPI repair
//	lots/                 — tax-lot engine: FIFO/LIFO/HIFO allocation, realized P&L, compression
//	classify/classify.go  — CURRENT_DATED / FORWARD_DATED / BACKDATED temporal routing
//	validate/validate.go  — schema, format, and state-machine gating
//	poskey/poskey.go      — deterministic SHA-256 position keys, one per direction
//	store/                — SQLite event streams, CAS snapshots, idempotency, UPI history
//	rules/rules.go        — contract rules client: cache, breaker, FIFO fallback
//	upi/                  — UPI lifecycle tracking and audit history
//	emit/bus.go           — outbound streams: trade-applied, regulatory, corrections, DLQ
//	api/                  — HTTP submit + diagnostics + /ws stream tap
//
// Every trade lands as an immutable event on a per-position stream; the
// snapshot is a versioned fold of that stream. Backdated trades never
// rewrite history — the coldpath appends a correction event and replays the
// stream in effective-date order to rebuild the snapshot and repair UPIs.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"swapledger/internal/api"
	"swapledger/internal/config"
	"swapledger/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SWAP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg.API, eng, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("swapledger started",
		"port", cfg.API.Port,
		"hotpath_workers", cfg.Hotpath.Workers,
		"coldpath_workers", cfg.Coldpath.Workers,
		"store", cfg.Store.Path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop accepting HTTP traffic first, then drain the pipeline.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
