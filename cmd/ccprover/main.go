// Command ccprover runs the Capacity Commitment Prover service: it loads
// configuration, resumes any persisted commitment, and serves the
// JSON-RPC surface until asked to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fluencelabs/capacity-commitment-prover/internal/api"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccpconfig"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccperrors"
	"github.com/fluencelabs/capacity-commitment-prover/internal/ccpstate"
	"github.com/fluencelabs/capacity-commitment-prover/internal/cpuset"
	"github.com/fluencelabs/capacity-commitment-prover/internal/proofstore"
	"github.com/fluencelabs/capacity-commitment-prover/internal/prover"
	"github.com/fluencelabs/capacity-commitment-prover/internal/randomx"
	"github.com/fluencelabs/capacity-commitment-prover/internal/rpcserver"
	"github.com/fluencelabs/capacity-commitment-prover/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := ccpconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ccprover: config:", err)
		return 1
	}

	logger := buildLogger(cfg.Logs)
	log.SetRoot(logger)

	workerCores := cfg.Workers.Cores
	if len(workerCores) == 0 {
		allCores, err := cpuset.ListPhysicalCores()
		if err != nil {
			logger.Error("enumerate physical cores", "err", err)
			return 1
		}
		workerCores = allCores
	}

	store, err := proofstore.Open(filePath(cfg.ProofsDir, "proofs.log"), logger.With("component", "proofstore"))
	if err != nil {
		logger.Error("open proof store", "err", err)
		return 1
	}
	defer store.Close()

	stateDB := ccpstate.New(cfg.StateDir)

	primitive := randomx.New()
	supervisor, err := prover.NewSupervisor(primitive, store, stateDB, workerCores, cfg.UtilityCores, logger.With("component", "supervisor"))
	if err != nil {
		logger.Error("create supervisor", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := stateDB.Load()
	if err != nil {
		logger.Error("load persisted state", "err", err)
		return 1
	}
	if err := supervisor.Resume(ctx, doc); err != nil {
		logger.Error("resume persisted commitment", "err", err)
		return 2
	}

	surface := api.NewServer(supervisor)
	rpc := rpcserver.New(surface, cfg.RPCEndpoint.Host, cfg.RPCEndpoint.Port, logger.With("component", "rpc"))

	logger.Info("ccprover starting", "addr", fmt.Sprintf("%s:%d", cfg.RPCEndpoint.Host, cfg.RPCEndpoint.Port))
	serveErr := rpc.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := supervisor.Close(shutdownCtx); err != nil {
		if errors.Is(err, ccperrors.ErrInternal) {
			logger.Error("shutdown hit an internal invariant violation", "err", err)
			return 2
		}
		logger.Error("graceful shutdown incomplete", "err", err)
	}

	if serveErr != nil {
		logger.Error("rpc server exited with error", "err", serveErr)
		return 1
	}
	return 0
}

const shutdownGrace = 10 * time.Second

func buildLogger(cfg ccpconfig.Logs) log.Logger {
	level := parseLevel(cfg.Level)
	if cfg.Format == "json" {
		return log.NewLogger(log.JSONHandler(os.Stdout, level))
	}
	return log.NewLogger(log.TerminalHandler(os.Stderr, level))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return log.LevelTrace
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

func filePath(dir, name string) string {
	if dir == "" {
		return name
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return name
	}
	return dir + string(os.PathSeparator) + name
}
