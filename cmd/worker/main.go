// Command worker runs the AttemptRunner poll loop: it claims
// RUN_ATTEMPT/RETRY_ATTEMPT jobs from the Queue, drives the agent, and
// persists the classified outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"goa.design/clue/log"

	"workbench.dev/core/internal/config"
	"workbench.dev/core/internal/driver"
	"workbench.dev/core/internal/queue"
	"workbench.dev/core/internal/runner"
	"workbench.dev/core/internal/store/pgxstore"
	"workbench.dev/core/internal/telemetry"
)

func main() {
	var (
		workerIDF = flag.String("worker-id", "", "worker identity recorded on claimed jobs (defaults to hostname-pid)")
		dbgF      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("loading config: %w", err))
	}

	workerID := *workerIDF
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	db, err := pgxstore.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(ctx, fmt.Errorf("opening database: %w", err))
	}
	defer db.Close()

	clueLog := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()
	tracer := telemetry.NewClueTracer()

	q := queue.New(db, clueLog, metrics, cfg.StaleThreshold, cfg.RetryBaseDelay)

	newClient := func(cfg *config.Config) (driver.Client, error) {
		if cfg.MockScenario != "" {
			return driver.NewMockClient(cfg.MockScenario)
		}
		var args []string
		if len(cfg.AllowedTools) > 0 {
			args = append(args, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
		}
		if len(cfg.DisallowedTools) > 0 {
			args = append(args, "--disallowed-tools", strings.Join(cfg.DisallowedTools, ","))
		}
		args = append(args, "--max-turns", strconv.Itoa(cfg.DefaultMaxTurns))
		return driver.NewRealClient(cfg.AgentBinaryPath, args...), nil
	}

	r := runner.New(db, q, cfg, newClient, runner.NewStoreCallbacks, nil, clueLog, metrics, tracer, workerID)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf(ctx, "worker %s starting (poll=%s, stale_threshold=%s)", workerID, cfg.WorkerPollInterval, cfg.StaleThreshold)
	if err := r.Run(ctx); err != nil {
		log.Fatal(ctx, fmt.Errorf("runner stopped: %w", err))
	}
	log.Print(ctx, log.KV{K: "msg", V: "worker exited cleanly"})
}
