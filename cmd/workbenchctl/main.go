// Command workbenchctl is the operator's maintenance CLI: submit a
// signal and enqueue its first attempt, inspect job status, and trigger
// stale-job recovery outside the worker's own poll loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"workbench.dev/core/internal/config"
	"workbench.dev/core/internal/domain"
	"workbench.dev/core/internal/queue"
	"workbench.dev/core/internal/store/pgxstore"
	"workbench.dev/core/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("loading config: %v", err)
	}

	switch os.Args[1] {
	case "submit":
		runSubmit(cfg, os.Args[2:])
	case "status":
		runStatus(cfg, os.Args[2:])
	case "recover-stale":
		runRecoverStale(cfg)
	case "config":
		runConfigDump(cfg)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: workbenchctl <submit|status|recover-stale|config> [flags]")
}

// runSubmit creates a Signal and enqueues its RUN_ATTEMPT job, the same
// entry point the upstream sync job would use for a freshly triaged
// issue.
func runSubmit(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	repo := fs.String("repo", "", "owner/name of the target repository")
	issue := fs.Int("issue", 0, "issue number")
	title := fs.String("title", "", "issue title")
	body := fs.String("body", "", "issue body")
	priority := fs.Int("priority", 0, "job priority, higher claims first")
	fs.Parse(args)

	if *repo == "" || *issue == 0 {
		fatalf("submit: -repo and -issue are required")
	}

	db, err := pgxstore.Open(cfg.DatabaseURL)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	sig := &domain.Signal{
		Source:      "manual",
		Repo:        *repo,
		IssueNumber: *issue,
		Title:       *title,
		Body:        *body,
		State:       domain.SignalQueued,
	}
	if err := db.CreateSignal(ctx, sig); err != nil {
		fatalf("creating signal: %v", err)
	}

	q := queue.New(db, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), cfg.StaleThreshold, cfg.RetryBaseDelay)
	job := &domain.Job{
		Type:       domain.JobRunAttempt,
		Priority:   *priority,
		MaxRetries: 3,
		Payload:    map[string]any{"signal_id": sig.ID.String()},
	}
	if err := q.Enqueue(ctx, job); err != nil {
		fatalf("enqueuing job: %v", err)
	}

	fmt.Printf("signal %s enqueued as job %s\n", sig.ID, job.ID)
}

// runStatus prints a job's current lifecycle state.
func runStatus(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jobID := fs.String("job", "", "job id")
	fs.Parse(args)

	if *jobID == "" {
		fatalf("status: -job is required")
	}

	db, err := pgxstore.Open(cfg.DatabaseURL)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer db.Close()

	q := queue.New(db, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), cfg.StaleThreshold, cfg.RetryBaseDelay)
	id, err := parseUUID(*jobID)
	if err != nil {
		fatalf("invalid -job: %v", err)
	}
	job, err := q.Get(context.Background(), id)
	if err != nil {
		fatalf("fetching job: %v", err)
	}
	fmt.Printf("job %s: status=%s retries=%d/%d worker=%q\n", job.ID, job.Status, job.RetryCount, job.MaxRetries, job.WorkerID)
	if job.AttemptID != nil {
		fmt.Printf("  attempt: %s\n", job.AttemptID)
	}
	if job.Error != "" {
		fmt.Printf("  error: %s\n", job.Error)
	}
}

// runRecoverStale reclaims jobs whose heartbeat has gone silent,
// returning them to PENDING — the same sweep a cron-driven maintenance
// loop would trigger between worker poll cycles.
func runRecoverStale(cfg *config.Config) {
	db, err := pgxstore.Open(cfg.DatabaseURL)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer db.Close()

	q := queue.New(db, telemetry.NewNoopLogger(), telemetry.NewNoopMetrics(), cfg.StaleThreshold, cfg.RetryBaseDelay)
	n, err := q.RecoverStale(context.Background())
	if err != nil {
		fatalf("recovering stale jobs: %v", err)
	}
	fmt.Printf("recovered %d stale job(s)\n", n)
}

// runConfigDump renders the effective Config as YAML, so an operator
// can confirm what a worker process would actually load before
// starting one.
func runConfigDump(cfg *config.Config) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fatalf("marshalling config: %v", err)
	}
	os.Stdout.Write(out)
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
