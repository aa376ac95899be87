package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/jobstore"
	"github.com/quantforge/eam/pkg/observability"
	"github.com/quantforge/eam/pkg/orchestrator"
	"github.com/quantforge/eam/pkg/registry"
)

func runWorker(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	once := fs.Bool("once", false, "run a single sweep and exit")
	interval := fs.Duration("interval", 5*time.Second, "pause between sweeps")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}

	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.FromAppConfig(cfg))
	if err != nil {
		return fail(stderr, err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()
	log := obs.Logger().With("component", "worker")

	store, err := jobstore.New(cfg.JobRoot)
	if err != nil {
		return fail(stderr, err)
	}
	reg, err := registry.New(cfg.RegistryRoot)
	if err != nil {
		return fail(stderr, err)
	}
	orch, err := orchestrator.New(store, reg, cfg, log)
	if err != nil {
		return fail(stderr, err)
	}
	w := orchestrator.NewWorker(orch, *interval)
	w.Log = log

	if *once {
		results, err := w.Sweep(ctx)
		if err != nil {
			return fail(stderr, err)
		}
		printJSON(stdout, results)
		return contracts.ExitOK
	}

	log.Info("worker started", "interval", interval.String(), "job_root", cfg.JobRoot)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout, "worker stopped")
	return contracts.ExitOK
}
