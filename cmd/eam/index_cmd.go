package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/index"
)

func runIndex(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "build" {
		fmt.Fprintln(stderr, "Usage: eam index build [flags]")
		return contracts.ExitUsage
	}
	fs := flag.NewFlagSet("index build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	artifactRoot := fs.String("artifact-root", "", "artifact root (default from environment)")
	limit := fs.Int("limit", 0, "cap newly indexed entries per index (0 = unlimited)")
	mirror := fs.Bool("mirror", false, "also rebuild the sqlite mirror")
	if err := fs.Parse(args[1:]); err != nil {
		return contracts.ExitUsage
	}

	cfg := config.FromEnv()
	if *artifactRoot != "" {
		cfg.ArtifactRoot = *artifactRoot
		cfg.JobRoot = filepath.Join(*artifactRoot, "jobs")
		cfg.RegistryRoot = filepath.Join(*artifactRoot, "registry")
	}
	idx := index.New(cfg)
	runs, err := idx.BuildRuns(*limit)
	if err != nil {
		return fail(stderr, err)
	}
	jobs, err := idx.BuildJobs(*limit)
	if err != nil {
		return fail(stderr, err)
	}
	out := map[string]interface{}{"runs": runs, "jobs": jobs}
	if *mirror {
		ms, err := idx.RebuildMirror(context.Background())
		if err != nil {
			return fail(stderr, err)
		}
		out["mirror"] = ms
	}
	printJSON(stdout, out)
	return contracts.ExitOK
}
