package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/fsio"
	"github.com/quantforge/eam/pkg/jobstore"
	"github.com/quantforge/eam/pkg/sweep"
)

func openStore(jobRoot string) (*jobstore.Store, error) {
	if jobRoot == "" {
		jobRoot = config.FromEnv().JobRoot
	}
	return jobstore.New(jobRoot)
}

func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobRoot := fs.String("job-root", "", "job root (default from environment)")
	jobID := fs.String("job", "", "job id")
	step := fs.String("step", "", "checkpoint to approve (empty = blanket)")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *jobID == "" {
		fmt.Fprintln(stderr, "ERROR: approve requires --job")
		return contracts.ExitUsage
	}
	store, err := openStore(*jobRoot)
	if err != nil {
		return fail(stderr, err)
	}
	status, err := store.Approve(*jobID, *step)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]interface{}{
		"job_id": *jobID,
		"step":   *step,
		"status": status,
	})
	return contracts.ExitOK
}

func runJob(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: eam job <create|spawn|sweep> [flags]")
		return contracts.ExitUsage
	}
	switch args[0] {
	case "create":
		return runJobCreate(args[1:], stdout, stderr)
	case "spawn":
		return runJobSpawn(args[1:], stdout, stderr)
	case "sweep":
		return runJobSweep(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "ERROR: unknown job subcommand %q\n", args[0])
		return contracts.ExitUsage
	}
}

func runJobCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("job create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobRoot := fs.String("job-root", "", "job root (default from environment)")
	ideaPath := fs.String("idea", "", "path to idea_spec_v1 JSON")
	blueprintPath := fs.String("blueprint", "", "path to blueprint_v1 JSON")
	snapshot := fs.String("snapshot", "", "data snapshot id")
	bundle := fs.String("bundle", "", "path to policy bundle YAML")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if (*ideaPath == "") == (*blueprintPath == "") {
		fmt.Fprintln(stderr, "ERROR: job create requires exactly one of --idea or --blueprint")
		return contracts.ExitUsage
	}
	if *snapshot == "" || *bundle == "" {
		fmt.Fprintln(stderr, "ERROR: job create requires --snapshot and --bundle")
		return contracts.ExitUsage
	}
	store, err := openStore(*jobRoot)
	if err != nil {
		return fail(stderr, err)
	}

	var created jobstore.CreateResult
	if *ideaPath != "" {
		idea, err := fsio.ReadJSONMap(*ideaPath)
		if err != nil {
			return fail(stderr, err)
		}
		created, err = store.CreateFromIdea(idea, *snapshot, *bundle)
		if err != nil {
			return fail(stderr, err)
		}
	} else {
		blueprint, err := fsio.ReadJSONMap(*blueprintPath)
		if err != nil {
			return fail(stderr, err)
		}
		created, err = store.CreateFromBlueprint(blueprint, *snapshot, *bundle, nil)
		if err != nil {
			return fail(stderr, err)
		}
	}
	printJSON(stdout, map[string]interface{}{
		"job_id":  created.JobID,
		"status":  created.Status,
		"job_dir": created.JobDir,
	})
	return contracts.ExitOK
}

func runJobSpawn(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("job spawn", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jobRoot := fs.String("job-root", "", "job root (default from environment)")
	jobID := fs.String("job", "", "base job id")
	proposal := fs.String("proposal", "", "improvement proposal id")
	fromSweep := fs.Bool("from-sweep", false, "spawn from the sweep leaderboard best")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *jobID == "" || (*proposal == "") == !*fromSweep {
		fmt.Fprintln(stderr, "ERROR: job spawn requires --job and exactly one of --proposal or --from-sweep")
		return contracts.ExitUsage
	}
	store, err := openStore(*jobRoot)
	if err != nil {
		return fail(stderr, err)
	}

	var res jobstore.SpawnResult
	if *fromSweep {
		res, err = store.SpawnFromSweepBest(*jobID)
	} else {
		res, err = store.SpawnFromProposal(*jobID, *proposal)
	}
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, map[string]interface{}{
		"child_job_id": res.ChildJobID,
		"generation":   res.Generation,
		"status":       res.Status,
	})
	return contracts.ExitOK
}

func runJobSweep(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("job sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var roots rootFlags
	roots.attach(fs)
	jobRoot := fs.String("job-root", "", "job root (default from environment)")
	jobID := fs.String("job", "", "job id")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *jobID == "" {
		fmt.Fprintln(stderr, "ERROR: job sweep requires --job")
		return contracts.ExitUsage
	}
	store, err := openStore(*jobRoot)
	if err != nil {
		return fail(stderr, err)
	}
	code, msg := sweep.RunForJob(sweep.Options{
		Store:        store,
		JobID:        *jobID,
		DataRoot:     roots.dataRoot,
		ArtifactRoot: roots.artifactRoot,
	})
	fmt.Fprintln(pickWriter(code, stdout, stderr), msg)
	return code
}
