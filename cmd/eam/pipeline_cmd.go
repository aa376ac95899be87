package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/quantforge/eam/pkg/compiler"
	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/gaterunner"
	"github.com/quantforge/eam/pkg/runner"
)

// rootFlags are the filesystem roots every pipeline command accepts; flags
// override the environment-derived defaults.
type rootFlags struct {
	dataRoot     string
	artifactRoot string
}

func (r *rootFlags) attach(fs *flag.FlagSet) {
	cfg := config.FromEnv()
	fs.StringVar(&r.dataRoot, "data-root", cfg.DataRoot, "data lake root")
	fs.StringVar(&r.artifactRoot, "artifact-root", cfg.ArtifactRoot, "artifact root")
}

func runCompile(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var roots rootFlags
	roots.attach(fs)
	blueprint := fs.String("blueprint", "", "path to blueprint_v1 JSON")
	snapshot := fs.String("snapshot", "", "data snapshot id")
	bundle := fs.String("bundle", "", "path to policy bundle YAML")
	out := fs.String("out", "", "output path for the RunSpec")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *blueprint == "" || *snapshot == "" || *bundle == "" || *out == "" {
		fmt.Fprintln(stderr, "ERROR: compile requires --blueprint, --snapshot, --bundle, --out")
		return contracts.ExitUsage
	}
	code, msg := compiler.Compile(compiler.Options{
		BlueprintPath:    *blueprint,
		SnapshotID:       *snapshot,
		PolicyBundlePath: *bundle,
		OutPath:          *out,
		DataRoot:         roots.dataRoot,
	})
	fmt.Fprintln(pickWriter(code, stdout, stderr), msg)
	return code
}

func runRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var roots rootFlags
	roots.attach(fs)
	runspec := fs.String("runspec", "", "path to compiled RunSpec JSON")
	bundle := fs.String("bundle", "", "path to policy bundle YAML")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *runspec == "" || *bundle == "" {
		fmt.Fprintln(stderr, "ERROR: run requires --runspec and --bundle")
		return contracts.ExitUsage
	}
	code, msg := runner.RunOnce(runner.Options{
		RunSpecPath:      *runspec,
		PolicyBundlePath: *bundle,
		DataRoot:         roots.dataRoot,
		ArtifactRoot:     roots.artifactRoot,
	})
	fmt.Fprintln(pickWriter(code, stdout, stderr), msg)
	return code
}

func runGate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var roots rootFlags
	roots.attach(fs)
	dossier := fs.String("dossier", "", "path to the run's dossier directory")
	bundle := fs.String("bundle", "", "path to policy bundle YAML")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *dossier == "" || *bundle == "" {
		fmt.Fprintln(stderr, "ERROR: gate requires --dossier and --bundle")
		return contracts.ExitUsage
	}
	code, msg := gaterunner.RunOnce(gaterunner.Options{
		DossierDir:       *dossier,
		PolicyBundlePath: *bundle,
		DataRoot:         roots.dataRoot,
	})
	fmt.Fprintln(pickWriter(code, stdout, stderr), msg)
	return code
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: eam validate <document.json>")
		return contracts.ExitUsage
	}
	v, err := contracts.NewValidator()
	if err != nil {
		return fail(stderr, err)
	}
	code, msg := v.ValidateFile(args[0])
	fmt.Fprintln(pickWriter(code, stdout, stderr), msg)
	return code
}

// pickWriter routes success output to stdout and diagnostics to stderr.
func pickWriter(code int, stdout, stderr io.Writer) io.Writer {
	if code == contracts.ExitOK {
		return stdout
	}
	return stderr
}
