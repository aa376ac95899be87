// Command eam is the experiment platform CLI: it compiles blueprints,
// executes runs, arbitrates gates, manages jobs and the registry, and hosts
// the worker daemon. Every subcommand exits 0 on success, 1 on usage errors,
// and 2 on semantically invalid input.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/jobstore"
	"github.com/quantforge/eam/pkg/registry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

const usage = `Usage: eam <command> [flags]

Commands:
  compile    compile a blueprint into a frozen RunSpec
  run        execute a compiled RunSpec and write its dossier
  gate       arbitrate a dossier against the bundle's gate suite
  validate   validate a JSON document against its declared contract
  approve    approve a job checkpoint
  job        create | spawn | sweep
  registry   record-trial | create-card | promote | list
  index      build
  worker     advance jobs, once or as a daemon
`

// Run dispatches the CLI. It is the entrypoint for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stderr, usage)
		return contracts.ExitUsage
	}
	switch args[1] {
	case "compile":
		return runCompile(args[2:], stdout, stderr)
	case "run":
		return runRun(args[2:], stdout, stderr)
	case "gate":
		return runGate(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "approve":
		return runApprove(args[2:], stdout, stderr)
	case "job":
		return runJob(args[2:], stdout, stderr)
	case "registry":
		return runRegistry(args[2:], stdout, stderr)
	case "index":
		return runIndex(args[2:], stdout, stderr)
	case "worker":
		return runWorker(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return contracts.ExitOK
	default:
		fmt.Fprintf(stderr, "ERROR: unknown command %q\n", args[1])
		fmt.Fprint(stderr, usage)
		return contracts.ExitUsage
	}
}

// exitFor maps an error to the CLI exit code: semantic failures are 2,
// everything else is a usage error.
func exitFor(err error) int {
	var budget *jobstore.BudgetError
	switch {
	case errors.As(err, &budget),
		errors.Is(err, registry.ErrInvalid),
		errors.Is(err, jobstore.ErrNotFound):
		return contracts.ExitInvalid
	default:
		return contracts.ExitUsage
	}
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "ERROR: %v\n", err)
	return exitFor(err)
}

func printJSON(w io.Writer, doc interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(doc)
}
