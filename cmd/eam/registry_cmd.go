package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/quantforge/eam/pkg/config"
	"github.com/quantforge/eam/pkg/contracts"
	"github.com/quantforge/eam/pkg/registry"
)

func openRegistry(root string) (*registry.Registry, error) {
	if root == "" {
		root = config.FromEnv().RegistryRoot
	}
	return registry.New(root)
}

func runRegistry(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: eam registry <record-trial|create-card|promote|list> [flags]")
		return contracts.ExitUsage
	}
	switch args[0] {
	case "record-trial":
		return runRecordTrial(args[1:], stdout, stderr)
	case "create-card":
		return runCreateCard(args[1:], stdout, stderr)
	case "promote":
		return runPromote(args[1:], stdout, stderr)
	case "list":
		return runListCards(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "ERROR: unknown registry subcommand %q\n", args[0])
		return contracts.ExitUsage
	}
}

func runRecordTrial(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry record-trial", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("registry-root", "", "registry root (default from environment)")
	dossier := fs.String("dossier", "", "path to the run's dossier directory")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *dossier == "" {
		fmt.Fprintln(stderr, "ERROR: record-trial requires --dossier")
		return contracts.ExitUsage
	}
	reg, err := openRegistry(*root)
	if err != nil {
		return fail(stderr, err)
	}
	trial, err := reg.RecordTrial(*dossier)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, trial)
	return contracts.ExitOK
}

func runCreateCard(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry create-card", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("registry-root", "", "registry root (default from environment)")
	runID := fs.String("run", "", "run id (must be in the trial log)")
	title := fs.String("title", "", "card title")
	ifExists := fs.String("if-exists", "error", "error or noop when the card already exists")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *runID == "" || *title == "" {
		fmt.Fprintln(stderr, "ERROR: create-card requires --run and --title")
		return contracts.ExitUsage
	}
	reg, err := openRegistry(*root)
	if err != nil {
		return fail(stderr, err)
	}
	card, err := reg.CreateCardFromRun(*runID, *title, *ifExists)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, card)
	return contracts.ExitOK
}

func runPromote(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry promote", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("registry-root", "", "registry root (default from environment)")
	cardID := fs.String("card", "", "card id")
	status := fs.String("status", "", "new status (challenger, champion, retired)")
	allowSkip := fs.Bool("allow-skip", false, "permit skipping lifecycle stages")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	if *cardID == "" || *status == "" {
		fmt.Fprintln(stderr, "ERROR: promote requires --card and --status")
		return contracts.ExitUsage
	}
	reg, err := openRegistry(*root)
	if err != nil {
		return fail(stderr, err)
	}
	ev, err := reg.PromoteCard(*cardID, *status, *allowSkip)
	if err != nil {
		return fail(stderr, err)
	}
	printJSON(stdout, ev)
	return contracts.ExitOK
}

func runListCards(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("registry list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("registry-root", "", "registry root (default from environment)")
	if err := fs.Parse(args); err != nil {
		return contracts.ExitUsage
	}
	reg, err := openRegistry(*root)
	if err != nil {
		return fail(stderr, err)
	}
	cards, err := reg.ListCards()
	if err != nil {
		return fail(stderr, err)
	}
	rows := make([]map[string]interface{}, 0, len(cards))
	for _, c := range cards {
		rows = append(rows, map[string]interface{}{
			"card_id": c.CardID,
			"status":  c.Status,
			"title":   c.Title,
		})
	}
	printJSON(stdout, rows)
	return contracts.ExitOK
}
