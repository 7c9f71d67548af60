// Command fiscalcli is the engine's command-line entry point, trimmed
// from the teacher's cmd/helm dispatcher to the two subcommands this
// engine's scope covers: run (validate a single invoice file end to end)
// and plan (print the default execution plan's canonical snapshot).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/fiscallayer/validation-core/pkg/cleanupqueue"
	"github.com/fiscallayer/validation-core/pkg/filter"
	"github.com/fiscallayer/validation-core/pkg/filters"
	"github.com/fiscallayer/validation-core/pkg/hooks"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/obslog"
	"github.com/fiscallayer/validation-core/pkg/pipeline"
	"github.com/fiscallayer/validation-core/pkg/plan"
	"github.com/fiscallayer/validation-core/pkg/policygate"
	"github.com/fiscallayer/validation-core/pkg/report"
	"github.com/fiscallayer/validation-core/pkg/retrypolicy"
	"github.com/fiscallayer/validation-core/pkg/telemetry"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for both main and tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "run":
		return runValidateCmd(args[2:], stdout, stderr)
	case "plan":
		return runPlanCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "fiscalcli: EN16931 invoice compliance validation engine")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  fiscalcli <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  run    Validate an invoice file against the default plan (--file, --json)")
	fmt.Fprintln(w, "  plan   Print the default execution plan's canonical snapshot")
	fmt.Fprintln(w, "  help   Show this help")
}

func runPlanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("plan", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	p, err := filters.DefaultPlan()
	if err != nil {
		fmt.Fprintf(stderr, "Error building default plan: %v\n", err)
		return 1
	}
	snapshot, err := plan.BuildSnapshot(p, nil, map[string]string{"engine": "1.0.0"}, nil, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error building plan snapshot: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(snapshot, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		filePath   string
		jsonOutput bool
	)
	cmd.StringVar(&filePath, "file", "", "Path to an invoice file (JSON canonical shape or UBL-ish XML) (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the full ValidationReport as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if filePath == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(stderr, "Error reading %s: %v\n", filePath, err)
		return 2
	}

	result, snapshot, err := validate(raw, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	signer, err := report.NewSigner("fiscalcli-demo")
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to create signer: %v\n", err)
		return 1
	}
	assembler := report.NewAssembler(signer)
	vr, err := assembler.Build(report.BuildInput{
		RunID:                  result.RunID,
		CorrelationID:          result.CorrelationID,
		Invoice:                result.ParsedInvoice,
		Snapshot:               snapshot,
		Diagnostics:            result.Diagnostics,
		Steps:                  result.CompletedSteps,
		StartedAt:              result.StartedAt,
		CompletedAt:            result.CompletedAt,
		Aborted:                result.Aborted,
		AppliedRetentionPolicy: result.AppliedRetentionPolicy,
		RetentionWarnings:      result.RetentionWarnings,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to assemble report: %v\n", err)
		return 1
	}

	decision := policygate.DecisionBlock
	if vr.FinalDecision != nil {
		decision = vr.FinalDecision.Decision
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(vr, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return exitCodeFor(decision)
	}

	fmt.Fprintf(stdout, "Report state: %s\n", vr.ReportState)
	if vr.FinalDecision != nil {
		fmt.Fprintf(stdout, "Decision:     %s (%v)\n", vr.FinalDecision.Decision, vr.FinalDecision.ReasonCodes)
	}
	fmt.Fprintf(stdout, "Errors:      %d   Warnings: %d\n",
		vr.DiagnosticCounts[model.SeverityError], vr.DiagnosticCounts[model.SeverityWarning])
	fmt.Fprintf(stdout, "Fingerprint: %s\n", vr.Fingerprint.ID)
	return exitCodeFor(decision)
}

func exitCodeFor(d policygate.Decision) int {
	if d == policygate.DecisionBlock {
		return 1
	}
	return 0
}

// validate wires a fresh registry, tempstore, telemetry/obslog observers,
// and the default plan together for a single run, returning the raw
// pipeline result alongside the plan snapshot needed to assemble a report.
func validate(raw []byte, stdout io.Writer) (*pipeline.Result, *plan.Snapshot, error) {
	ctx := context.Background()

	store := tempstore.NewMemoryStore(30 * time.Second)
	defer store.Close()

	reg := filter.NewRegistry()
	if err := filters.RegisterBuiltins(reg, store, filters.Endpoints{}); err != nil {
		return nil, nil, fmt.Errorf("registering filters: %w", err)
	}
	defer reg.Close()

	queue := cleanupqueue.New(retrypolicy.Config{})

	logger := obslog.NewWithWriter(stdout)
	telProvider, err := telemetry.New(ctx, telemetry.DefaultConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	defer telProvider.Shutdown(ctx)

	fanout := hooks.NewFanout(logger, telProvider.Observer())
	pl := pipeline.New(reg, store, queue, pipeline.WithObserver(fanout))

	defaultPlan, err := filters.DefaultPlan()
	if err != nil {
		return nil, nil, fmt.Errorf("building default plan: %w", err)
	}

	runID := uuid.New().String()
	result, err := pl.Execute(ctx, pipeline.Input{
		RunID:         runID,
		CorrelationID: runID,
		Raw:           model.RawInvoice{Content: raw},
		Plan:          defaultPlan,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("executing plan: %w", err)
	}

	snapshot, err := plan.BuildSnapshot(defaultPlan, nil, map[string]string{"engine": "1.0.0"}, nil, time.Now())
	if err != nil {
		return nil, nil, fmt.Errorf("building plan snapshot: %w", err)
	}
	return result, snapshot, nil
}
