package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mova-labs/ocp/pkg/contracts"
	"github.com/mova-labs/ocp/pkg/interp"
)

// runRunCmd executes one plan envelope and reports the run summary.
//
// Exit codes: 0 = run completed, 1 = run failed or was refused, 2 = usage or
// wiring error.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planPath    string
		poolPath    string
		profilePath string
		requestPath string
		budgetPath  string
		jsonOutput  bool
	)
	cmd.StringVar(&planPath, "plan", "", "Plan envelope JSON file (REQUIRED)")
	cmd.StringVar(&poolPath, "pool", "", "Tool pool JSON file (REQUIRED)")
	cmd.StringVar(&profilePath, "profile", "", "Instruction profile JSON file (REQUIRED)")
	cmd.StringVar(&requestPath, "request", "", "Request envelope JSON file")
	cmd.StringVar(&budgetPath, "budget", "", "Token budget contract JSON file")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the run summary as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planPath == "" || poolPath == "" || profilePath == "" {
		fmt.Fprintln(stderr, "Error: -plan, -pool, and -profile are required")
		cmd.Usage()
		return 2
	}

	in := interp.RunInput{
		Request:         contracts.RequestEnvelope{},
		TokenBudgetPath: budgetPath,
	}
	if err := readJSONFile(planPath, &in.Plan); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := readJSONFile(poolPath, &in.ToolPool); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := readJSONFile(profilePath, &in.Profile); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if requestPath != "" {
		if err := readJSONFile(requestPath, &in.Request); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.close()

	runner, err := buildRunner(ctx, s)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	res, err := runner.RunPlan(ctx, in)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, merr := json.MarshalIndent(res.Summary, "", "  ")
		if merr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", merr)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		icon := "✅"
		if !res.Success {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "%s run %s: %s\n", icon, res.RunID, res.Summary.Status)
		fmt.Fprintf(stdout, "   steps: %d total, %d completed, %d failed\n",
			res.Summary.StepsTotal, res.Summary.StepsCompleted, res.Summary.StepsFailed)
		if res.Summary.SecurityEvents > 0 {
			fmt.Fprintf(stdout, "   security events: %d\n", res.Summary.SecurityEvents)
		}
		fmt.Fprintf(stdout, "   evidence: %s\n", res.EvidenceDir)
	}

	if !res.Success {
		return 1
	}
	return 0
}

// readJSONFile decodes one JSON document into v. Schema validation is the
// packages' job; this only rejects unparseable input.
func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
