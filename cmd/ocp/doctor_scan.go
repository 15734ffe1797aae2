package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/mova-labs/ocp/pkg/delivery"
	"github.com/mova-labs/ocp/pkg/doctor"
	"github.com/mova-labs/ocp/pkg/evidence"
)

// runDoctorCmd inspects the staging environment and persists the report
// under the evidence root. Warnings do not fail the command; an armed
// misconfiguration does.
//
// Exit codes: 0 = no failing checks, 1 = at least one check failed, 2 =
// wiring error.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Print the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()

	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.close()

	opts := []doctor.Option{doctor.WithAudit(s.auditLog)}
	idx, err := delivery.NewReceiptIndexFromEnv()
	if err != nil {
		// A broken receipt store configuration is a finding, not a crash;
		// the receipt_store check reports the unwired index.
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	} else if idx != nil {
		defer func() { _ = idx.Close() }()
		opts = append(opts, doctor.WithReceiptReader(idx))
	}

	rep, err := doctor.New(s.profiles, s.evidence, s.registry, opts...).Run(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, merr := json.MarshalIndent(rep, "", "  ")
		if merr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", merr)
			return 2
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "%sOCP Doctor%s\n\n", ColorBold, ColorReset)
		for _, c := range rep.Checks {
			fmt.Fprintf(stdout, "%s %-18s %s\n", statusIcon(c.Status), c.Name, c.Detail)
		}
		fmt.Fprintln(stdout, "")
		fmt.Fprintf(stdout, "status: %s\n", rep.Status)
		fmt.Fprintf(stdout, "report: %s\n", rep.Path)
	}

	if rep.Status == doctor.StatusFail {
		return 1
	}
	return 0
}

func statusIcon(status string) string {
	switch status {
	case doctor.StatusOK:
		return "✅"
	case doctor.StatusWarn:
		return "⚠️ "
	default:
		return "❌"
	}
}

// runScanCmd scans an artifact tree for leaked secret material. Matches
// report the pattern and a line hash, never the line itself.
//
// Exit codes: 0 = clean, 1 = matches found, 2 = usage or scan error.
func runScanCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("scan", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Print the scan result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	dir := cmd.Arg(0)
	if dir == "" {
		dir = evidence.DefaultRoot
	}

	res, err := doctor.NewScanner().Scan(dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, merr := json.MarshalIndent(res, "", "  ")
		if merr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", merr)
			return 2
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		for _, m := range res.Matches {
			fmt.Fprintf(stdout, "❌ %s: %q (line sha256 %s)\n", m.File, m.Pattern, m.SnippetHash[:12])
		}
		if len(res.Matches) == 0 {
			fmt.Fprintf(stdout, "✅ %d files scanned, no secret material found\n", res.Scanned)
		} else {
			fmt.Fprintf(stdout, "\n❌ %d files scanned, %d matches\n", res.Scanned, len(res.Matches))
		}
	}

	if res.Status == doctor.StatusFail {
		return 1
	}
	return 0
}
