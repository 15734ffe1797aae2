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

	"github.com/mova-labs/ocp/pkg/delivery"
)

// runDeliverCmd submits one delivery order through the delivery.v1 pipeline.
// A suppressed duplicate counts as success; the receipt says so.
//
// Exit codes: 0 = delivered or suppressed, 1 = refused or failed, 2 = usage
// or wiring error.
func runDeliverCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("deliver", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		target      string
		payloadPath string
		key         string
		profileID   string
		requestID   string
		dryRun      bool
		jsonOutput  bool
	)
	cmd.StringVar(&target, "target", "", "Target URL (REQUIRED)")
	cmd.StringVar(&payloadPath, "payload", "", "Payload JSON file (REQUIRED)")
	cmd.StringVar(&key, "key", "", "Idempotency key")
	cmd.StringVar(&profileID, "profile", "", "Policy profile id (overrides OCP_POLICY_PROFILE_ID)")
	cmd.StringVar(&requestID, "request", "", "Request id (generated when empty)")
	cmd.BoolVar(&dryRun, "dry-run", false, "Route through the no-send delivery driver")
	cmd.BoolVar(&jsonOutput, "json", false, "Print the receipt as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if target == "" || payloadPath == "" {
		fmt.Fprintln(stderr, "Error: -target and -payload are required")
		cmd.Usage()
		return 2
	}

	var payload any
	if err := readJSONFile(payloadPath, &payload); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := buildSubsystems(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer s.close()

	orch, err := buildOrchestrator(s, profileID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	rcpt, err := orch.Deliver(ctx, delivery.Request{
		TargetURL:      target,
		Payload:        payload,
		IdempotencyKey: key,
		ProfileID:      profileID,
		RequestID:      requestID,
		DryRun:         dryRun,
	})
	if rcpt == nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err != nil {
		// The send concluded but bookkeeping failed; the receipt still counts.
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	}

	if jsonOutput {
		data, merr := json.MarshalIndent(rcpt, "", "  ")
		if merr != nil {
			fmt.Fprintf(stderr, "Error: %v\n", merr)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		icon := "✅"
		if !rcpt.OK {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "%s delivery %s\n", icon, rcpt.Outcome)
		if rcpt.Reason != "" {
			fmt.Fprintf(stdout, "   reason: %s\n", rcpt.Reason)
		}
		fmt.Fprintf(stdout, "   evidence: %s\n", rcpt.EvidencePath)
	}

	if !rcpt.OK {
		return 1
	}
	return 0
}
