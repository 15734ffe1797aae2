// Command ocp drives the MOVA orchestration control plane: offline plan
// execution, delivery.v1 sends, staging doctor checks, and artifact secret
// scans. All semantics live in the packages; this binary only parses flags
// and wires subsystems from the environment.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mova-labs/ocp/pkg/version"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "deliver":
		return runDeliverCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "scan":
		return runScanCmd(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "ocp v%s (MOVA dialect %s)\n", version.MOVA, version.Constraint)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sOCP Runtime %s%s\n", ColorBold+ColorBlue, "v"+version.MOVA, ColorReset)
	fmt.Fprintf(w, "%sPlans propose. Policy disposes.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  ocp <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "EXECUTION")
	printCommand(w, "run", "Execute a plan envelope (-plan, -pool, -profile)")
	printCommand(w, "deliver", "Send one delivery order (-target, -payload)")

	printSection(w, "OPERATIONS")
	printCommand(w, "doctor", "Check staging configuration and stores")
	printCommand(w, "scan", "Scan an artifact tree for leaked secret material")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show dialect version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
