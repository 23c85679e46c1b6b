package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Output streams; tests swap them.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	loadEnvFromDotEnv(".env")

	switch args[0] {
	case "relay", "server":
		return runRelay(ctx, args[1:])
	case "publish":
		return runPublish(ctx, args[1:])
	case "auto", "up":
		return runAuto(ctx, args[1:])
	case "resolve":
		return runResolve(ctx, args[1:])
	case "endpoint":
		return runEndpoint(args[1:])
	case "fetch":
		return runFetch(ctx, args[1:])
	case "watch":
		return runWatch(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintln(stderr, "unknown command:", args[0])
		printUsage()
		return 2
	}
}
