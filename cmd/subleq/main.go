// subleq: bounded subleq interpreter and population experiments.
//
// Usage:
//
//	subleq <command> [flags]
//
// Commands:
//
//	run         execute one program and print the result as JSON
//	gen         generate a random population
//	baseline    score random programs against a random reference population
//	skimmed     grow a population and prune dominated programs
//	homoiconic  score outputs and memory images as programs
//	serve       serve the engine over gRPC
//	export      write the stored population to a .json.zst file
//	import      add programs from a .json.zst file to the store
//	version     print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// command is one subcommand.
type command struct {
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = map[string]command{
	"run":        {"execute one program and print the result as JSON", runCommand},
	"gen":        {"generate a random population", genCommand},
	"baseline":   {"score random programs against a random reference population", baselineCommand},
	"skimmed":    {"grow a population and prune dominated programs", skimmedCommand},
	"homoiconic": {"score outputs and memory images as programs", homoiconicCommand},
	"serve":      {"serve the engine over gRPC", serveCommand},
	"export":     {"write the stored population to a .json.zst file", exportCommand},
	"import":     {"add programs from a .json.zst file to the store", importCommand},
	"version":    {"print version and exit", versionCommand},
}

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "-help" || args[0] == "help" {
		usage(stderr)
		return 2
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(stderr, "received signal %v, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	e := &env{stdout: stdout, stderr: stderr}
	defer e.close()

	if err := cmd.run(ctx, e, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		if e.log != nil {
			e.log.Error("command failed", "command", args[0], "error", err)
		} else {
			fmt.Fprintf(stderr, "%s: %v\n", args[0], err)
		}
		return 1
	}
	return 0
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: subleq <command> [flags]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-11s %s\n", name, commands[name].summary)
	}
}

func versionCommand(_ context.Context, e *env, _ []string) error {
	fmt.Fprintf(e.stdout, "subleq %s (%s)\n", Version, GitCommit)
	return nil
}
