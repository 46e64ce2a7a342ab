package main

import (
	"fmt"
	"os"

	"github.com/uesteibar/ralphd/internal/commands"
)

func usage() {
	fmt.Fprintf(os.Stderr, `ralphd - orchestrator for autonomous coding agents

Usage:
  ralphd serve [--config path] [--addr host:port]        Run the orchestrator daemon
  ralphd start [flags] <prd-path>                        Create an execution from a PRD
  ralphd status [--project name] [--history n] [--json]  Show executions and suggestions
  ralphd update [flags]                                  Report a story result (agents)
  ralphd stop [--delete] <branch>                        Stop an execution
  ralphd retry <branch>                                  Requeue a failed or stopped execution
  ralphd claim <branch>                                  Claim a ready execution (external runners)
  ralphd merge list|enqueue <branch>|process|remove <id> Control the merge queue
  ralphd shutdown [--force]                              Stop the daemon

Flags common to all commands:
  --config    Path to config YAML (default: discover .ralph/ralphd.yaml)
  --addr      Daemon address (default from config, 127.0.0.1:7750)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = commands.Serve(rest)
	case "start":
		err = commands.Start(rest)
	case "status":
		err = commands.Status(rest)
	case "update":
		err = commands.Update(rest)
	case "stop":
		err = commands.Stop(rest)
	case "retry":
		err = commands.Retry(rest)
	case "claim":
		err = commands.Claim(rest)
	case "merge":
		err = commands.Merge(rest)
	case "shutdown":
		err = commands.Shutdown(rest)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "ralphd: unknown command %q\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ralphd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}
