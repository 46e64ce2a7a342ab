package commands

import (
	"flag"
	"fmt"
)

// Shutdown stops the daemon. Refused while agents are running unless
// --force is given.
func Shutdown(args []string) error {
	fs := flag.NewFlagSet("shutdown", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	force := fs.Bool("force", false, "Shut down even with running executions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	if err := newClient(addr).post("/api/shutdown", map[string]bool{"force": *force}, nil); err != nil {
		return err
	}
	fmt.Println("Daemon shutting down.")
	return nil
}
