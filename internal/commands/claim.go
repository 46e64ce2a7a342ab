package commands

import (
	"flag"
	"fmt"
)

// Claim atomically moves a ready execution to starting. External runners use
// this to take ownership before launching their own agent.
func Claim(args []string) error {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ralphd claim [flags] <branch>")
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	var resp struct {
		Branch         string `json:"branch"`
		Status         string `json:"status"`
		LaunchAttempts int    `json:"launchAttempts"`
	}
	if err := newClient(addr).post("/api/claim", map[string]string{"branch": fs.Arg(0)}, &resp); err != nil {
		return err
	}

	fmt.Printf("Claimed %s (%s, attempt %d)\n", resp.Branch, resp.Status, resp.LaunchAttempts)
	return nil
}
