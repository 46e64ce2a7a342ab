package commands

import (
	"flag"
	"fmt"
)

// Retry requeues a failed, stopped or interrupted execution.
func Retry(args []string) error {
	fs := flag.NewFlagSet("retry", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ralphd retry [flags] <branch>")
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	var resp struct {
		Branch string `json:"branch"`
		Status string `json:"status"`
	}
	if err := newClient(addr).post("/api/retry", map[string]string{"branch": fs.Arg(0)}, &resp); err != nil {
		return err
	}

	fmt.Printf("Requeued %s (%s)\n", resp.Branch, resp.Status)
	return nil
}
