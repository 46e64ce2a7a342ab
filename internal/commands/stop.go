package commands

import (
	"flag"
	"fmt"
)

// Stop halts a running execution. With --delete the record is archived too.
func Stop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	deleteRecord := fs.Bool("delete", false, "Archive the execution record after stopping")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: ralphd stop [flags] <branch>")
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	req := map[string]any{"branch": fs.Arg(0), "deleteRecord": *deleteRecord}
	var resp struct {
		Branch   string `json:"branch"`
		Status   string `json:"status"`
		Archived bool   `json:"archived"`
	}
	if err := newClient(addr).post("/api/stop", req, &resp); err != nil {
		return err
	}

	if resp.Archived {
		fmt.Printf("Stopped and archived %s\n", resp.Branch)
	} else {
		fmt.Printf("Stopped %s\n", resp.Branch)
	}
	return nil
}
