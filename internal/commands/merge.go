package commands

import (
	"flag"
	"fmt"
	"strconv"
)

// Merge controls the merge queue: list, enqueue <branch>, process,
// remove <item-id>.
func Merge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: ralphd merge [flags] list|enqueue <branch>|process|remove <item-id>")
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}
	c := newClient(addr)

	switch action := fs.Arg(0); action {
	case "list":
		var resp struct {
			Items []struct {
				ID          int    `json:"id"`
				ExecutionID string `json:"executionId"`
				Position    int    `json:"position"`
				Status      string `json:"status"`
			} `json:"items"`
		}
		if err := c.post("/api/merge", map[string]string{"action": "list"}, &resp); err != nil {
			return err
		}
		if len(resp.Items) == 0 {
			fmt.Println("Merge queue is empty.")
			return nil
		}
		for _, item := range resp.Items {
			fmt.Printf("%3d  pos %-3d %-10s %s\n", item.ID, item.Position, item.Status, item.ExecutionID)
		}
		return nil

	case "enqueue":
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: ralphd merge enqueue <branch>")
		}
		var resp struct {
			Item struct {
				ID       int `json:"id"`
				Position int `json:"position"`
			} `json:"item"`
		}
		req := map[string]string{"action": "enqueue", "branch": fs.Arg(1)}
		if err := c.post("/api/merge", req, &resp); err != nil {
			return err
		}
		fmt.Printf("Enqueued %s at position %d\n", fs.Arg(1), resp.Item.Position)
		return nil

	case "process":
		var resp struct {
			Results []struct {
				Branch    string `json:"branch"`
				Status    string `json:"status"`
				CommitSha string `json:"commitSha"`
				Reason    string `json:"reason"`
			} `json:"results"`
		}
		if err := c.post("/api/merge", map[string]string{"action": "process"}, &resp); err != nil {
			return err
		}
		if len(resp.Results) == 0 {
			fmt.Println("Nothing to merge.")
			return nil
		}
		for _, res := range resp.Results {
			line := fmt.Sprintf("%-10s %s", res.Status, res.Branch)
			if res.CommitSha != "" {
				line += "  " + res.CommitSha
			}
			if res.Reason != "" {
				line += "  (" + res.Reason + ")"
			}
			fmt.Println(line)
		}
		return nil

	case "remove":
		if fs.NArg() != 2 {
			return fmt.Errorf("usage: ralphd merge remove <item-id>")
		}
		itemID, err := strconv.Atoi(fs.Arg(1))
		if err != nil {
			return fmt.Errorf("invalid item id: %q", fs.Arg(1))
		}
		req := map[string]any{"action": "remove", "itemId": itemID}
		if err := c.post("/api/merge", req, nil); err != nil {
			return err
		}
		fmt.Printf("Removed item %d\n", itemID)
		return nil

	default:
		return fmt.Errorf("unknown merge action: %s", action)
	}
}
