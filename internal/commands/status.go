package commands

import (
	"flag"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

type statusExecution struct {
	Branch                string `json:"branch"`
	Project               string `json:"project"`
	Status                string `json:"status"`
	Priority              string `json:"priority"`
	Description           string `json:"description"`
	CurrentStoryID        string `json:"currentStoryId"`
	CurrentStep           string `json:"currentStep"`
	StoriesPassing        int    `json:"storiesPassing"`
	StoriesTotal          int    `json:"storiesTotal"`
	LoopCount             int    `json:"loopCount"`
	ConsecutiveNoProgress int    `json:"consecutiveNoProgress"`
	ConsecutiveErrors     int    `json:"consecutiveErrors"`
	LastError             string `json:"lastError"`
	AtRisk                bool   `json:"atRisk"`
}

type statusReply struct {
	Status      string            `json:"status"`
	Uptime      string            `json:"uptime"`
	Active      int               `json:"active"`
	Cap         int               `json:"cap"`
	Counts      map[string]int    `json:"counts"`
	Executions  []statusExecution `json:"executions"`
	Archive     []statusExecution `json:"archive"`
	Suggestions []string          `json:"suggestions"`
}

// Status prints the orchestrator view: active executions, counts, recent
// archive and suggested next actions.
func Status(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	project := fs.String("project", "", "Filter executions by project")
	noReconcile := fs.Bool("no-reconcile", false, "Skip the reconciliation pass before reading")
	history := fs.Int("history", 10, "Number of archived executions to include")
	asJSON := fs.Bool("json", false, "Print the raw JSON response")
	if err := fs.Parse(args); err != nil {
		return err
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	query := url.Values{}
	if *project != "" {
		query.Set("project", *project)
	}
	if *noReconcile {
		query.Set("reconcile", "false")
	}
	query.Set("historyLimit", strconv.Itoa(*history))

	var reply statusReply
	if err := newClient(addr).get("/api/status?"+query.Encode(), &reply); err != nil {
		return err
	}
	if *asJSON {
		return printJSON(reply)
	}

	fmt.Printf("ralphd up %s, %d/%d active\n", reply.Uptime, reply.Active, reply.Cap)
	if len(reply.Counts) > 0 {
		fmt.Println(formatCounts(reply.Counts))
	}

	if len(reply.Executions) == 0 {
		fmt.Println("\nNo executions.")
	} else {
		fmt.Println()
		for _, exec := range reply.Executions {
			printExecution(exec)
		}
	}

	if len(reply.Archive) > 0 {
		fmt.Println("\nRecently archived:")
		for _, exec := range reply.Archive {
			fmt.Printf("  %-12s %s\n", exec.Status, exec.Branch)
		}
	}

	if len(reply.Suggestions) > 0 {
		fmt.Println("\nSuggestions:")
		for _, s := range reply.Suggestions {
			fmt.Printf("  ralphd %s\n", s)
		}
	}
	return nil
}

func printExecution(exec statusExecution) {
	marker := " "
	if exec.AtRisk {
		marker = "!"
	}
	fmt.Printf("%s %-12s %-4s %s  [%d/%d stories, loop %d]\n",
		marker, exec.Status, exec.Priority, exec.Branch,
		exec.StoriesPassing, exec.StoriesTotal, exec.LoopCount)
	if exec.CurrentStoryID != "" {
		step := exec.CurrentStep
		if step == "" {
			step = "working"
		}
		fmt.Printf("      on %s (%s)\n", exec.CurrentStoryID, step)
	}
	if exec.LastError != "" {
		fmt.Printf("      last error: %s\n", exec.LastError)
	}
}

func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%d %s", counts[k], k)
	}
	return strings.Join(parts, ", ")
}
