package commands

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/uesteibar/ralphd/internal/pipeline"
)

// Update reports a story result to the daemon. Simple results fit in flags;
// full requests with acceptance criteria evidence are piped as JSON via
// --stdin.
func Update(args []string) error {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	configPath := AddConfigFlag(fs)
	addrFlag := AddAddrFlag(fs)
	branch := fs.String("branch", "", "Execution branch")
	story := fs.String("story", "", "Story id being reported")
	passes := fs.Bool("passes", false, "Whether the story's acceptance criteria pass")
	notes := fs.String("notes", "", "Free-form notes about the loop")
	filesChanged := fs.Int("files-changed", 0, "Number of files changed this loop")
	loopErr := fs.String("error", "", "Error encountered this loop, if any")
	step := fs.String("step", "", "Current step: implementing, building, testing, verifying")
	fromStdin := fs.Bool("stdin", false, "Read a full JSON update request from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var req pipeline.UpdateRequest
	if *fromStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("parsing update request: %w", err)
		}
	}
	// Flags layer over whatever came from stdin.
	if *branch != "" {
		req.Branch = *branch
	}
	if *story != "" {
		req.StoryID = *story
	}
	if fs.Lookup("passes").Value.String() == "true" {
		req.Passes = *passes
	}
	if *notes != "" {
		req.Notes = *notes
	}
	if *filesChanged != 0 {
		req.FilesChanged = *filesChanged
	}
	if *loopErr != "" {
		req.Error = *loopErr
	}
	if *step != "" {
		req.Step = *step
	}

	if req.Branch == "" || req.StoryID == "" {
		return fmt.Errorf("--branch and --story are required")
	}

	addr, err := resolveAddr(*addrFlag, *configPath)
	if err != nil {
		return err
	}

	var result pipeline.UpdateResult
	if err := newClient(addr).post("/api/update", req, &result); err != nil {
		return err
	}
	return printJSON(result)
}
