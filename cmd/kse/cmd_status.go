package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// statusCmd prints the last-persisted orchestration status snapshot:
// read whatever state was last written, don't require a live run.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last orchestration run's status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	data, err := os.ReadFile(statusFilePath(ws))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no orchestration run recorded for this workspace")
			return nil
		}
		return fmt.Errorf("read status: %w", err)
	}

	var pretty map[string]any
	if err := json.Unmarshal(data, &pretty); err != nil {
		return fmt.Errorf("parse status: %w", err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
