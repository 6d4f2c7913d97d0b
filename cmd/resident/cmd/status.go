package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/resident/internal/server"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker and task queue status",
	Long:  `Queries a running server for its workers, in-flight work and task queue counts.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	req, err := CreateAuthenticatedRequest(http.MethodGet, GetServerURL()+"/-/status", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := fetch(req, http.StatusOK)
	if err != nil {
		return err
	}

	var report server.StatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Uptime: %s   In flight: %d\n\n", report.Uptime, report.Active)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Worker", "Generation", "State", "Requests", "Tasks", "Ticks", "Failures")
	for _, w := range report.Workers {
		state := "booting"
		if w.Booted {
			state = "idle"
			if w.Stats.Busy {
				state = "busy"
			}
		}
		table.Append([]string{
			strconv.Itoa(w.ID),
			strconv.Itoa(w.Generation),
			state,
			strconv.FormatUint(w.Stats.Requests, 10),
			strconv.FormatUint(w.Stats.Tasks, 10),
			strconv.FormatUint(w.Stats.Ticks, 10),
			strconv.FormatUint(w.Stats.Failures, 10),
		})
	}
	table.Render()

	fmt.Println()
	tasks := tablewriter.NewWriter(os.Stdout)
	tasks.Header("Queued", "Running", "Completed", "Failed", "Cleaned up")
	tasks.Append([]string{
		strconv.Itoa(report.Tasks.Queued),
		strconv.Itoa(report.Tasks.Running),
		strconv.Itoa(report.Tasks.Completed),
		strconv.Itoa(report.Tasks.Failed),
		strconv.FormatInt(report.Cleanup.TotalTasksDeleted, 10),
	})
	tasks.Render()
	return nil
}
