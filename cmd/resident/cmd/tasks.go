package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/resident/pkg/models"
)

var (
	taskPayload     string
	taskMaxAttempts int
	taskStatus      string
	taskLimit       int
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage background tasks",
	Long:  `Commands for enqueueing and inspecting tasks run by the worker pool.`,
}

var tasksEnqueueCmd = &cobra.Command{
	Use:   "enqueue <name>",
	Short: "Enqueue a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksEnqueue,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTasksList,
}

var tasksGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task and its result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGet,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	tasksCmd.AddCommand(tasksEnqueueCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)

	tasksEnqueueCmd.Flags().StringVar(&taskPayload, "payload", "", `JSON object payload, e.g. '{"numbers":[1,2]}'`)
	tasksEnqueueCmd.Flags().IntVar(&taskMaxAttempts, "max-attempts", 0, "attempts before the task fails (default queue.max_attempts)")

	tasksListCmd.Flags().StringVar(&taskStatus, "status", "", "only list tasks in this status (queued, running, completed, failed)")
	tasksListCmd.Flags().IntVar(&taskLimit, "limit", 50, "maximum number of tasks to list")
}

type taskResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type tasksListResponse struct {
	Tasks []taskResponse `json:"tasks"`
	Count int            `json:"count"`
}

func runTasksEnqueue(cmd *cobra.Command, args []string) error {
	request := models.TaskRequest{Name: args[0], MaxAttempts: taskMaxAttempts}
	if taskPayload != "" {
		if err := json.Unmarshal([]byte(taskPayload), &request.Payload); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := CreateAuthenticatedRequest(http.MethodPost, GetServerURL()+"/-/tasks", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := fetch(httpReq, http.StatusAccepted)
	if err != nil {
		return err
	}

	var task taskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(task)
	}
	printTask(task)
	fmt.Printf("\nTask %s enqueued\n", task.ID)
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(taskLimit))
	if taskStatus != "" {
		query.Set("status", taskStatus)
	}

	httpReq, err := CreateAuthenticatedRequest(http.MethodGet, GetServerURL()+"/-/tasks?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := fetch(httpReq, http.StatusOK)
	if err != nil {
		return err
	}

	var result tasksListResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Status", "Attempts", "Error", "Created")
	for _, task := range result.Tasks {
		table.Append([]string{
			task.ID,
			task.Name,
			task.Status,
			fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts),
			task.Error,
			task.CreatedAt.Format(time.RFC3339),
		})
	}
	table.Render()
	fmt.Printf("\n%d task(s)\n", result.Count)
	return nil
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	httpReq, err := CreateAuthenticatedRequest(http.MethodGet, GetServerURL()+"/-/tasks/"+url.PathEscape(args[0]), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := fetch(httpReq, http.StatusOK)
	if err != nil {
		return err
	}

	var task taskResponse
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if IsJSONOutput() {
		return printJSON(task)
	}
	printTask(task)
	return nil
}

func printTask(task taskResponse) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append([]string{"ID", task.ID})
	table.Append([]string{"Name", task.Name})
	table.Append([]string{"Status", task.Status})
	table.Append([]string{"Attempts", fmt.Sprintf("%d/%d", task.Attempts, task.MaxAttempts)})
	table.Append([]string{"Payload", string(task.Payload)})
	if len(task.Result) > 0 {
		table.Append([]string{"Result", string(task.Result)})
	}
	if task.Error != "" {
		table.Append([]string{"Error", task.Error})
	}
	table.Append([]string{"Created At", task.CreatedAt.Format(time.RFC3339)})
	if task.FinishedAt != nil {
		table.Append([]string{"Finished At", task.FinishedAt.Format(time.RFC3339)})
	}
	table.Render()
}

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
