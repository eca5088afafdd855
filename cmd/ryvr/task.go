package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/schuttebj/ryvr-sub001/internal/lifecycle"
	"github.com/schuttebj/ryvr-sub001/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve [task-id]",
	Short: "Approve a task awaiting approval",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAction("approve"),
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [task-id]",
	Short: "Submit a draft task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAction("submit"),
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task that has not started processing",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAction("cancel"),
}

var taskLogCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show a task's log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLog,
}

var taskPriorityCmd = &cobra.Command{
	Use:   "priority [task-id]",
	Short: "Change a task's priority before admission",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskPriority,
}

var (
	taskOwner    string
	taskType     string
	taskTitle    string
	taskInputs   string
	taskCost     int
	taskPriority int
	taskDeps     string
	taskDraft    bool
	taskStatus   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskApproveCmd, taskSubmitCmd, taskCancelCmd, taskLogCmd, taskPriorityCmd)

	taskAddCmd.Flags().StringVar(&taskOwner, "owner", "", "Owner account ID (required)")
	taskAddCmd.Flags().StringVar(&taskType, "type", "", "Task type, e.g. content_generation (required)")
	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskInputs, "inputs", "{}", "Processor inputs as JSON")
	taskAddCmd.Flags().IntVar(&taskCost, "cost", 1, "Credit cost")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", models.DefaultPriority, "Priority (higher runs first)")
	taskAddCmd.Flags().StringVar(&taskDeps, "deps", "", "Comma-separated dependency task IDs")
	taskAddCmd.Flags().BoolVar(&taskDraft, "draft", false, "Create as draft")
	taskAddCmd.MarkFlagRequired("owner")
	taskAddCmd.MarkFlagRequired("type")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskOwner, "owner", "", "Filter by owner account")

	taskPriorityCmd.Flags().IntVar(&taskPriority, "priority", models.DefaultPriority, "New priority value")
	taskPriorityCmd.MarkFlagRequired("priority")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	var inputs models.Inputs
	if err := json.Unmarshal([]byte(taskInputs), &inputs); err != nil {
		return fmt.Errorf("--inputs must be valid JSON: %w", err)
	}

	var deps []string
	for _, d := range strings.Split(taskDeps, ",") {
		if d = strings.TrimSpace(d); d != "" {
			deps = append(deps, d)
		}
	}

	priority := taskPriority
	req := lifecycle.CreateRequest{
		OwnerID:      taskOwner,
		Type:         taskType,
		Title:        taskTitle,
		Inputs:       inputs,
		CreditCost:   taskCost,
		Priority:     &priority,
		Dependencies: deps,
		Draft:        taskDraft,
	}

	resp, err := apiPost("/tasks", req)
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Created task %s (%s)\n", task.ID, task.Status)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	url := "/tasks"
	sep := "?"
	if taskStatus != "" {
		url += sep + "status=" + taskStatus
		sep = "&"
	}
	if taskOwner != "" {
		url += sep + "owner=" + taskOwner
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRIORITY\tCOST\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", t.ID, t.Type, t.Status, t.Priority, t.CreditCost, t.Title)
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0])
	if err != nil {
		return err
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(resp, &pretty); err != nil {
		return err
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTaskAction(action string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiPost("/tasks/"+args[0]+"/"+action, nil)
		if err != nil {
			return err
		}

		var task models.Task
		if err := json.Unmarshal(resp, &task); err != nil {
			return err
		}
		fmt.Printf("Task %s is now %s\n", task.ID, task.Status)
		return nil
	}
}

func runTaskLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/tasks/" + args[0] + "/logs")
	if err != nil {
		return err
	}

	var entries []models.TaskLogEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Level, e.Message)
	}
	return nil
}

func runTaskPriority(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/tasks/"+args[0]+"/priority", map[string]int{"priority": taskPriority})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s priority set to %d\n", task.ID, task.Priority)
	return nil
}
