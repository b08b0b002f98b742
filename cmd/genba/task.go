package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/harunnryd/genba/internal/task"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks on a running daemon",
	Long:  `Submit tasks, inspect their progress, and supply approvals or answers.`,
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [input]",
	Short: "Submit a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, _ := cmd.Flags().GetString("chat-id")
		source, _ := cmd.Flags().GetString("source")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		testMode, _ := cmd.Flags().GetBool("test-mode")
		webhookURL, _ := cmd.Flags().GetString("webhook-url")

		var resp struct {
			TaskID   string `json:"task_id"`
			Status   string `json:"status"`
			Position int    `json:"position"`
		}
		err := newAPIClient(cmd).do("POST", "/api/v1/tasks", map[string]interface{}{
			"chat_id":     chatID,
			"source":      source,
			"input":       strings.Join(args, " "),
			"dry_run":     dryRun,
			"test_mode":   testMode,
			"webhook_url": webhookURL,
		}, &resp)
		if err != nil {
			return err
		}

		fmt.Printf("Task %s queued at position %d\n", resp.TaskID, resp.Position)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		if err := newAPIClient(cmd).do("GET", "/api/v1/tasks/"+args[0], nil, &t); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(&t)
	},
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve [task-id]",
	Short: "Approve pending diffs or a pending deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return supplyApproval(cmd, args[0], true)
	},
}

var taskRejectCmd = &cobra.Command{
	Use:   "reject [task-id]",
	Short: "Reject pending diffs or a pending deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return supplyApproval(cmd, args[0], false)
	},
}

var taskAnswerCmd = &cobra.Command{
	Use:   "answer [task-id] [text]",
	Short: "Answer a question the task is waiting on",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		err := newAPIClient(cmd).do("POST", "/api/v1/tasks/"+args[0]+"/input", map[string]string{
			"answer": strings.Join(args[1:], " "),
		}, &t)
		if err != nil {
			return err
		}

		fmt.Printf("Task %s resumed (status: %s)\n", t.ID, t.Status)
		return nil
	},
}

var taskRollbackCmd = &cobra.Command{
	Use:   "rollback [task-id]",
	Short: "Restore the files a finished task wrote",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t task.Task
		if err := newAPIClient(cmd).do("POST", "/api/v1/tasks/"+args[0]+"/rollback", nil, &t); err != nil {
			return err
		}

		fmt.Printf("Task %s rolled back (%d files restored)\n", t.ID, len(t.WrittenFiles))
		return nil
	},
}

func supplyApproval(cmd *cobra.Command, taskID string, approved bool) error {
	var t task.Task
	err := newAPIClient(cmd).do("POST", "/api/v1/tasks/"+taskID+"/input", map[string]bool{
		"approval": approved,
	}, &t)
	if err != nil {
		return err
	}

	verdict := "approved"
	if !approved {
		verdict = "rejected"
	}
	fmt.Printf("Task %s %s (status: %s)\n", t.ID, verdict, t.Status)
	return nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskSubmitCmd, taskStatusCmd, taskApproveCmd, taskRejectCmd, taskAnswerCmd, taskRollbackCmd)

	taskSubmitCmd.Flags().String("chat-id", "cli", "session chat ID")
	taskSubmitCmd.Flags().String("source", "cli", "session source")
	taskSubmitCmd.Flags().Bool("dry-run", false, "generate diffs without writing")
	taskSubmitCmd.Flags().Bool("test-mode", false, "force the deployment probe to report unhealthy")
	taskSubmitCmd.Flags().String("webhook-url", "", "webhook for task lifecycle notifications")

	for _, c := range []*cobra.Command{taskSubmitCmd, taskStatusCmd, taskApproveCmd, taskRejectCmd, taskAnswerCmd, taskRollbackCmd} {
		addAddrFlag(c)
	}
}
