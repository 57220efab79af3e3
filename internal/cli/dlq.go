package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

var (
	dlqStatus string
	dlqLimit  int
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered work",
	Long: `Work that exhausted its retries is recorded in the dead-letter queue.
Retrying replays it by starting a fresh run over the recorded messages.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <id>...",
	Short: "Replay dead letters",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDLQRetry,
}

var dlqAbandonCmd = &cobra.Command{
	Use:   "abandon <id>...",
	Short: "Give up on dead letters",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDLQAbandon,
}

func init() {
	dlqListCmd.Flags().StringVarP(&dlqStatus, "status", "s", string(models.FailedTaskFailed), "failed, retrying, abandoned or all")
	dlqListCmd.Flags().IntVarP(&dlqLimit, "limit", "n", 50, "max results")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqAbandonCmd)
}

func runDLQList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var status *models.FailedTaskStatus
	if dlqStatus != "all" {
		s := models.FailedTaskStatus(dlqStatus)
		status = &s
	}
	tasks, err := application.DLQ.List(ctx, status, dlqLimit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("Dead-letter queue is empty.")
		return nil
	}

	fmt.Printf("%-22s %-14s %-10s %-8s %s\n", "ID", "TASK", "STATUS", "TRIES", "ERROR")
	fmt.Println(strings.Repeat("-", 90))
	for _, t := range tasks {
		fmt.Printf("%-22s %-14s %-10s %-8d %s\n", t.Key(), t.TaskName, t.Status, t.Attempts, truncate(t.ErrorMessage, 40))
		if verbose {
			if runID, ok := t.TaskArgs["run_id"]; ok {
				fmt.Printf("  run: %v\n", runID)
			}
			fmt.Printf("  recorded: %s\n", t.CreatedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var failed int
	for _, id := range args {
		if err := application.DLQ.Retry(ctx, id); err != nil {
			fmt.Printf("✗ %s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("✓ %s replayed\n", id)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d replays failed", failed, len(args))
	}
	return nil
}

func runDLQAbandon(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	for _, id := range args {
		if _, err := application.DLQ.Abandon(ctx, id); err != nil {
			return fmt.Errorf("abandon %s: %w", id, err)
		}
		fmt.Printf("%s abandoned\n", id)
	}
	return nil
}
