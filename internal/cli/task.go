package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/service"
)

var (
	taskName        string
	taskAgent       string
	taskSchedule    string
	taskChannels    []string
	taskThreshold   int
	taskLookback    int
	taskAutoApprove bool
	taskConfidence  float64
	taskTypes       []string
	taskDisabled    bool
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Manage scheduled extraction tasks",
	Long: `Scheduled tasks start a run on their cron schedule once enough new messages
arrived. The worker reloads tasks every minute.`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a scheduled extraction task",
	Long: `Add a scheduled extraction task.

Examples:
  atomgraph task add --name hourly-eng --schedule "0 * * * *" --channel eng
  atomgraph task add --name nightly --schedule "@daily" --auto-approve --confidence 0.9 --types decision,solution`,
	Args: cobra.NoArgs,
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <task-id>",
	Short: "Remove a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRemove,
}

func init() {
	f := taskAddCmd.Flags()
	f.StringVar(&taskName, "name", "", "task name (required)")
	f.StringVarP(&taskAgent, "agent", "a", "default", "agent config id or name")
	f.StringVar(&taskSchedule, "schedule", "0 * * * *", "cron schedule (five fields or @descriptor)")
	f.StringSliceVarP(&taskChannels, "channel", "c", nil, "restrict to channels")
	f.IntVar(&taskThreshold, "threshold", 0, "minimum new messages (0 = configured default)")
	f.IntVar(&taskLookback, "lookback", 0, "lookback window in hours (0 = configured default)")
	f.BoolVar(&taskAutoApprove, "auto-approve", false, "auto-approve confident candidates")
	f.Float64Var(&taskConfidence, "confidence", 0, "auto-approve confidence threshold 0-1 (0 = configured default)")
	f.StringSliceVar(&taskTypes, "types", nil, "atom types eligible for auto-approval (default all)")
	f.BoolVar(&taskDisabled, "disabled", false, "create the task disabled")
	_ = taskAddCmd.MarkFlagRequired("name")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskRemoveCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	if err := service.ValidateSchedule(taskSchedule); err != nil {
		return err
	}
	if taskConfidence < 0 || taskConfidence > 1 {
		return fmt.Errorf("confidence must be in [0,1], got %g", taskConfidence)
	}
	var types []models.AtomType
	for _, s := range taskTypes {
		t, err := models.ParseAtomType(s)
		if err != nil {
			return err
		}
		types = append(types, t)
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	agent, err := application.DB.GetAgentConfig(ctx, taskAgent)
	if err != nil {
		return err
	}
	task, err := application.DB.CreateExtractionTask(ctx, models.ExtractionTask{
		Name:                taskName,
		AgentConfigID:       agent.Key(),
		Schedule:            taskSchedule,
		Enabled:             !taskDisabled,
		ChannelIDs:          taskChannels,
		MessageThreshold:    taskThreshold,
		LookbackHours:       taskLookback,
		AutoApproveEnabled:  taskAutoApprove,
		ConfidenceThreshold: taskConfidence,
		AllowedAtomTypes:    types,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(task)
	}
	fmt.Printf("Task %s created (%s)\n", task.Key(), task.Schedule)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	tasks, err := application.DB.ListExtractionTasks(ctx, false)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if jsonOutput {
		return printJSON(tasks)
	}
	if len(tasks) == 0 {
		fmt.Println("No scheduled tasks.")
		return nil
	}

	fmt.Printf("Tasks (%d):\n\n", len(tasks))
	for _, t := range tasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Printf("- %s %s [%s] %q\n", t.Key(), t.Name, state, t.Schedule)
		if len(t.ChannelIDs) > 0 {
			fmt.Printf("  channels: %s\n", strings.Join(t.ChannelIDs, ", "))
		}
		if t.AutoApproveEnabled {
			fmt.Printf("  auto-approve: confidence ≥ %.2f", t.ConfidenceThreshold)
			if len(t.AllowedAtomTypes) > 0 {
				fmt.Printf(", types %v", t.AllowedAtomTypes)
			}
			fmt.Println()
		}
		if t.LastRunAt != nil {
			fmt.Printf("  last run: %s\n", t.LastRunAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

func runTaskRemove(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	if err := application.DB.DeleteExtractionTask(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Task %s removed\n", args[0])
	return nil
}
