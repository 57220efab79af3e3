package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/client"
	"github.com/raphaelgruber/atomgraph/internal/events"
	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/service"
)

var (
	runAgent      string
	runMessageIDs []string
	runChannels   []string
	runLookback   int
	runWait       bool
	runLocal      bool

	runListStatus string
	runListLimit  int

	serverURL string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and inspect extraction runs",
}

var runStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start an extraction run",
	Long: `Create a pending extraction run. The worker (atomgraph-server) picks it up;
use --local to execute it in this process instead.

Messages are selected by --messages when given, otherwise by channel and
lookback window.

Examples:
  atomgraph run start --agent default
  atomgraph run start --agent default --channel eng --lookback 48 --wait
  atomgraph run start --agent default --messages m1,m2,m3 --local`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's status and counters",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a run",
	Long: `Request cancellation. The run stops at its next batch boundary; work
already persisted is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var runWatchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Stream pipeline events from the worker",
	Long: `Stream events from a running atomgraph-server. With a run id, only that
run's events are shown and the command exits when the run ends.`,
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{"offline": "true"},
	RunE:        runWatch,
}

func init() {
	runStartCmd.Flags().StringVarP(&runAgent, "agent", "a", "default", "agent config id or name")
	runStartCmd.Flags().StringSliceVarP(&runMessageIDs, "messages", "m", nil, "explicit message ids")
	runStartCmd.Flags().StringSliceVarP(&runChannels, "channel", "c", nil, "restrict to channels")
	runStartCmd.Flags().IntVar(&runLookback, "lookback", 0, "lookback window in hours (0 = configured default)")
	runStartCmd.Flags().BoolVarP(&runWait, "wait", "w", false, "wait for the run to finish")
	runStartCmd.Flags().BoolVar(&runLocal, "local", false, "execute the run in this process")

	runListCmd.Flags().StringVarP(&runListStatus, "status", "s", "", "filter by status")
	runListCmd.Flags().IntVarP(&runListLimit, "limit", "n", 20, "max results")

	runWatchCmd.Flags().StringVar(&serverURL, "server", "", "worker URL (default $ATOMGRAPH_SERVER_URL)")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runWatchCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	run, err := application.Runs.Start(ctx, service.StartRequest{
		AgentConfig: runAgent,
		MessageIDs:  runMessageIDs,
		Filters: models.RunFilters{
			ChannelIDs:    runChannels,
			LookbackHours: runLookback,
		},
	})
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	if runLocal {
		return executeLocal(ctx, run)
	}
	if !runWait {
		if jsonOutput {
			return printJSON(run)
		}
		fmt.Printf("Run %s created (pending)\n", run.Key())
		return nil
	}
	return waitForRun(ctx, run)
}

// executeLocal claims the run and executes it here.
func executeLocal(ctx context.Context, run *models.ExtractionRun) error {
	pipeline, err := application.Pipeline()
	if err != nil {
		return err
	}
	claimed, err := application.Runs.Claim(ctx, run.Key(), service.LocalOwner())
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}

	if jsonOutput || !isTerminal() {
		final, err := pipeline.Execute(ctx, claimed)
		if err != nil {
			return err
		}
		return reportRun(final)
	}

	done := make(chan error, 1)
	go func() {
		_, err := pipeline.Execute(ctx, claimed)
		done <- err
	}()
	model := newProgressModel(application.Runs.Get, claimed)
	model.local = true
	quit, uiErr := runProgress(model)
	if quit {
		if _, err := application.Runs.RequestCancel(ctx, claimed.Key()); err != nil {
			return err
		}
	}
	if err := <-done; err != nil {
		return err
	}
	return uiErr
}

func waitForRun(ctx context.Context, run *models.ExtractionRun) error {
	if !jsonOutput && isTerminal() {
		return RunProgress(application.Runs.Get, run)
	}
	final, err := waitPlain(ctx, application.Runs.Get, run.Key())
	if err != nil {
		return err
	}
	return reportRun(final)
}

// reportRun prints a finished run and turns a failed run into an error.
func reportRun(run *models.ExtractionRun) error {
	if jsonOutput {
		if err := printJSON(run); err != nil {
			return err
		}
	} else {
		printRun(run)
	}
	if run.Status == models.RunFailed {
		return fmt.Errorf("run %s failed: %s", run.Key(), deref(run.Error))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	run, err := application.Runs.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(run)
	}
	printRun(run)
	return nil
}

func printRun(run *models.ExtractionRun) {
	fmt.Printf("Run: %s\n", run.Key())
	fmt.Printf("  Status: %s", run.Status)
	if run.CancelRequested && !run.Status.Terminal() {
		fmt.Print(" (cancel requested)")
	}
	fmt.Println()
	fmt.Printf("  Agent: %s\n", run.AgentConfigID)
	if run.TaskID != nil {
		fmt.Printf("  Task: %s\n", *run.TaskID)
	}
	if len(run.MessageIDs) > 0 {
		fmt.Printf("  Messages: %d explicit\n", len(run.MessageIDs))
	} else if len(run.Filters.ChannelIDs) > 0 {
		fmt.Printf("  Channels: %s\n", strings.Join(run.Filters.ChannelIDs, ", "))
	}
	fmt.Printf("  Created: %s\n", run.CreatedAt.Format(time.RFC3339))
	if run.StartedAt != nil {
		fmt.Printf("  Started: %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", run.CompletedAt.Format(time.RFC3339))
		if run.StartedAt != nil {
			fmt.Printf("  Duration: %s\n", run.CompletedAt.Sub(*run.StartedAt).Round(time.Second))
		}
	}
	if run.Error != nil && *run.Error != "" {
		fmt.Printf("  Error: %s\n", *run.Error)
	}

	var b strings.Builder
	writeCounters(&b, run.Counters)
	fmt.Print("\nCounters:\n" + b.String())
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var status *models.RunStatus
	if runListStatus != "" {
		s := models.RunStatus(runListStatus)
		status = &s
	}
	runs, err := application.Runs.List(ctx, status, runListLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if jsonOutput {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-22s %-10s %-10s %-8s %-8s %s\n", "ID", "STATUS", "BATCHES", "ATOMS", "TOPICS", "CREATED")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range runs {
		batches := fmt.Sprintf("%d/%d", r.Counters.BatchesProcessed, r.Counters.BatchesTotal)
		fmt.Printf("%-22s %-10s %-10s %-8d %-8d %s\n", r.Key(), r.Status, batches,
			r.Counters.AtomsCreated, r.Counters.TopicsCreated, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	run, err := application.Runs.RequestCancel(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(run)
	}
	if run.Status == models.RunCancelled {
		fmt.Printf("Run %s cancelled\n", run.Key())
	} else {
		fmt.Printf("Cancellation requested for run %s; it stops after the current batch\n", run.Key())
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	var runID string
	if len(args) == 1 {
		runID = args[0]
	}
	c := client.New(serverURL)
	return c.Watch(cmd.Context(), nil, func(ev events.Event) error {
		id, terminal := eventRun(ev)
		if runID != "" && id != runID {
			return nil
		}
		if jsonOutput {
			if err := printJSON(ev); err != nil {
				return err
			}
		} else {
			fmt.Println(formatEvent(ev))
		}
		if runID != "" && terminal {
			return client.ErrStopWatching
		}
		return nil
	})
}

// eventRun extracts the run id an event belongs to and whether it ends the run.
func eventRun(ev events.Event) (string, bool) {
	var payload struct {
		RunID string `json:"run_id"`
	}
	_ = json.Unmarshal(ev.Data, &payload)
	switch ev.Topic {
	case events.TopicExtractionCompleted, events.TopicExtractionFailed, events.TopicExtractionCancelled:
		return payload.RunID, true
	}
	return payload.RunID, false
}

// formatEvent renders one event as a log-style line.
func formatEvent(ev events.Event) string {
	at := ev.At.Local().Format("15:04:05")
	switch ev.Topic {
	case events.TopicTopicCreated, events.TopicAtomCreated:
		var e events.EntityEvent
		if json.Unmarshal(ev.Data, &e) == nil {
			return fmt.Sprintf("%s %-22s %s %q", at, ev.Topic, e.ID, e.Label)
		}
	case events.TopicPendingCount:
		var e events.PendingCountEvent
		if json.Unmarshal(ev.Data, &e) == nil {
			return fmt.Sprintf("%s %-22s %d pending", at, ev.Topic, e.Count)
		}
	default:
		var e events.RunEvent
		if json.Unmarshal(ev.Data, &e) == nil && e.RunID != "" {
			line := fmt.Sprintf("%s %-22s %s %s %d/%d batches", at, ev.Topic, e.RunID, e.Status,
				e.Counters.BatchesProcessed, e.Counters.BatchesTotal)
			if e.Error != "" {
				line += ": " + e.Error
			}
			return line
		}
	}
	return fmt.Sprintf("%s %-22s %s", at, ev.Topic, string(ev.Data))
}
