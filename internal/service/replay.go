package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/atomgraph/internal/retry"
)

// RegisterReplayHandlers makes dead-lettered extraction work replayable. Each
// handler starts a fresh run over the messages the failed call covered.
func RegisterReplayHandlers(reg *retry.Registry, runs *RunTracker) {
	h := replayRun(runs)
	reg.Register(retry.TaskGenerate, h)
	reg.Register(retry.TaskEmbed, h)
	reg.Register(retry.TaskStoreWrite, h)
}

func replayRun(runs *RunTracker) retry.Handler {
	return func(ctx context.Context, args map[string]any) error {
		runID, _ := args["run_id"].(string)
		if runID == "" {
			return errors.New("replay: missing run_id")
		}
		orig, err := runs.Get(ctx, runID)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		ids := stringSlice(args["message_ids"])
		if len(ids) == 0 {
			ids = orig.MessageIDs
		}
		run, err := runs.Start(ctx, StartRequest{
			AgentConfig: orig.AgentConfigID,
			TaskID:      orig.TaskID,
			MessageIDs:  ids,
			Filters:     orig.Filters,
		})
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		runs.logger.Info("replay run created", "run_id", run.Key(), "replayed_run_id", runID, "messages", len(ids))
		return nil
	}
}

// stringSlice accepts []string or the []any a JSON round trip produces.
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
