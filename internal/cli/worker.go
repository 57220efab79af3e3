package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/client"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect the running worker",
}

var workerStatusCmd = &cobra.Command{
	Use:         "status",
	Short:       "Show worker health and runtime metrics",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"offline": "true"},
	RunE:        runWorkerStatus,
}

func init() {
	workerStatusCmd.Flags().StringVar(&serverURL, "server", "", "worker URL (default $ATOMGRAPH_SERVER_URL)")
	workerCmd.AddCommand(workerStatusCmd)
}

func runWorkerStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	c := client.New(serverURL)
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}

	uptime := time.Duration(stats.Metrics.UptimeSeconds * float64(time.Second)).Round(time.Second)
	fmt.Printf("Worker up %s, %d event client(s)\n\n", uptime, stats.Clients)

	fmt.Println("Reviews today:")
	fmt.Printf("  pending %d, approved %d (%d auto), rejected %d\n\n",
		stats.Reviews.Pending, stats.Reviews.Approved, stats.Reviews.AutoApproved, stats.Reviews.Rejected)

	if len(stats.Metrics.Operations) > 0 {
		fmt.Println("Operations:")
		names := make([]string, 0, len(stats.Metrics.Operations))
		for name := range stats.Metrics.Operations {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			op := stats.Metrics.Operations[name]
			if op == nil {
				continue
			}
			fmt.Printf("  %-18s %6d calls, avg %.0fms, max %dms\n", name, op.Count, op.AvgTimeMs, op.MaxTimeMs)
		}
		fmt.Println()
	}

	if len(stats.Metrics.Counters) > 0 {
		fmt.Println("Counters:")
		names := make([]string, 0, len(stats.Metrics.Counters))
		for name := range stats.Metrics.Counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-22s %d\n", name, stats.Metrics.Counters[name])
		}
	}
	return nil
}
