// Package cli provides the command-line interface for atomgraph.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/atomgraph/internal/app"
	"github.com/raphaelgruber/atomgraph/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	jsonOutput bool
	timeout    time.Duration

	// Global config and application
	cfg         config.Config
	application *app.App
	closeLog    func() error
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "atomgraph",
	Short: "Knowledge extraction and versioning pipeline",
	Long: `Atomgraph turns conversation messages into a versioned knowledge graph of
topics and atoms (problems, solutions, decisions, insights, ...).

Every change is a reviewable version. Runs are executed by atomgraph-server;
this CLI starts and inspects runs, reviews versions, and manages approval
rules, scheduled tasks and the dead-letter queue.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that only talk to the worker skip the database.
		if cmd.Name() == "help" || cmd.Annotations["offline"] == "true" {
			return nil
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var logger *slog.Logger
		if verbose {
			logger, closeLog = config.SetupLogger(cfg)
		} else {
			logger, closeLog = config.FileOnlyLogger(cfg)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		application, err = app.New(ctx, cfg, logger, app.Options{})
		if err != nil {
			return err
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute(ctx context.Context) error {
	defer cleanup()
	return rootCmd.ExecuteContext(ctx)
}

// cleanup closes the database and log file whether or not the command failed.
func cleanup() {
	if application != nil {
		if err := application.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
		application = nil
	}
	if closeLog != nil {
		_ = closeLog()
		closeLog = nil
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (logs to stderr)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall command timeout")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ruleCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(relatedCmd)
	rootCmd.AddCommand(workerCmd)
}

// commandContext bounds a command by the --timeout flag.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether stdout is an interactive terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
