package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/matching"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over atoms",
	Long: `Search atom titles and content.

Examples:
  atomgraph search "arm64 deploy"
  atomgraph search rollback -n 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var relatedCmd = &cobra.Command{
	Use:   "related <text>",
	Short: "Find topics and atoms semantically related to text",
	Long: `Rank topics and atoms by embedding similarity, down to the exploration
threshold. Nothing is written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRelated,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results")
	relatedCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "max results per kind")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	query := strings.Join(args, " ")
	atoms, err := application.DB.SearchAtoms(ctx, query, searchLimit)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if jsonOutput {
		return printJSON(atoms)
	}
	if len(atoms) == 0 {
		fmt.Println("No results found.")
		return nil
	}

	fmt.Printf("Found %d atom(s):\n\n", len(atoms))
	for _, a := range atoms {
		mark := ""
		if a.UserApproved {
			mark = " [approved]"
		}
		fmt.Printf("- %s [%s]%s (%s)\n", a.Title, a.Type, mark, a.Key())
		if verbose {
			fmt.Printf("  %s\n", truncate(a.Content, 200))
		}
	}
	return nil
}

func runRelated(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	matcher, err := application.Matcher()
	if err != nil {
		return err
	}
	topics, atoms, err := matcher.Related(ctx, strings.Join(args, " "), searchLimit)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string][]matching.Match{"topics": topics, "atoms": atoms})
	}
	if len(topics) == 0 && len(atoms) == 0 {
		fmt.Println("Nothing related found.")
		return nil
	}

	printMatches("Topics", topics)
	printMatches("Atoms", atoms)
	return nil
}

func printMatches(title string, matches []matching.Match) {
	if len(matches) == 0 {
		return
	}
	fmt.Printf("%s:\n", title)
	for _, m := range matches {
		fmt.Printf("  %.2f  %s (%s)\n", m.Similarity, m.Neighbor.Label, m.Neighbor.Key())
	}
	fmt.Println()
}
