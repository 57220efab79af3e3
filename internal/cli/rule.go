package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/models"
)

var (
	ruleName       string
	ruleConfidence float64
	ruleSimilarity float64
	ruleAction     string
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage the auto-approval rule",
	Long: `At most one approval rule is active. Candidates meeting both thresholds
(0-100 scale) get the rule's action; everything else waits for review.`,
}

var ruleSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Create a rule and make it the active one",
	Long: `Create a rule and make it the active one.

Examples:
  atomgraph rule set --confidence 80 --similarity 90 --action approve
  atomgraph rule set --name strict --confidence 95 --similarity 95 --action manual_review`,
	Args: cobra.NoArgs,
	RunE: runRuleSet,
}

var ruleShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the active rule",
	Args:  cobra.NoArgs,
	RunE:  runRuleShow,
}

var ruleDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Deactivate the active rule",
	Args:  cobra.NoArgs,
	RunE:  runRuleDisable,
}

func init() {
	ruleSetCmd.Flags().StringVar(&ruleName, "name", "default", "rule name")
	ruleSetCmd.Flags().Float64Var(&ruleConfidence, "confidence", 80, "confidence threshold (0-100)")
	ruleSetCmd.Flags().Float64Var(&ruleSimilarity, "similarity", 90, "similarity threshold (0-100)")
	ruleSetCmd.Flags().StringVar(&ruleAction, "action", string(models.ActionApprove), "approve, reject or manual_review")

	ruleCmd.AddCommand(ruleSetCmd)
	ruleCmd.AddCommand(ruleShowCmd)
	ruleCmd.AddCommand(ruleDisableCmd)
}

func runRuleSet(cmd *cobra.Command, args []string) error {
	action, err := models.ParseAutoAction(ruleAction)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rule, err := application.DB.SetActiveRule(ctx, models.ApprovalRuleInput{
		Name:                ruleName,
		ConfidenceThreshold: ruleConfidence,
		SimilarityThreshold: ruleSimilarity,
		AutoAction:          action,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rule)
	}
	fmt.Printf("Active rule: %s\n", describeRule(rule))
	return nil
}

func runRuleShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rule, err := application.DB.GetActiveRule(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(rule)
	}
	if rule == nil {
		fmt.Println("No active rule; every version waits for manual review.")
		return nil
	}
	fmt.Printf("Active rule: %s\n", describeRule(rule))
	fmt.Printf("  Since: %s\n", rule.CreatedAt.Format("2006-01-02 15:04"))
	return nil
}

func runRuleDisable(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	n, err := application.DB.DisableRules(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No active rule.")
		return nil
	}
	fmt.Println("Rule disabled.")
	return nil
}

func describeRule(r *models.ApprovalRule) string {
	return fmt.Sprintf("%s: %s when confidence ≥ %.0f and similarity ≥ %.0f",
		r.Name, r.AutoAction, r.ConfidenceThreshold, r.SimilarityThreshold)
}
