package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/atomgraph/internal/models"
	"github.com/raphaelgruber/atomgraph/internal/versioning"
)

var (
	reviewer       string
	pendingKind    string
	pendingLimit   int
	bulkAllPending bool
)

var versionCmd = &cobra.Command{
	Use:     "version",
	Aliases: []string{"versions"},
	Short:   "Review topic and atom versions",
	Long: `Review proposed versions. A version is addressed as kind:entity:number,
e.g. atom:k3j9x2:2. Approving applies the version to the live entity;
a version is approved at most once.`,
}

var versionApproveCmd = &cobra.Command{
	Use:   "approve <kind:entity:version>",
	Short: "Approve a version and apply it",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return reviewOne(cmd, args[0], true) },
}

var versionRejectCmd = &cobra.Command{
	Use:   "reject <kind:entity:version>",
	Short: "Reject a version",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return reviewOne(cmd, args[0], false) },
}

var versionBulkApproveCmd = &cobra.Command{
	Use:   "bulk-approve [refs...]",
	Short: "Approve several versions; failures do not stop the batch",
	RunE:  func(cmd *cobra.Command, args []string) error { return reviewBulk(cmd, args, true) },
}

var versionBulkRejectCmd = &cobra.Command{
	Use:   "bulk-reject [refs...]",
	Short: "Reject several versions; failures do not stop the batch",
	RunE:  func(cmd *cobra.Command, args []string) error { return reviewBulk(cmd, args, false) },
}

var versionDiffCmd = &cobra.Command{
	Use:   "diff <kind> <entity> <from> <to>",
	Short: "Show the field-level difference between two versions",
	Args:  cobra.ExactArgs(4),
	RunE:  versionDiff,
}

var versionPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List versions awaiting review",
	Args:  cobra.NoArgs,
	RunE:  versionPending,
}

var versionHistoryCmd = &cobra.Command{
	Use:   "history <kind> <entity>",
	Short: "List all versions of an entity",
	Args:  cobra.ExactArgs(2),
	RunE:  versionHistory,
}

var versionStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show today's review activity",
	Args:  cobra.NoArgs,
	RunE:  versionStats,
}

func init() {
	defaultReviewer := os.Getenv("USER")
	if defaultReviewer == "" {
		defaultReviewer = "cli"
	}
	for _, c := range []*cobra.Command{versionApproveCmd, versionRejectCmd, versionBulkApproveCmd, versionBulkRejectCmd} {
		c.Flags().StringVar(&reviewer, "by", defaultReviewer, "reviewer name")
	}
	for _, c := range []*cobra.Command{versionBulkApproveCmd, versionBulkRejectCmd} {
		c.Flags().BoolVar(&bulkAllPending, "all-pending", false, "review every pending version (of --kind, if set)")
		c.Flags().StringVarP(&pendingKind, "kind", "k", "", "topic or atom")
		c.Flags().IntVarP(&pendingLimit, "limit", "n", 100, "max versions with --all-pending")
	}
	versionPendingCmd.Flags().StringVarP(&pendingKind, "kind", "k", "", "topic or atom (default both)")
	versionPendingCmd.Flags().IntVarP(&pendingLimit, "limit", "n", 50, "max results per kind")

	versionCmd.AddCommand(versionApproveCmd)
	versionCmd.AddCommand(versionRejectCmd)
	versionCmd.AddCommand(versionBulkApproveCmd)
	versionCmd.AddCommand(versionBulkRejectCmd)
	versionCmd.AddCommand(versionDiffCmd)
	versionCmd.AddCommand(versionPendingCmd)
	versionCmd.AddCommand(versionHistoryCmd)
	versionCmd.AddCommand(versionStatsCmd)
}

func reviewOne(cmd *cobra.Command, arg string, approve bool) error {
	ref, err := versioning.ParseRef(arg)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	review := models.Review{By: reviewer}
	var v *models.Version
	if approve {
		v, err = application.Versions.Approve(ctx, ref.Kind, ref.EntityID, ref.Version, review)
	} else {
		v, err = application.Versions.Reject(ctx, ref.Kind, ref.EntityID, ref.Version, review)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", ref, err)
	}
	if jsonOutput {
		return printJSON(v)
	}
	verb := "Rejected"
	if approve {
		verb = "Approved"
	}
	fmt.Printf("%s %s\n", verb, ref)
	return nil
}

func reviewBulk(cmd *cobra.Command, args []string, approve bool) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	refs, err := bulkRefs(ctx, args)
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Println("Nothing to review.")
		return nil
	}

	review := models.Review{By: reviewer}
	var res versioning.BulkResult
	if approve {
		res = application.Versions.BulkApprove(ctx, refs, review)
	} else {
		res = application.Versions.BulkReject(ctx, refs, review)
	}
	if jsonOutput {
		return printJSON(res)
	}

	fmt.Printf("%d of %d succeeded\n", res.SuccessCount, len(refs))
	for _, id := range res.FailedIDs {
		fmt.Printf("  ✗ %s: %s\n", id, res.Errors[id])
	}
	if len(res.FailedIDs) > 0 {
		return fmt.Errorf("%d version(s) failed", len(res.FailedIDs))
	}
	return nil
}

// bulkRefs parses explicit refs, or collects pending versions with --all-pending.
func bulkRefs(ctx context.Context, args []string) ([]versioning.Ref, error) {
	if bulkAllPending {
		if len(args) > 0 {
			return nil, fmt.Errorf("--all-pending does not take refs")
		}
		versions, err := pendingVersions(ctx)
		if err != nil {
			return nil, err
		}
		refs := make([]versioning.Ref, 0, len(versions))
		for _, v := range versions {
			refs = append(refs, refOf(v))
		}
		return refs, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("give version refs or --all-pending")
	}
	return parseRefs(args)
}

func parseRefs(args []string) ([]versioning.Ref, error) {
	var refs []versioning.Ref
	for _, arg := range args {
		for _, s := range strings.Split(arg, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			ref, err := versioning.ParseRef(s)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func refOf(v models.Version) versioning.Ref {
	return versioning.Ref{
		Kind:     v.Kind(),
		EntityID: models.MustRecordIDString(v.Entity),
		Version:  v.Version,
	}
}

func pendingVersions(ctx context.Context) ([]models.Version, error) {
	kinds := []models.EntityKind{models.KindTopic, models.KindAtom}
	if pendingKind != "" {
		k, err := models.ParseEntityKind(pendingKind)
		if err != nil {
			return nil, err
		}
		kinds = []models.EntityKind{k}
	}
	var all []models.Version
	for _, k := range kinds {
		vs, err := application.Versions.Pending(ctx, k, pendingLimit)
		if err != nil {
			return nil, fmt.Errorf("list pending %s versions: %w", k, err)
		}
		all = append(all, vs...)
	}
	return all, nil
}

func versionDiff(cmd *cobra.Command, args []string) error {
	kind, err := models.ParseEntityKind(args[0])
	if err != nil {
		return err
	}
	from, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid from version %q", args[2])
	}
	to, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid to version %q", args[3])
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	diff, err := application.Versions.Diff(ctx, kind, args[1], from, to)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(diff)
	}

	fmt.Printf("%s %s: v%d → v%d\n", diff.Kind, diff.EntityID, diff.From, diff.To)
	fmt.Println(diff.Summary)
	for _, c := range diff.Changes {
		switch c.Type {
		case versioning.ItemAdded:
			fmt.Printf("  + %s: %v\n", c.Field, c.New)
		case versioning.ItemRemoved:
			fmt.Printf("  - %s: %v\n", c.Field, c.Old)
		default:
			fmt.Printf("  ~ %s: %v → %v\n", c.Field, c.Old, c.New)
		}
	}
	return nil
}

func versionPending(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	versions, err := pendingVersions(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(versions)
	}
	if len(versions) == 0 {
		fmt.Println("No pending versions.")
		return nil
	}

	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	fmt.Printf("Pending versions (%d):\n\n", len(versions))
	for _, v := range versions {
		fmt.Printf("- %s  %s\n", refOf(v), describeVersion(v.Data))
		if verbose {
			fmt.Printf("  created by %s at %s\n", v.CreatedBy, v.CreatedAt.Format("2006-01-02 15:04"))
		}
	}
	return nil
}

// describeVersion renders the headline of a version payload.
func describeVersion(d models.VersionData) string {
	switch {
	case d.Title != nil:
		s := *d.Title
		if d.Type != nil {
			s = fmt.Sprintf("[%s] %s", *d.Type, s)
		}
		if d.Confidence != nil {
			s += fmt.Sprintf(" (%.0f%%)", *d.Confidence*100)
		}
		return s
	case d.Name != nil:
		s := *d.Name
		if len(d.Keywords) > 0 {
			s += " {" + strings.Join(d.Keywords, ", ") + "}"
		}
		return s
	case d.Content != nil:
		return truncate(*d.Content, 60)
	case len(d.Keywords) > 0:
		return "keywords: " + strings.Join(d.Keywords, ", ")
	}
	return "(partial update)"
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func versionHistory(cmd *cobra.Command, args []string) error {
	kind, err := models.ParseEntityKind(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	versions, err := application.Versions.List(ctx, kind, args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(versions)
	}
	if len(versions) == 0 {
		fmt.Println("No versions found.")
		return nil
	}
	for _, v := range versions {
		state := "pending"
		switch {
		case v.Approved:
			state = "approved"
		case v.Rejected:
			state = "rejected"
		}
		if v.AutoReviewed {
			state += " (auto)"
		}
		fmt.Printf("v%-3d %-18s %s  by %s\n", v.Version, state, describeVersion(v.Data), v.CreatedBy)
	}
	return nil
}

func versionStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	stats, err := application.Versions.DailyStats(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(stats)
	}
	fmt.Println("Today:")
	fmt.Printf("  Pending:        %d\n", stats.Pending)
	fmt.Printf("  Approved:       %d\n", stats.Approved)
	fmt.Printf("  Rejected:       %d\n", stats.Rejected)
	fmt.Printf("  Auto-approved:  %d (%.0f%%)\n", stats.AutoApproved, stats.AutoApprovalRate*100)
	return nil
}
