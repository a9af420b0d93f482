package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/audit"
	"github.com/steveyegge/flowshift/internal/config"
	"github.com/steveyegge/flowshift/internal/migration"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
	"github.com/steveyegge/flowshift/internal/ui"
)

var planCmd = &cobra.Command{
	Use:     "plan",
	Short:   "Generate, review, approve and deploy migration plans",
	GroupID: "migrations",
}

var planGenerateCmd = &cobra.Command{
	Use:   "generate <scenario-id> <from-version> <to-version>",
	Short: "Diff two versions and create a PENDING migration plan",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		from, err := strconv.Atoi(args[1])
		if err != nil {
			FatalError("invalid from-version %q", args[1])
		}
		to, err := strconv.Atoi(args[2])
		if err != nil {
			FatalError("invalid to-version %q", args[2])
		}
		plan, err := planner().GeneratePlan(rootCtx, tenant, args[0], from, to)
		if err != nil {
			fatalErr(err)
		}
		markWrite(fmt.Sprintf("generate plan %s (%s v%d → v%d)", plan.ID, plan.ScenarioID, from, to))
		recordPlanEvent(plan)
		showPlan(plan)
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan's summary, anchors, warnings and required fields",
	Long: `Show a plan's summary, anchors, warnings and required fields.

With --markdown the plan is written as a review document; it is styled on a
terminal and left as plain markdown when piped.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan := loadPlan(rootCtx, args[0])
		if md, _ := cmd.Flags().GetBool("markdown"); md && !jsonOutput {
			fmt.Print(ui.RenderMarkdown(ui.PlanMarkdown(plan), 0))
			return
		}
		showPlan(plan)
	},
}

var planListCmd = &cobra.Command{
	Use:   "list [scenario-id]",
	Short: "List migration plans",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		filter := storage.PlanFilter{TenantID: tenant, Status: types.PlanStatus(status)}
		if status != "" && !filter.Status.IsValid() {
			FatalError("invalid status %q", status)
		}
		if len(args) == 1 {
			filter.ScenarioID = args[0]
		}
		plans, err := store.ListPlans(rootCtx, filter)
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			outputJSON(plans)
			return
		}
		if len(plans) == 0 {
			fmt.Println("No plans found.")
			return
		}
		for _, p := range plans {
			fmt.Printf("%s  %-16s v%d → v%d  %-12s %s\n", p.ID, p.ScenarioID, p.FromVersion, p.ToVersion,
				ui.RenderPlanStatus(p.Status), ui.RenderMuted(fmt.Sprintf("%d sessions", p.Summary.TotalAffected)))
		}
	},
}

var planPolicyCmd = &cobra.Command{
	Use:   "policy <plan-id> <anchor-hash>",
	Short: "Adjust the migration policy of one anchor on a PENDING plan",
	Long: `Adjust the migration policy of one anchor on a PENDING plan.

Only the flags given change; the rest of the anchor's current policy is kept.
Scope filters restrict which sessions at the anchor get marked on deploy.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		plan := loadPlan(ctx, args[0])
		pol := *plan.PolicyFor(args[1])
		pol.AnchorContentHash = args[1]

		flags := cmd.Flags()
		if flags.Changed("include-channel") {
			pol.Scope.IncludeChannels, _ = flags.GetStringSlice("include-channel")
		}
		if flags.Changed("exclude-channel") {
			pol.Scope.ExcludeChannels, _ = flags.GetStringSlice("exclude-channel")
		}
		if flags.Changed("include-step") {
			pol.Scope.IncludeSteps, _ = flags.GetStringSlice("include-step")
		}
		if flags.Changed("exclude-step") {
			pol.Scope.ExcludeSteps, _ = flags.GetStringSlice("exclude-step")
		}
		if flags.Changed("min-age") {
			pol.Scope.MinSessionAge, _ = flags.GetDuration("min-age")
		}
		if flags.Changed("max-age") {
			pol.Scope.MaxSessionAge, _ = flags.GetDuration("max-age")
		}
		if flags.Changed("update-downstream") {
			pol.UpdateDownstream, _ = flags.GetBool("update-downstream")
		}
		if flags.Changed("force-scenario") {
			forced, _ := flags.GetString("force-scenario")
			pol.ForceScenario = types.MigrationScenario(forced)
		}

		plan, err := planner().SetPolicy(ctx, plan.ID, &pol)
		if err != nil {
			fatalErr(err)
		}
		markWrite(fmt.Sprintf("set policy on plan %s anchor %s", plan.ID, pol.AnchorContentHash))
		showPlan(plan)
	},
}

var planApproveCmd = &cobra.Command{
	Use:   "approve <plan-id>",
	Short: "Approve a PENDING plan",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		yes, _ := cmd.Flags().GetBool("yes")
		ack, _ := cmd.Flags().GetBool("acknowledge-ambiguity")

		plan := loadPlan(ctx, args[0])
		if !yes && !jsonOutput {
			if !ui.IsInteractive() {
				FatalErrorWithHint("approval needs confirmation", "re-run with --yes in non-interactive shells")
			}
			ui.PrintPlan(os.Stdout, plan)
			fmt.Println()
			if !confirm(fmt.Sprintf("Approve plan %s for %d sessions?", plan.ID, plan.Summary.TotalAffected), "Approve") {
				fmt.Fprintln(os.Stderr, "Approval cancelled.")
				return
			}
		}

		plan, err := planner().Approve(ctx, plan.ID, getActor(), ack)
		if err != nil {
			fatalErr(err)
		}
		markWrite(fmt.Sprintf("approve plan %s", plan.ID))
		recordPlanEvent(plan)
		if jsonOutput {
			outputJSON(plan)
			return
		}
		fmt.Printf("%s Plan %s approved by %s\n", ui.RenderPassIcon(), plan.ID, plan.ApprovedBy)
		fmt.Printf("%s%sdeploy with: flowshift plan deploy %s\n", ui.TreeIndent, ui.TreeLast, plan.ID)
	},
}

var planRejectCmd = &cobra.Command{
	Use:   "reject <plan-id>",
	Short: "Reject a PENDING plan",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		plan, err := planner().Reject(rootCtx, args[0], getActor())
		if err != nil {
			fatalErr(err)
		}
		markWrite(fmt.Sprintf("reject plan %s", plan.ID))
		recordPlanEvent(plan)
		if jsonOutput {
			outputJSON(plan)
			return
		}
		fmt.Printf("%s Plan %s rejected\n", ui.RenderFailIcon(), plan.ID)
	},
}

var planDeployCmd = &cobra.Command{
	Use:   "deploy <plan-id>",
	Short: "Mark every eligible session for an APPROVED plan",
	Long: `Mark every eligible session for an APPROVED plan (phase 1).

Sessions are only marked here; each one is migrated just before its next
turn. Deploying an already DEPLOYED plan again marks sessions that reached
an anchor since the last run.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		d := migration.NewDeployer(migrationDeps(), config.GetInt("deploy.concurrency"))
		report, err := d.Deploy(ctx, args[0])
		if err != nil {
			fatalErr(err)
		}
		markWrite(fmt.Sprintf("deploy plan %s (%d sessions)", report.PlanID, report.Marked))
		if plan, err := store.GetPlan(ctx, report.PlanID); err == nil {
			recordPlanEvent(plan)
		}
		if jsonOutput {
			outputJSON(report)
			return
		}
		fmt.Printf("%s Plan %s deployed: %d sessions marked, %d skipped\n",
			ui.RenderPassIcon(), report.PlanID, report.Marked, report.Skipped)
		for hash, n := range report.ByAnchor {
			fmt.Printf("%s%s %d\n", ui.TreeIndent, ui.RenderMuted(hash), n)
		}
	},
}

// loadPlan fetches a plan or exits; a missing plan is reported as ErrPlanNotFound.
func loadPlan(ctx context.Context, id string) *types.MigrationPlan {
	plan, err := store.GetPlan(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		fatalErr(fmt.Errorf("%w: %s", migration.ErrPlanNotFound, id))
	}
	if err != nil {
		fatalErr(err)
	}
	return plan
}

func showPlan(plan *types.MigrationPlan) {
	if jsonOutput {
		outputJSON(plan)
		return
	}
	ui.PrintPlan(os.Stdout, plan)
}

func confirm(title, affirmative string) bool {
	ok := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative(affirmative).
				Negative("Cancel").
				Value(&ok),
		),
	).WithTheme(huh.ThemeDracula())
	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return false
		}
		FatalError("prompt failed: %v", err)
	}
	return ok
}

// recordPlanEvent appends a plan status change to the audit file.
func recordPlanEvent(plan *types.MigrationPlan) {
	if auditLog == nil {
		return
	}
	if _, err := auditLog.Append(&audit.Entry{
		Kind:   audit.KindPlan,
		Actor:  getActor(),
		PlanID: plan.ID,
		Status: string(plan.Status),
	}); err != nil {
		WarnError("audit: %v", err)
	}
}

func init() {
	planShowCmd.Flags().Bool("markdown", false, "Render the plan as a markdown review document")
	planListCmd.Flags().String("status", "", "Filter by status (pending, approved, deployed, rejected, superseded)")

	planPolicyCmd.Flags().StringSlice("include-channel", nil, "Only migrate sessions on these channels")
	planPolicyCmd.Flags().StringSlice("exclude-channel", nil, "Never migrate sessions on these channels")
	planPolicyCmd.Flags().StringSlice("include-step", nil, "Only migrate sessions at these step names")
	planPolicyCmd.Flags().StringSlice("exclude-step", nil, "Never migrate sessions at these step names")
	planPolicyCmd.Flags().Duration("min-age", 0, "Only migrate sessions at least this old")
	planPolicyCmd.Flags().Duration("max-age", 0, "Only migrate sessions at most this old")
	planPolicyCmd.Flags().Bool("update-downstream", true, "Move sessions onto the new downstream path")
	planPolicyCmd.Flags().String("force-scenario", "", "Override the computed scenario (clean_graft, gap_fill, re_route)")

	planApproveCmd.Flags().BoolP("yes", "y", false, "Approve without a confirmation prompt")
	planApproveCmd.Flags().Bool("acknowledge-ambiguity", false, "Approve even though some step hashes are ambiguous")

	planCmd.AddCommand(planGenerateCmd, planShowCmd, planListCmd, planPolicyCmd, planApproveCmd, planRejectCmd, planDeployCmd)
	rootCmd.AddCommand(planCmd)
}
