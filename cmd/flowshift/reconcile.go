package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/migration"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
	"github.com/steveyegge/flowshift/internal/ui"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <session-id>...",
	Short: "Run the pre-turn migration check for sessions",
	Long: `Run the pre-turn migration check for one or more sessions.

This is the entry point the turn pipeline calls before generating a reply:
a session with a pending migration marker, or one whose scenario checksum no
longer matches the live version, is migrated and the resulting action
(CONTINUE, TELEPORT, COLLECT, EXECUTE_ACTION, EXIT_SCENARIO) is printed.

With --check, sessions are only inspected.`,
	GroupID: "migrations",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		check, _ := cmd.Flags().GetBool("check")
		ex := migration.NewExecutor(migrationDeps())

		type outcome struct {
			SessionID string                      `json:"session_id"`
			Needed    bool                        `json:"needed"`
			Result    *types.ReconciliationResult `json:"result,omitempty"`
		}
		var out []outcome
		for _, id := range args {
			s, err := store.GetSession(ctx, id)
			if err != nil {
				fatalErr(err)
			}
			needed, err := ex.NeedsReconcile(ctx, s)
			if err != nil {
				fatalErr(err)
			}
			o := outcome{SessionID: id, Needed: needed}
			if needed && !check {
				o.Result = ex.Reconcile(ctx, s)
				markWrite("reconcile " + id)
			}
			out = append(out, o)
		}

		if jsonOutput {
			outputJSON(out)
			return
		}
		for _, o := range out {
			switch {
			case o.Result != nil:
				ui.PrintResult(os.Stdout, o.SessionID, o.Result)
			case o.Needed:
				fmt.Printf("%s %s needs reconciliation\n", ui.RenderWarnIcon(), o.SessionID)
			default:
				fmt.Printf("%s %s up to date\n", ui.RenderPassIcon(), o.SessionID)
			}
		}
	},
}

var sessionCmd = &cobra.Command{
	Use:     "session",
	Short:   "Inspect and seed sessions",
	GroupID: "migrations",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's scenario position, marker and step history",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		s, err := store.GetSession(rootCtx, args[0])
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			outputJSON(s)
			return
		}
		fmt.Printf("%s %s v%d at %s %s\n", ui.RenderAccent(s.ID), s.ActiveScenarioID, s.ActiveScenarioVersion,
			s.CurrentStepID, ui.RenderMuted(s.CurrentStepHash))
		fmt.Printf("%scustomer %s on %s, revision %d\n", ui.TreeIndent, s.CustomerID, s.Channel, s.Revision)
		if pm := s.PendingMigration; pm != nil {
			fmt.Printf("%s%s pending migration to v%d (plan %s, anchor %s)\n", ui.TreeIndent, ui.RenderWarnIcon(),
				pm.TargetVersion, pm.MigrationPlanID, pm.AnchorContentHash)
		}
		for _, v := range s.StepHistory {
			marker := ""
			if v.IsCheckpoint {
				marker = ui.RenderWarn(" checkpoint")
			}
			fmt.Printf("%s%sturn %d %s%s\n", ui.TreeIndent, ui.TreeLast, v.TurnNumber, v.StepName, marker)
		}
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Create sessions from JSON files",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		for _, path := range args {
			// #nosec G304 -- operator-supplied session file
			data, err := os.ReadFile(path)
			if err != nil {
				fatalErr(err)
			}
			var s types.Session
			if err := json.Unmarshal(data, &s); err != nil {
				FatalError("%s: %v", path, err)
			}
			if s.TenantID == "" {
				s.TenantID = tenant
			}
			if err := store.CreateSession(ctx, &s); err != nil {
				fatalErr(err)
			}
			markWrite("import session " + s.ID)
			fmt.Printf("%s session %s imported\n", ui.RenderPassIcon(), s.ID)
		}
	},
}

var sessionVisitCmd = &cobra.Command{
	Use:   "visit <session-id> <step-id>",
	Short: "Append a step visit to a session's history",
	Long: `Append a step visit to a session's history.

The step is resolved against the session's active scenario version, so the
recorded content hash and checkpoint flag match what the customer saw.
History is append-only.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		s, err := store.GetSession(ctx, args[0])
		if err != nil {
			fatalErr(err)
		}
		g, err := store.GetScenario(ctx, s.TenantID, s.ActiveScenarioID, s.ActiveScenarioVersion)
		if err != nil {
			fatalErr(err)
		}
		step := g.Step(args[1])
		if step == nil {
			fatalErr(fmt.Errorf("step %s in %s v%d: %w", args[1], g.ScenarioID, g.Version, storage.ErrNotFound))
		}
		visit := types.StepVisit{
			StepID:                step.ID,
			StepName:              step.Name,
			ContentHash:           hashing.StepHash(step),
			IsCheckpoint:          step.IsCheckpoint,
			CheckpointDescription: step.CheckpointDescription,
			TurnNumber:            s.TurnCount,
			VisitedAt:             time.Now().UTC(),
		}
		if err := store.AppendStepVisit(ctx, s.ID, visit); err != nil {
			fatalErr(err)
		}
		markWrite(fmt.Sprintf("session %s visited %s", s.ID, step.ID))
		fmt.Printf("%s %s visited %s\n", ui.RenderPassIcon(), s.ID, step.Name)
	},
}

func init() {
	reconcileCmd.Flags().Bool("check", false, "Only report whether reconciliation is needed")

	sessionCmd.AddCommand(sessionShowCmd, sessionImportCmd, sessionVisitCmd)
	rootCmd.AddCommand(reconcileCmd, sessionCmd)
}
