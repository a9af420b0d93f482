package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/audit"
	"github.com/steveyegge/flowshift/internal/config"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/storage/factory"
	"github.com/steveyegge/flowshift/internal/timeparsing"
	"github.com/steveyegge/flowshift/internal/types"
	"github.com/steveyegge/flowshift/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:     "audit",
	Short:   "Inspect the migration and model-call audit trail",
	GroupID: "migrations",
}

var auditShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show every migration applied to a session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		recs, err := sessionMigrations(args[0])
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			outputJSON(recs)
			return
		}
		if len(recs) == 0 {
			fmt.Printf("No migrations recorded for %s.\n", args[0])
			return
		}
		for _, r := range recs {
			line := fmt.Sprintf("%s v%d → v%d %s", r.CreatedAt.Format("2006-01-02 15:04:05"), r.FromVersion, r.ToVersion, ui.RenderAction(r.Action))
			if r.TargetStepID != "" {
				line += " → " + r.TargetStepID
			}
			if r.Scenario != "" {
				line += ui.RenderMuted(" (" + string(r.Scenario) + ")")
			}
			fmt.Println(line)
			for field, src := range r.GapFilled {
				fmt.Printf("%s%s%s from %s\n", ui.TreeIndent, ui.TreeLast, field, src)
			}
			if r.BlockedByCheckpoint {
				fmt.Printf("%s%s blocked by checkpoint\n", ui.TreeIndent, ui.RenderWarnIcon())
			}
			if r.ErrorKind != "" {
				fmt.Printf("%s%s\n", ui.TreeIndent, ui.RenderMuted("recovered from "+r.ErrorKind))
			}
		}
	},
}

var auditLogCmd = &cobra.Command{
	Use:         "log",
	Short:       "Print entries of the JSONL audit file",
	Args:        cobra.NoArgs,
	Annotations: noStore,
	Run: func(cmd *cobra.Command, args []string) {
		kind, _ := cmd.Flags().GetString("kind")
		session, _ := cmd.Flags().GetString("session")
		since, until := timeFlag(cmd, "since"), timeFlag(cmd, "until")
		entries, err := audit.Read(auditPath(), func(e *audit.Entry) bool {
			if (kind != "" && e.Kind != kind) || (session != "" && e.SessionID != session) {
				return false
			}
			if !since.IsZero() && e.CreatedAt.Before(since) {
				return false
			}
			return until.IsZero() || !e.CreatedAt.After(until)
		})
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			outputJSON(entries)
			return
		}
		for _, e := range entries {
			detail := e.Status
			switch e.Kind {
			case audit.KindLLMCall:
				detail = e.Model
				if e.Error != "" {
					detail += " " + ui.RenderFail(e.Error)
				}
			case audit.KindMigration:
				if e.Migration != nil {
					detail = string(e.Migration.Action)
				}
			case audit.KindLabel:
				detail = e.Label + " on " + e.ParentID
			}
			fmt.Printf("%s %s %-10s %s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), ui.RenderMuted(e.ID), e.Kind, firstNonEmpty(e.SessionID, e.PlanID), detail)
		}
	},
}

var auditLabelCmd = &cobra.Command{
	Use:         "label <entry-id> <label>",
	Short:       "Attach a review label (e.g. good, bad) to an audit entry",
	Args:        cobra.ExactArgs(2),
	Annotations: noStore,
	Run: func(cmd *cobra.Command, args []string) {
		reason, _ := cmd.Flags().GetString("reason")
		id, err := audit.New(auditPath()).Append(&audit.Entry{
			Kind:     audit.KindLabel,
			Actor:    getActor(),
			ParentID: args[0],
			Label:    args[1],
			Reason:   reason,
		})
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"id": id})
			return
		}
		fmt.Printf("%s labeled %s as %s\n", ui.RenderPassIcon(), args[0], args[1])
	},
}

// sessionMigrations prefers a persistent store's audit table and falls back
// to the JSONL file.
func sessionMigrations(sessionID string) ([]*types.MigrationAuditRecord, error) {
	if r, ok := backendStore.(storage.AuditReader); ok && config.GetString("backend") != factory.BackendMemory {
		return r.MigrationsForSession(rootCtx, sessionID)
	}
	entries, err := audit.Read(auditPath(), func(e *audit.Entry) bool {
		return e.Kind == audit.KindMigration && e.SessionID == sessionID && e.Migration != nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.MigrationAuditRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Migration)
	}
	return out, nil
}

// timeFlag parses a --since/--until style flag; unset yields the zero time.
func timeFlag(cmd *cobra.Command, name string) time.Time {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}
	}
	t, err := timeparsing.Parse(raw, time.Now())
	if err != nil {
		FatalErrorWithHint(fmt.Sprintf("--%s: %v", name, err), "use -2d, 2026-01-31 or a phrase like \"last monday\"")
	}
	return t
}

func auditPath() string {
	if auditLog != nil {
		return auditLog.Path()
	}
	return config.GetString("audit.path")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func init() {
	auditLogCmd.Flags().String("kind", "", "Only entries of this kind (migration, llm_call, plan, label)")
	auditLogCmd.Flags().String("session", "", "Only entries for this session")
	auditLogCmd.Flags().String("since", "", "Only entries at or after this time (-2d, 2026-01-31, yesterday)")
	auditLogCmd.Flags().String("until", "", "Only entries at or before this time")
	auditLabelCmd.Flags().String("reason", "", "Why the label applies")

	auditCmd.AddCommand(auditShowCmd, auditLogCmd, auditLabelCmd)
	rootCmd.AddCommand(auditCmd)
}
