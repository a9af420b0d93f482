package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/lockfile"
	"github.com/steveyegge/flowshift/internal/scenario"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/types"
	"github.com/steveyegge/flowshift/internal/ui"
)

// watchLockName is created inside a watched directory; one watcher per directory.
const watchLockName = ".flowshift-watch.lock"

var scenarioCmd = &cobra.Command{
	Use:     "scenario",
	Short:   "Import and inspect scenario versions",
	GroupID: "scenarios",
}

var scenarioImportCmd = &cobra.Command{
	Use:   "import <file>...",
	Short: "Store scenario versions from YAML, TOML or JSON files",
	Long: `Store scenario versions from YAML, TOML or JSON files.

Stored versions are immutable. Re-importing an identical version is a no-op;
importing different content under an existing version number fails.

With --plan, a PENDING migration plan is generated from the previous stored
version to each newly imported one.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withPlan, _ := cmd.Flags().GetBool("plan")
		ctx := rootCtx

		var reports []importReport
		for _, path := range args {
			rep, err := importFile(ctx, path, withPlan)
			if err != nil {
				fatalErr(err)
			}
			reports = append(reports, rep)
		}
		if jsonOutput {
			outputJSON(reports)
			return
		}
		for _, rep := range reports {
			printImport(rep)
		}
	},
}

var scenarioWatchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Import new scenario versions as they appear in a directory",
	Long: `Watch a directory and import every scenario file created or written in it.

Each newly imported version gets a PENDING migration plan from the previous
stored version. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		debounce, _ := cmd.Flags().GetDuration("debounce")
		dir := args[0]

		lock, err := lockfile.Acquire(filepath.Join(dir, watchLockName), lockfile.Info{
			Command: "scenario watch",
			Target:  dir,
		})
		if err != nil {
			if errors.Is(err, lockfile.ErrLockBusy) {
				FatalErrorWithHint(err.Error(), "another flowshift process is already watching "+dir)
			}
			fatalErr(err)
		}
		defer func() { _ = lock.Release() }()

		fmt.Fprintf(os.Stderr, "Watching %s for scenario changes. Press Ctrl+C to exit.\n", dir)
		err = scenario.Watch(rootCtx, dir, debounce, logger, func(ctx context.Context, paths []string) {
			wrote := false
			for _, path := range paths {
				rep, err := importFile(ctx, path, true)
				if err != nil {
					logger.Warn("scenario import failed", "path", path, "error", err)
					continue
				}
				wrote = wrote || rep.Imported
				printImport(rep)
			}
			if wrote {
				if err := commitStore(ctx, "flowshift scenario watch"); err != nil {
					logger.Warn("commit failed", "error", err)
				}
			}
		})
		if err != nil {
			fatalErr(err)
		}
	},
}

var scenarioVersionsCmd = &cobra.Command{
	Use:   "versions <scenario-id>",
	Short: "List stored versions of a scenario",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		versions, err := store.ListVersions(ctx, tenant, args[0])
		if err != nil {
			fatalErr(err)
		}
		if len(versions) == 0 {
			fatalErr(fmt.Errorf("scenario %s: %w", args[0], storage.ErrNotFound))
		}

		type row struct {
			Version  int    `json:"version"`
			Checksum string `json:"checksum"`
			Steps    int    `json:"steps"`
		}
		rows := make([]row, 0, len(versions))
		for _, v := range versions {
			g, err := store.GetScenario(ctx, tenant, args[0], v)
			if err != nil {
				fatalErr(err)
			}
			rows = append(rows, row{Version: v, Checksum: hashing.GraphChecksum(g), Steps: len(g.Steps)})
		}
		if jsonOutput {
			outputJSON(rows)
			return
		}
		for i, r := range rows {
			live := ""
			if i == len(rows)-1 {
				live = ui.RenderPass(" live")
			}
			fmt.Printf("v%-4d %s %3d steps%s\n", r.Version, ui.RenderMuted(r.Checksum), r.Steps, live)
		}
	},
}

var scenarioShowCmd = &cobra.Command{
	Use:   "show <scenario-id>",
	Short: "Print a stored scenario version",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := rootCtx
		version, _ := cmd.Flags().GetInt("version")
		format, _ := cmd.Flags().GetString("format")

		var g *types.ScenarioGraph
		var err error
		if version > 0 {
			g, err = store.GetScenario(ctx, tenant, args[0], version)
		} else {
			g, err = store.GetLiveVersion(ctx, tenant, args[0])
		}
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			format = string(scenario.FormatJSON)
		}
		data, err := scenario.Marshal(g, scenario.Format(format))
		if err != nil {
			fatalErr(err)
		}
		fmt.Print(string(data))
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Println()
		}
	},
}

type importReport struct {
	Path       string `json:"path"`
	ScenarioID string `json:"scenario_id"`
	Version    int    `json:"version"`
	Imported   bool   `json:"imported"`
	PlanID     string `json:"plan_id,omitempty"`
	FromVer    int    `json:"plan_from_version,omitempty"`
}

// importFile stores one scenario file and optionally plans the migration to it.
func importFile(ctx context.Context, path string, withPlan bool) (importReport, error) {
	rep := importReport{Path: path}
	g, err := scenario.LoadFile(path)
	if err != nil {
		return rep, err
	}
	if g.TenantID == "" {
		g.TenantID = tenant
	}
	rep.ScenarioID, rep.Version = g.ScenarioID, g.Version

	rep.Imported, err = scenario.Import(ctx, store, g)
	if err != nil {
		return rep, err
	}
	if rep.Imported {
		markWrite(fmt.Sprintf("import scenario %s v%d", g.ScenarioID, g.Version))
	}
	if !withPlan || !rep.Imported {
		return rep, nil
	}

	prev, err := previousVersion(ctx, g)
	if errors.Is(err, storage.ErrNotFound) {
		return rep, nil
	}
	if err != nil {
		return rep, err
	}
	plan, err := planner().GeneratePlan(ctx, g.TenantID, g.ScenarioID, prev, g.Version)
	if err != nil {
		return rep, fmt.Errorf("plan v%d → v%d: %w", prev, g.Version, err)
	}
	rep.PlanID, rep.FromVer = plan.ID, prev
	return rep, nil
}

// previousVersion returns the highest stored version below g's.
func previousVersion(ctx context.Context, g *types.ScenarioGraph) (int, error) {
	versions, err := store.ListVersions(ctx, g.TenantID, g.ScenarioID)
	if err != nil {
		return 0, err
	}
	i, _ := slices.BinarySearch(versions, g.Version)
	if i == 0 {
		return 0, fmt.Errorf("no version before v%d: %w", g.Version, storage.ErrNotFound)
	}
	return versions[i-1], nil
}

func printImport(rep importReport) {
	if !rep.Imported {
		fmt.Printf("%s %s v%d unchanged %s\n", ui.RenderSkipIcon(), rep.ScenarioID, rep.Version, ui.RenderMuted(rep.Path))
		return
	}
	fmt.Printf("%s %s v%d imported %s\n", ui.RenderPassIcon(), rep.ScenarioID, rep.Version, ui.RenderMuted(rep.Path))
	if rep.PlanID != "" {
		fmt.Printf("%s%splan %s (v%d → v%d) pending review\n", ui.TreeIndent, ui.TreeLast, rep.PlanID, rep.FromVer, rep.Version)
	}
}

func init() {
	scenarioImportCmd.Flags().Bool("plan", false, "Generate a migration plan from the previous version")
	scenarioWatchCmd.Flags().Duration("debounce", scenario.DefaultDebounce, "Quiet period before importing changed files")
	scenarioShowCmd.Flags().Int("version", 0, "Version to show (default: live)")
	scenarioShowCmd.Flags().String("format", string(scenario.FormatYAML), "Output format: yaml, toml or json")

	scenarioCmd.AddCommand(scenarioImportCmd, scenarioWatchCmd, scenarioVersionsCmd, scenarioShowCmd)
	rootCmd.AddCommand(scenarioCmd)
}
