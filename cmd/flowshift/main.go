package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/config"
	"github.com/steveyegge/flowshift/internal/debug"
	"github.com/steveyegge/flowshift/internal/telemetry"
)

var (
	configPath string
	actor      string
	tenant     string
	backend    string
	jsonOutput bool

	verboseFlag bool
	quietFlag   bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc

	logger *slog.Logger

	// commandDidWrite is set by commands that changed stored state. The Dolt
	// backend is committed after such commands.
	commandDidWrite atomic.Bool
	commitMessage   string
)

// annotationNoStore marks commands (and their children) that run without a store.
const annotationNoStore = "flowshift/no-store"

func needsStore(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationNoStore] == "true" {
			return false
		}
		switch c.Name() {
		case "help", "completion", "__complete":
			return false
		}
	}
	return true
}

var noStore = map[string]string{annotationNoStore: "true"}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .flowshift/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "", "Actor name for the audit trail (default: $FLOWSHIFT_ACTOR, $USER)")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "Tenant ID (default: config key tenant)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "Storage backend: memory or dolt (default: config key backend)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddGroup(&cobra.Group{ID: "scenarios", Title: "Scenarios:"})
	rootCmd.AddGroup(&cobra.Group{ID: "migrations", Title: "Migrations:"})
	rootCmd.AddGroup(&cobra.Group{ID: "setup", Title: "Setup & Configuration:"})
}

var rootCmd = &cobra.Command{
	Use:           "flowshift",
	Short:         "flowshift - migrate live conversations between scenario versions",
	Long:          `Plan, approve and deploy migrations of in-flight customer sessions when a scenario graph changes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("flowshift version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupSignalContext()
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)

		if configPath != "" {
			if err := config.InitializeFile(configPath); err != nil {
				return err
			}
		}
		if backend != "" {
			config.Set("backend", backend)
		}
		if tenant == "" {
			tenant = config.GetString("tenant")
		}

		logger = debug.NewLogger(os.Stderr, config.GetString("log.level"), config.GetBool("log.json"))
		slog.SetDefault(logger)

		if err := telemetry.Init(rootCtx, "flowshift", Version); err != nil {
			WarnError("telemetry disabled: %v", err)
		}

		if !needsStore(cmd) {
			return nil
		}
		return openStore(rootCtx)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if commandDidWrite.Load() {
			msg := commitMessage
			if msg == "" {
				msg = "flowshift " + cmd.CommandPath()
			}
			if err := commitStore(context.Background(), msg); err != nil {
				FatalError("dolt commit failed: %v", err)
			}
		}
		closeStore()
		telemetry.Shutdown(context.Background())
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// markWrite records that the command changed stored state.
func markWrite(message string) {
	commandDidWrite.Store(true)
	if commitMessage == "" {
		commitMessage = message
	}
}

// getActor returns the actor for audit trails.
// Priority: --actor flag > FLOWSHIFT_ACTOR env > $USER > "unknown"
func getActor() string {
	if actor != "" {
		return actor
	}
	if a := os.Getenv("FLOWSHIFT_ACTOR"); a != "" {
		return a
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatalErr(err)
	}
}
