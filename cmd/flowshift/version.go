package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is the current version of flowshift (overridden by ldflags at build time)
	Version = "0.1.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
	// Commit is the git revision the binary was built from (optional ldflag)
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:         "version",
	Short:       "Print version information",
	GroupID:     "setup",
	Annotations: noStore,
	Run: func(cmd *cobra.Command, args []string) {
		commit := resolveCommitHash()
		if jsonOutput {
			outputJSON(map[string]string{
				"version": Version,
				"build":   Build,
				"commit":  commit,
			})
			return
		}
		if commit != "" {
			fmt.Printf("flowshift version %s (%s: %s)\n", Version, Build, commit)
			return
		}
		fmt.Printf("flowshift version %s (%s)\n", Version, Build)
	},
}

func resolveCommitHash() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
				return setting.Value[:12]
			}
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
