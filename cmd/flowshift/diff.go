package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/graphdiff"
	"github.com/steveyegge/flowshift/internal/scenario"
	"github.com/steveyegge/flowshift/internal/ui"
)

var diffCmd = &cobra.Command{
	Use:         "diff <old-file> <new-file>",
	Short:       "Show the transformation map between two scenario versions",
	GroupID:     "scenarios",
	Args:        cobra.ExactArgs(2),
	Annotations: noStore,
	Run: func(cmd *cobra.Command, args []string) {
		v1, err := scenario.LoadFile(args[0])
		if err != nil {
			fatalErr(err)
		}
		v2, err := scenario.LoadFile(args[1])
		if err != nil {
			fatalErr(err)
		}
		m, err := graphdiff.New(logger).Diff(v1, v2)
		if err != nil {
			fatalErr(err)
		}
		if jsonOutput {
			outputJSON(m)
			return
		}
		fmt.Printf("%s v%d → v%d\n", ui.RenderAccent(v2.ScenarioID), v1.Version, v2.Version)
		ui.PrintTransformation(os.Stdout, m)
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
