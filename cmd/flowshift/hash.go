package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/hashing"
	"github.com/steveyegge/flowshift/internal/scenario"
	"github.com/steveyegge/flowshift/internal/ui"
)

var hashCmd = &cobra.Command{
	Use:         "hash <scenario-file>",
	Short:       "Print step content hashes and the graph checksum",
	GroupID:     "scenarios",
	Args:        cobra.ExactArgs(1),
	Annotations: noStore,
	Run: func(cmd *cobra.Command, args []string) {
		g, err := scenario.LoadFile(args[0])
		if err != nil {
			fatalErr(err)
		}
		hashes := hashing.HashGraph(g)
		checksum := hashing.GraphChecksum(g)

		if jsonOutput {
			outputJSON(map[string]any{
				"scenario_id": g.ScenarioID,
				"version":     g.Version,
				"checksum":    checksum,
				"steps":       hashes,
			})
			return
		}

		fmt.Printf("%s v%d  %s\n", ui.RenderAccent(g.ScenarioID), g.Version, ui.RenderMuted("checksum "+checksum))
		for _, s := range g.Steps {
			fmt.Printf("%s%-24s %s\n", ui.TreeIndent, s.ID, hashes[s.ID])
		}
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
}
