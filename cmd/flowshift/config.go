package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/flowshift/internal/config"
)

var configCmd = &cobra.Command{
	Use:         "config",
	GroupID:     "setup",
	Short:       "Manage configuration settings",
	Annotations: noStore,
	Long: `Manage flowshift configuration.

Values resolve in this order: flags, FLOWSHIFT_* environment variables,
.flowshift/config.yaml (nearest ancestor), ~/.config/flowshift/config.yaml,
built-in defaults. 'config set' writes the project config.yaml.`,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in .flowshift/config.yaml",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		key, value := args[0], args[1]
		if !isKnownKey(key) {
			WarnError("%s is not a known flowshift key", key)
		}
		path, err := config.SetYamlConfig(key, value)
		if err != nil {
			FatalError("%v", err)
		}
		if jsonOutput {
			outputJSON(map[string]string{"key": key, "value": value, "file": path})
			return
		}
		fmt.Printf("Set %s = %s (in %s)\n", key, value, path)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		value := config.GetString(key)
		if jsonOutput {
			outputJSON(map[string]string{"key": key, "value": value})
			return
		}
		if value == "" && !isKnownKey(key) {
			fmt.Printf("%s (not set)\n", key)
			return
		}
		fmt.Println(value)
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all configuration",
	Run: func(cmd *cobra.Command, args []string) {
		v := config.Viper()
		keys := v.AllKeys()
		sort.Strings(keys)

		cfg := make(map[string]string, len(keys))
		for _, k := range keys {
			cfg[k] = fmt.Sprint(v.Get(k))
			if strings.Contains(k, "password") || strings.Contains(k, "api-key") {
				if cfg[k] != "" {
					cfg[k] = "********"
				}
			}
		}
		if jsonOutput {
			outputJSON(cfg)
			return
		}
		if used := config.ConfigFileUsed(); used != "" {
			fmt.Printf("Config file: %s\n", used)
		}
		fmt.Println("\nConfiguration:")
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, cfg[k])
		}
	},
}

func isKnownKey(key string) bool {
	for _, k := range config.Viper().AllKeys() {
		if k == strings.ToLower(key) {
			return true
		}
	}
	return false
}

func init() {
	configCmd.AddCommand(configSetCmd, configGetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}
