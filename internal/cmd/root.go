// Package cmd implements the flotilla command-line interface.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahoyland/flotilla/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "flotilla",
	Short: "Concurrent coding-agent task runner with branch reconciliation",
	Long: `Flotilla runs many autonomous coding-agent tasks concurrently, each
confined to an isolated git worktree and branch, then reconciles the
divergent histories back onto a shared target branch: structured entity
logs merge automatically, everything else is flagged for a human.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/flotilla/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/flotilla")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("FLOTILLA")
	// Replace dots with underscores for nested keys in env vars
	// e.g., FLOTILLA_ENGINE_MAX_CONCURRENT for engine.max_concurrent
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
