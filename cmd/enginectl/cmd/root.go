// Package cmd implements the enginectl CLI commands.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var ctlViper = viper.New()

var rootCmd = &cobra.Command{
	Use:   "enginectl",
	Short: "Control sessions on a streaming engine",
	Long: `enginectl talks to a running engine's Owner API over HTTP to open,
pause, resume, seek, and close streaming sessions.

Configuration is primarily via flags, with environment variable fallback:
  ENGINECTL_ENGINE_URL  - base URL of the engine (default http://localhost:8080)`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("engine-url", "http://localhost:8080", "base URL of the engine")
	_ = ctlViper.BindPFlag("engine_url", rootCmd.PersistentFlags().Lookup("engine-url"))
}

func initConfig() {
	ctlViper.SetEnvPrefix("ENGINECTL")
	ctlViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	ctlViper.AutomaticEnv()
	ctlViper.SetDefault("engine_url", "http://localhost:8080")
}

func engineURL() string {
	return strings.TrimRight(ctlViper.GetString("engine_url"), "/")
}
