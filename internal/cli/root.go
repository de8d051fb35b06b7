package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// configFile is the --config flag shared by every command.
var configFile string

var rootCmd = &cobra.Command{
	Use:   "autopr",
	Short: "Turn GitHub issues into pull requests",
	Long: `autopr receives GitHub issue events, classifies each issue, asks the author
for clarification when it is incomplete, and otherwise provisions a workspace,
runs a coding tool against it and opens a pull request with the result.

Configuration is read from --config, ./autopr.yaml or ~/.autopr/config.yaml,
with AUTOPR_* environment variables taking precedence.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(configCmd)
}
