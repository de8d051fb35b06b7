package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autopr/internal/workspace"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage provisioned workspaces",
}

var workspaceCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove workspaces older than the retention window",
	Long: `Remove workspace directories last modified before workspace.retention_days.
Workspaces that belong to an active work item are never removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log, cmd.ErrOrStderr())
		machine, cleanup, err := openMachine(cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		active, err := machine.ListActive(cmd.Context())
		if err != nil {
			return fmt.Errorf("list active states: %w", err)
		}
		var protected []string
		for _, st := range active {
			protected = append(protected, st.WorkspacePath)
		}

		prov := workspace.NewProvisioner(&workspace.ExecGit{}, nil,
			workspace.OptionsFromConfig(cfg.Workspace, cfg.GitHub, cfg.Knowledge), logger)
		retention := cfg.Workspace.Retention()

		if dryRun {
			expired, err := prov.Expired(cmd.Context(), retention, protected)
			if err != nil {
				return err
			}
			for _, path := range expired {
				fmt.Fprintf(cmd.OutOrStdout(), "would remove %s\n", path)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d workspace(s) expired under %s\n", len(expired), prov.BasePath())
			return nil
		}

		removed, err := prov.Cleanup(cmd.Context(), retention, protected)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d workspace(s).\n", removed)
		return nil
	},
}

func init() {
	workspaceCleanupCmd.Flags().Bool("dry-run", false, "List expired workspaces without removing them")
	workspaceCmd.AddCommand(workspaceCleanupCmd)
}
