package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autopr/internal/knowledge"
)

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Print the knowledge context a workspace would receive for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Knowledge.Enabled() {
			return fmt.Errorf("no knowledge layer configured (set knowledge.vector_url or knowledge.graph_url)")
		}
		if limit <= 0 {
			limit = cfg.Knowledge.Limit
		}

		kp := knowledge.New(cfg.Knowledge, newLogger(cfg.Log, cmd.ErrOrStderr()))
		out := kp.CombinedContext(cmd.Context(), strings.Join(args, " "), limit)
		if out == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No context found.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	contextCmd.Flags().Int("limit", 0, "Maximum semantic hits (defaults to knowledge.limit)")
}
