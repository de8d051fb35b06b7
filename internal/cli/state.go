package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair pipeline state",
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List work items (active ones unless --stage is given)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		machine, cleanup, err := openMachine(cfg, discardLogger())
		if err != nil {
			return err
		}
		defer cleanup()

		var states []pipeline.State
		if name, _ := cmd.Flags().GetString("stage"); name != "" {
			stage, err := pipeline.ParseStage(name)
			if err != nil {
				return err
			}
			states, err = machine.ListByStage(cmd.Context(), stage)
			if err != nil {
				return fmt.Errorf("list states: %w", err)
			}
		} else {
			states, err = machine.ListActive(cmd.Context())
			if err != nil {
				return fmt.Errorf("list states: %w", err)
			}
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if states == nil {
				states = []pipeline.State{}
			}
			return writeJSON(cmd, states)
		}

		if len(states) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No work items found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ISSUE\tSTAGE\tVERSION\tUPDATED\tERROR")
		for _, st := range states {
			msg := st.Error
			if len(msg) > 60 {
				n := 57
				for n > 0 && !utf8.RuneStart(msg[n]) {
					n--
				}
				msg = msg[:n] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				st.ID, st.Stage, st.Version, st.UpdatedAt.Format(time.RFC3339), msg)
		}
		return w.Flush()
	},
}

var stateGetCmd = &cobra.Command{
	Use:   "get <owner/repo#number>",
	Short: "Show a work item's state and history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, _, err := pipeline.ParseID(args[0]); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		machine, cleanup, err := openMachine(cfg, discardLogger())
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := machine.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Issue:      %s\n", st.ID)
		fmt.Fprintf(out, "Stage:      %s (version %d)\n", st.Stage, st.Version)
		if st.Classification != nil {
			c := st.Classification
			fmt.Fprintf(out, "Class:      %s, completeness %d/5, confidence %.2f\n", c.IssueType, c.CompletenessScore, c.Confidence)
		}
		if st.WorkspacePath != "" {
			fmt.Fprintf(out, "Workspace:  %s\n", st.WorkspacePath)
		}
		if st.PullRequest != nil {
			fmt.Fprintf(out, "PR:         #%d %s\n", st.PullRequest.Number, st.PullRequest.URL)
		}
		if st.Error != "" {
			fmt.Fprintf(out, "Error:      %s\n", st.Error)
		}
		fmt.Fprintln(out, "\nHistory:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, tr := range st.History {
			fmt.Fprintf(w, "  %s\t%s -> %s\n", tr.Timestamp.Format(time.RFC3339), tr.From, tr.To)
		}
		return w.Flush()
	},
}

var stateRetryCmd = &cobra.Command{
	Use:   "retry <owner/repo#number>",
	Short: "Move a failed work item back to pending and run it again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.orch.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", res.IssueID, res.Action, res.Stage)
		if res.PullRequest != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Pull request: %s\n", res.PullRequest.URL)
		}
		return nil
	},
}

var stateFailCmd = &cobra.Command{
	Use:   "fail <owner/repo#number>",
	Short: "Mark a work item as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer a.close()

		st, err := a.orch.MarkFailed(cmd.Context(), args[0], reason)
		if err != nil {
			return fmt.Errorf("fail %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s marked failed: %s\n", st.ID, st.Error)
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	stateListCmd.Flags().String("stage", "", "Only list items in this stage")
	stateListCmd.Flags().String("format", "text", "Output format: text or json")
	stateGetCmd.Flags().String("format", "text", "Output format: text or json")
	stateFailCmd.Flags().String("reason", "failed manually", "Reason recorded on the item")

	stateCmd.AddCommand(stateListCmd)
	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateRetryCmd)
	stateCmd.AddCommand(stateFailCmd)
}
