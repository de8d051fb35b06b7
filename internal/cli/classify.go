package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/autopr/internal/classifier"
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify an issue without touching any state",
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		body, _ := cmd.Flags().GetString("body")
		labels, _ := cmd.Flags().GetStringSlice("label")
		if title == "" {
			return fmt.Errorf("--title is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		llm, err := classifier.NewLLM(cfg.Classifier)
		if err != nil {
			return err
		}
		cls := classifier.New(llm, newLogger(cfg.Log, cmd.ErrOrStderr())).Classify(cmd.Context(), title, body, labels)
		if err := writeJSON(cmd, cls); err != nil {
			return err
		}
		if cls.NeedsClarification() {
			fmt.Fprintln(cmd.ErrOrStderr(), "Issue would be sent for clarification:")
			fmt.Fprint(cmd.ErrOrStderr(), classifier.FormatClarificationComment(cls.ClarificationQuestions))
		}
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("title", "", "Issue title")
	classifyCmd.Flags().String("body", "", "Issue body")
	classifyCmd.Flags().StringSlice("label", nil, "Issue label (repeatable)")
}
