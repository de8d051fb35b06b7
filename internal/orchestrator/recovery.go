package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucasnoah/autopr/internal/events"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// RecoveryReport summarises what Recover did.
type RecoveryReport struct {
	Requeued []string `json:"requeued"`
	Failed   []string `json:"failed"`
	Skipped  []string `json:"skipped"`
}

// Recover reconciles items left active by a previous process. Items in
// pending or intake are fetched again and enqueued; items interrupted mid-run
// are failed so they can be retried by hand; items awaiting clarification are
// left alone.
func (o *Orchestrator) Recover(ctx context.Context, q *Queue) (*RecoveryReport, error) {
	states, err := o.machine.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active states: %w", err)
	}
	report := &RecoveryReport{}
	for i := range states {
		st := &states[i]
		switch st.Stage {
		case pipeline.StagePending, pipeline.StageIntake:
			action := pipeline.ActionOpened
			if st.Stage == pipeline.StageIntake {
				action = pipeline.ActionEdited
			}
			if err := o.requeue(ctx, q, st.ID, action); err != nil {
				o.logger.Warn("could not requeue item", "issue_id", st.ID, "error", err)
				report.Skipped = append(report.Skipped, st.ID)
				continue
			}
			report.Requeued = append(report.Requeued, st.ID)

		case pipeline.StageProvisioning, pipeline.StageImplementation, pipeline.StagePRCreation:
			msg := fmt.Sprintf("%s: interrupted by restart", st.Stage)
			if _, err := o.advance(ctx, st, pipeline.StageFailed, map[string]any{"error": msg}); err != nil {
				o.logger.Warn("could not fail interrupted item", "issue_id", st.ID, "error", err)
				report.Skipped = append(report.Skipped, st.ID)
				continue
			}
			o.emit(ctx, events.Failure(st.ID, st.Repository, st.Stage, errors.New("interrupted by restart")))
			report.Failed = append(report.Failed, st.ID)

		default:
			report.Skipped = append(report.Skipped, st.ID)
		}
	}
	o.logger.Info("recovery finished",
		"requeued", len(report.Requeued),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped),
	)
	return report, nil
}

func (o *Orchestrator) requeue(ctx context.Context, q *Queue, id string, action pipeline.Action) error {
	owner, repo, number, err := pipeline.ParseID(id)
	if err != nil {
		return err
	}
	issue, err := o.gh.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("fetch issue: %w", err)
	}
	return q.Enqueue(issue.WorkItem(owner, repo, action))
}
