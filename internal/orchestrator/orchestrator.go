package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/lucasnoah/autopr/internal/events"
	"github.com/lucasnoah/autopr/internal/github"
	"github.com/lucasnoah/autopr/internal/pipeline"
	"github.com/lucasnoah/autopr/internal/runner"
	"github.com/lucasnoah/autopr/internal/workspace"
)

// maxConflictRetries bounds how often a write is retried after a version
// conflict while the item is still in the expected stage.
const maxConflictRetries = 3

// ErrSuperseded means another worker moved the item on and this run stopped.
var ErrSuperseded = errors.New("item advanced by another worker")

// Classifier produces a classification for an issue. It never fails.
type Classifier interface {
	Classify(ctx context.Context, title, body string, labels []string) pipeline.Classification
}

// Clarifier keeps the clarification comment and label in step with a classification.
type Clarifier interface {
	Update(ctx context.Context, owner, repo string, number int, cls *pipeline.Classification) (bool, error)
}

// Provisioner builds the workspace for an item.
type Provisioner interface {
	Provision(ctx context.Context, item *pipeline.WorkItem, cls *pipeline.Classification) (*workspace.Workspace, error)
}

// Runner executes the coding tool.
type Runner interface {
	Run(ctx context.Context, workspace, taskFile string, timeout time.Duration, onOutput runner.OutputFunc) (*runner.Result, error)
}

// Publisher commits and pushes the workspace changes.
type Publisher interface {
	Publish(ctx context.Context, dir, branch, message string) error
}

// GitHub is the part of the collaboration client the pipeline drives.
type GitHub interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, error)
	CreatePullRequest(ctx context.Context, owner, repo string, req github.PullRequestRequest) (*github.PullRequest, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Machine     *pipeline.Machine
	Classifier  Classifier
	Clarifier   Clarifier
	Provisioner Provisioner
	Runner      Runner
	Publisher   Publisher
	GitHub      GitHub
	Events      events.Emitter
	Output      *OutputHub
}

// Options tune pull request creation and execution.
type Options struct {
	BaseBranch string
	PRLabels   []string
	Reviewers  []string
	// RunTimeout is passed to the runner; zero uses the runner's default.
	RunTimeout time.Duration
}

// Orchestrator drives work items through the pipeline stages.
type Orchestrator struct {
	machine     *pipeline.Machine
	classifier  Classifier
	clarifier   Clarifier
	provisioner Provisioner
	runner      Runner
	publisher   Publisher
	gh          GitHub
	events      events.Emitter
	output      *OutputHub
	opts        Options
	logger      *slog.Logger

	locks keyedMutex
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NopEmitter{}
	}
	if deps.Output == nil {
		deps.Output = NewOutputHub(0)
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	return &Orchestrator{
		machine:     deps.Machine,
		classifier:  deps.Classifier,
		clarifier:   deps.Clarifier,
		provisioner: deps.Provisioner,
		runner:      deps.Runner,
		publisher:   deps.Publisher,
		gh:          deps.GitHub,
		events:      deps.Events,
		output:      deps.Output,
		opts:        opts,
		logger:      logger,
		locks:       keyedMutex{m: make(map[string]*lockEntry)},
	}
}

// Output returns the hub carrying live runner output.
func (o *Orchestrator) Output() *OutputHub { return o.output }

// Result describes what a Process call did.
type Result struct {
	IssueID     string                   `json:"issue_id"`
	Action      string                   `json:"action"` // "completed", "clarification", "failed", "ignored", "superseded"
	Stage       pipeline.Stage           `json:"stage"`
	PullRequest *pipeline.PullRequestRef `json:"pull_request,omitempty"`
	Message     string                   `json:"message,omitempty"`
}

// Process handles one inbound event for item. Stage failures are recorded on
// the item and reported through Result; the returned error is reserved for
// state store failures.
//
// The per-item lock covers only loading the state. Long-running steps hold no
// lock; concurrent runs for one item are settled by the store's version check
// and the loser reports "superseded".
func (o *Orchestrator) Process(ctx context.Context, item *pipeline.WorkItem) (*Result, error) {
	id := item.ID()
	unlock := o.locks.lock(id)
	st, err := o.ensure(ctx, item)
	unlock()
	if err != nil {
		return nil, err
	}
	log := o.logger.With("issue_id", id)

	switch st.Stage {
	case pipeline.StagePending:
		log.Info("starting pipeline", "action", item.Action)
		return o.run(ctx, item, st)

	case pipeline.StageIntake, pipeline.StageClarification:
		if item.Action == pipeline.ActionOpened {
			log.Info("item already tracked, ignoring opened event", "stage", st.Stage)
			return ignored(st, "already tracked"), nil
		}
		log.Info("re-classifying item", "action", item.Action, "stage", st.Stage)
		return o.classify(ctx, item, st)

	default:
		log.Info("ignoring event for item past clarification", "action", item.Action, "stage", st.Stage)
		return ignored(st, fmt.Sprintf("item is in %s", st.Stage)), nil
	}
}

// ensure returns the item's state, creating it in pending on first sight.
func (o *Orchestrator) ensure(ctx context.Context, item *pipeline.WorkItem) (*pipeline.State, error) {
	st, err := o.machine.Get(ctx, item.ID())
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return nil, fmt.Errorf("get state: %w", err)
	}
	st, err = o.machine.Create(ctx, item.ID(), item.Repository())
	if err != nil {
		return nil, err
	}
	if st.Version == 1 && len(st.History) == 0 {
		o.emit(ctx, events.Transition(st.ID, st.Repository, "", pipeline.StagePending, nil))
	}
	return st, nil
}

// run drives a pending item from intake onwards.
func (o *Orchestrator) run(ctx context.Context, item *pipeline.WorkItem, st *pipeline.State) (*Result, error) {
	st, err := o.advance(ctx, st, pipeline.StageIntake, map[string]any{"action": string(item.Action)})
	if err != nil {
		return o.abandon(st, err)
	}
	return o.classify(ctx, item, st)
}

// classify classifies an item in intake or clarification and routes it.
func (o *Orchestrator) classify(ctx context.Context, item *pipeline.WorkItem, st *pipeline.State) (*Result, error) {
	wasClarifying := st.Stage == pipeline.StageClarification

	cls := o.classifier.Classify(ctx, item.Title, item.Body, item.Labels)
	o.logger.Info("issue classified",
		"issue_id", st.ID,
		"issue_type", cls.IssueType,
		"completeness", cls.CompletenessScore,
		"confidence", cls.Confidence,
	)

	next, err := o.update(ctx, st, func(v int) (*pipeline.State, error) {
		return o.machine.SetClassification(ctx, st.ID, v, &cls)
	})
	if err != nil {
		return o.failOrAbandon(ctx, st, err)
	}
	st = next

	if cls.NeedsClarification() {
		if st.Stage != pipeline.StageClarification {
			st, err = o.advance(ctx, st, pipeline.StageClarification, map[string]any{"completeness_score": cls.CompletenessScore})
			if err != nil {
				return o.abandon(st, err)
			}
		}
		if _, err := o.clarifier.Update(ctx, item.Owner, item.Repo, item.Number, &cls); err != nil {
			return o.fail(ctx, st, err)
		}
		return &Result{IssueID: st.ID, Action: "clarification", Stage: st.Stage,
			Message: fmt.Sprintf("completeness %d/5, waiting for the author", cls.CompletenessScore)}, nil
	}

	if wasClarifying {
		if _, err := o.clarifier.Update(ctx, item.Owner, item.Repo, item.Number, &cls); err != nil {
			o.logger.Warn("failed to clear clarification label", "issue_id", st.ID, "error", err)
		}
	}
	return o.implement(ctx, item, st, &cls)
}

// implement runs provisioning, execution and pull request creation.
func (o *Orchestrator) implement(ctx context.Context, item *pipeline.WorkItem, st *pipeline.State, cls *pipeline.Classification) (*Result, error) {
	st, err := o.advance(ctx, st, pipeline.StageProvisioning, nil)
	if err != nil {
		return o.abandon(st, err)
	}
	ws, err := o.provisioner.Provision(ctx, item, cls)
	if err != nil {
		return o.fail(ctx, st, err)
	}
	next, err := o.update(ctx, st, func(v int) (*pipeline.State, error) {
		return o.machine.SetWorkspace(ctx, st.ID, v, ws.Path)
	})
	if err != nil {
		return o.failOrAbandon(ctx, st, err)
	}
	st = next

	st, err = o.advance(ctx, st, pipeline.StageImplementation, map[string]any{"workspace": ws.Path})
	if err != nil {
		return o.abandon(st, err)
	}
	res, err := o.execute(ctx, st, ws)
	if err != nil {
		return o.fail(ctx, st, err)
	}

	st, err = o.advance(ctx, st, pipeline.StagePRCreation, map[string]any{"duration_seconds": res.Duration.Seconds()})
	if err != nil {
		return o.abandon(st, err)
	}
	pr, err := o.openPullRequest(ctx, item, cls, ws, res)
	if err != nil {
		return o.fail(ctx, st, err)
	}
	ref := pr.Ref()
	next, err = o.update(ctx, st, func(v int) (*pipeline.State, error) {
		return o.machine.SetPullRequest(ctx, st.ID, v, *ref)
	})
	if err != nil {
		return o.failOrAbandon(ctx, st, err)
	}
	st = next

	st, err = o.advance(ctx, st, pipeline.StageCompleted, map[string]any{"pr_number": ref.Number, "pr_url": ref.URL})
	if err != nil {
		return o.abandon(st, err)
	}
	o.emit(ctx, events.Completion(st.ID, st.Repository, ref, st.UpdatedAt.Sub(intakeTime(st))))
	o.logger.Info("pipeline completed", "issue_id", st.ID, "pr_number", ref.Number, "pr_url", ref.URL)
	return &Result{IssueID: st.ID, Action: "completed", Stage: st.Stage, PullRequest: ref}, nil
}

// execute runs the coding tool, streaming its output to the hub.
func (o *Orchestrator) execute(ctx context.Context, st *pipeline.State, ws *workspace.Workspace) (*runner.Result, error) {
	o.output.Begin(st.ID)
	defer o.output.End(st.ID)

	res, err := o.runner.Run(ctx, ws.Path, ws.TaskFile, o.opts.RunTimeout, func(stream, line string) {
		o.output.Publish(st.ID, stream, line)
	})
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		o.emit(ctx, events.Timeout(st.ID, st.Repository, res.Timeout))
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	o.logger.Info("execution finished", "issue_id", st.ID, "duration", res.Duration)
	return res, nil
}

// openPullRequest publishes the primary repository and opens the pull request.
func (o *Orchestrator) openPullRequest(ctx context.Context, item *pipeline.WorkItem, cls *pipeline.Classification, ws *workspace.Workspace, res *runner.Result) (*github.PullRequest, error) {
	req := github.BuildPullRequest(item, cls, res.Stdout, o.opts.BaseBranch)
	req.Labels = o.opts.PRLabels
	req.Reviewers = o.opts.Reviewers

	message := fmt.Sprintf("%s\n\nCloses #%d", req.Title, item.Number)
	if err := o.publisher.Publish(ctx, filepath.Join(ws.Path, item.Repo), req.Head, message); err != nil {
		return nil, fmt.Errorf("publish branch %s: %w", req.Head, err)
	}
	return o.gh.CreatePullRequest(ctx, item.Owner, item.Repo, req)
}

// Retry moves a failed item back to pending and runs it again from the
// issue's current content.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Result, error) {
	owner, repo, number, err := pipeline.ParseID(id)
	if err != nil {
		return nil, err
	}
	st, err := o.machine.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if st.Stage != pipeline.StageFailed {
		return nil, fmt.Errorf("retry %s: item is %s, only failed items can be retried", id, st.Stage)
	}
	issue, err := o.gh.GetIssue(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("fetch issue: %w", err)
	}
	if _, err := o.advance(ctx, st, pipeline.StagePending, map[string]any{"reason": "manual retry", "previous_error": st.Error}); err != nil {
		return nil, fmt.Errorf("retry %s: %w", id, err)
	}
	o.logger.Info("item queued for retry", "issue_id", id)
	return o.Process(ctx, issue.WorkItem(owner, repo, pipeline.ActionOpened))
}

// MarkFailed fails an item by hand.
func (o *Orchestrator) MarkFailed(ctx context.Context, id, reason string) (*pipeline.State, error) {
	st, err := o.machine.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if reason == "" {
		reason = "failed manually"
	}
	msg := fmt.Sprintf("%s: %s", st.Stage, reason)
	next, err := o.advance(ctx, st, pipeline.StageFailed, map[string]any{"error": msg, "manual": true})
	if err != nil {
		return nil, err
	}
	o.emit(ctx, events.Failure(id, st.Repository, st.Stage, errors.New(reason)))
	return next, nil
}

// advance transitions st to stage to, retrying version conflicts while the
// item stays in the stage this run expects. On error the last known state is
// returned alongside it.
func (o *Orchestrator) advance(ctx context.Context, st *pipeline.State, to pipeline.Stage, details map[string]any) (*pipeline.State, error) {
	from := st.Stage
	next, err := o.update(ctx, st, func(v int) (*pipeline.State, error) {
		return o.machine.Transition(ctx, st.ID, to, v, details)
	})
	if err != nil {
		return st, err
	}
	o.emit(ctx, events.Transition(next.ID, next.Repository, from, to, details))
	return next, nil
}

// update applies a versioned write, re-reading and retrying on conflict.
func (o *Orchestrator) update(ctx context.Context, st *pipeline.State, write func(version int) (*pipeline.State, error)) (*pipeline.State, error) {
	cur := st
	for attempt := 0; ; attempt++ {
		next, err := write(cur.Version)
		if err == nil {
			return next, nil
		}
		conflict := errors.Is(err, pipeline.ErrVersionConflict)
		// Legality is checked before the version, so a move by another worker
		// can surface as an invalid transition.
		if !conflict && !errors.Is(err, pipeline.ErrInvalidTransition) {
			return nil, err
		}
		if conflict && attempt >= maxConflictRetries {
			return nil, err
		}
		fresh, gerr := o.machine.Get(ctx, cur.ID)
		if gerr != nil {
			return nil, fmt.Errorf("reload after conflict: %w", gerr)
		}
		if fresh.Stage != st.Stage {
			return nil, fmt.Errorf("%w: now %s", ErrSuperseded, fresh.Stage)
		}
		if !conflict {
			return nil, err
		}
		o.logger.Debug("version conflict, retrying", "issue_id", cur.ID, "expected", cur.Version, "stored", fresh.Version)
		cur = fresh
	}
}

// fail records a side-effect error on the item as "{stage}: {err}".
func (o *Orchestrator) fail(ctx context.Context, st *pipeline.State, cause error) (*Result, error) {
	stage := st.Stage
	msg := fmt.Sprintf("%s: %v", stage, cause)
	o.logger.Error("pipeline stage failed", "issue_id", st.ID, "stage", stage, "error", cause)

	// The failure is recorded even when the run's context is already cancelled.
	wctx := context.WithoutCancel(ctx)
	if _, err := o.advance(wctx, st, pipeline.StageFailed, map[string]any{"error": msg}); err != nil {
		if errors.Is(err, ErrSuperseded) {
			return &Result{IssueID: st.ID, Action: "superseded", Stage: stage, Message: err.Error()}, nil
		}
		return nil, fmt.Errorf("record failure of %s: %w", st.ID, err)
	}
	o.emit(wctx, events.Failure(st.ID, st.Repository, stage, cause))
	return &Result{IssueID: st.ID, Action: "failed", Stage: stage, Message: msg}, nil
}

// abandon reports a transition that could not be written. Losing a race to
// another worker is not a failure of the item.
func (o *Orchestrator) abandon(st *pipeline.State, err error) (*Result, error) {
	if errors.Is(err, ErrSuperseded) {
		o.logger.Info("abandoning run", "issue_id", st.ID, "reason", err)
		return &Result{IssueID: st.ID, Action: "superseded", Stage: st.Stage, Message: err.Error()}, nil
	}
	return nil, fmt.Errorf("advance %s from %s: %w", st.ID, st.Stage, err)
}

// failOrAbandon handles a failed field update.
func (o *Orchestrator) failOrAbandon(ctx context.Context, st *pipeline.State, err error) (*Result, error) {
	if errors.Is(err, ErrSuperseded) {
		return o.abandon(st, err)
	}
	return o.fail(ctx, st, err)
}

func (o *Orchestrator) emit(ctx context.Context, e events.Event) {
	if err := o.events.Emit(ctx, e); err != nil {
		o.logger.Warn("failed to emit event", "event_type", e.Type, "issue_id", e.IssueID, "error", err)
	}
}

func ignored(st *pipeline.State, msg string) *Result {
	return &Result{IssueID: st.ID, Action: "ignored", Stage: st.Stage, Message: msg}
}

// intakeTime returns when the item last entered intake.
func intakeTime(st *pipeline.State) time.Time {
	for i := len(st.History) - 1; i >= 0; i-- {
		if st.History[i].To == pipeline.StageIntake {
			return st.History[i].Timestamp
		}
	}
	return st.CreatedAt
}

// keyedMutex serialises state loads for the same item within this process.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &lockEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
