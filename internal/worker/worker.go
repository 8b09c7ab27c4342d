// Package worker drives claimed runs through the issue lifecycle. Each run
// performs exactly one stage transition: parents get their children created
// (idempotently), subtasks go through the execution pipeline. The claim is
// released with a terminal status or requeued for a later retry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/issuepilot/issuepilot/internal/config"
	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/notify"
	"github.com/issuepilot/issuepilot/internal/pipeline"
	"github.com/issuepilot/issuepilot/internal/runstore"
	"github.com/issuepilot/issuepilot/internal/tracker"
)

// Executor is the slice of the pipeline the worker dispatches to
type Executor interface {
	Execute(ctx context.Context, run *domain.Run, issue *domain.Issue, feedback string) (*pipeline.Outcome, error)
}

// Worker polls the queue and processes one run at a time
type Worker struct {
	id       string
	store    *runstore.Store
	tracker  tracker.Client
	exec     Executor
	notifier notify.Notifier
	caps     *config.CapsHolder
	poll     time.Duration
	metrics  *metrics.Metrics
}

// New creates a Worker
func New(id string, store *runstore.Store, trk tracker.Client, exec Executor, notifier notify.Notifier, caps *config.CapsHolder, poll time.Duration) *Worker {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Worker{
		id:       id,
		store:    store,
		tracker:  trk,
		exec:     exec,
		notifier: notifier,
		caps:     caps,
		poll:     poll,
	}
}

// WithMetrics attaches prometheus collectors
func (w *Worker) WithMetrics(m *metrics.Metrics) *Worker {
	w.metrics = m
	return w
}

// Run polls until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[worker] %s polling every %s", w.id, w.poll)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if err := w.ProcessOne(ctx); err != nil && !errors.Is(err, domain.ErrNoRunAvailable) {
			log.Printf("[worker] %s: %v", w.id, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and processes a single run. Returns ErrNoRunAvailable
// when the queue has nothing claimable.
func (w *Worker) ProcessOne(ctx context.Context) error {
	run, err := w.store.ClaimNext(w.id, w.caps.Get().MaxConcurrentPerRepo)
	if err != nil {
		return err
	}
	log.Printf("[worker] %s claimed run %s (%s)", w.id, run.ID, run.IssueKey)
	if w.metrics != nil {
		w.metrics.RunsClaimed.Inc()
	}

	if err := w.store.MarkRunning(run.ID, w.id); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			log.Printf("[worker] %s lost claim on %s before starting", w.id, run.ID)
			return nil
		}
		return err
	}

	issue, err := w.tracker.Fetch(ctx, run.IssueKey)
	if err != nil {
		return w.requeue(run, fmt.Sprintf("fetching issue %s: %v", run.IssueKey, err))
	}

	return w.dispatch(ctx, run, issue)
}

// dispatch performs the one stage transition this run is responsible for
func (w *Worker) dispatch(ctx context.Context, run *domain.Run, issue *domain.Issue) error {
	switch {
	case issue.State == domain.StateDone:
		w.event(run.ID, domain.LevelInfo, issue.Key+" is already done, nothing to do", nil)
		return w.finish(run, domain.RunCompleted, "")

	case issue.State == domain.StateBlocked:
		w.event(run.ID, domain.LevelWarn, issue.Key+" is blocked in the tracker, awaiting human input", nil)
		return w.finish(run, domain.RunBlocked, "issue blocked in tracker")

	case issue.Type == domain.IssueSubtask:
		return w.execute(ctx, run, issue)

	default:
		return w.plan(ctx, run, issue)
	}
}

// plan handles epic and story runs: create the planned children once, then
// move the parent into progress.
func (w *Worker) plan(ctx context.Context, run *domain.Run, issue *domain.Issue) error {
	created, err := w.ensureChildren(ctx, run, issue)
	if err != nil {
		if errors.Is(err, ErrPlanTooLarge) {
			return w.block(ctx, run, issue, err.Error())
		}
		return w.requeue(run, err.Error())
	}

	if issue.State != domain.StateInProgress {
		if err := w.tracker.Transition(ctx, issue.Key, domain.StateInProgress); err != nil {
			return w.requeue(run, fmt.Sprintf("transitioning %s: %v", issue.Key, err))
		}
	}

	return w.finish(run, domain.RunCompleted, fmt.Sprintf("planned, %d children created", created))
}

// execute handles subtask runs by invoking the pipeline
func (w *Worker) execute(ctx context.Context, run *domain.Run, issue *domain.Issue) error {
	if run.RepoKey == "" {
		return w.block(ctx, run, issue, "no repository mapped for this run")
	}

	// Rework carries the reviewer's comments into the generation context.
	var feedback string
	if issue.State == domain.StateNeedsRework {
		feedback = strings.Join(issue.Comments, "\n")
		w.event(run.ID, domain.LevelInfo, "rework run, carrying reviewer feedback", nil)
	}

	if issue.State != domain.StateInProgress {
		if err := w.tracker.Transition(ctx, issue.Key, domain.StateInProgress); err != nil {
			return w.requeue(run, fmt.Sprintf("transitioning %s: %v", issue.Key, err))
		}
		if err := w.tracker.Assign(ctx, issue.Key, w.id); err != nil {
			log.Printf("[worker] assigning %s: %v", issue.Key, err)
		}
	}

	outcome, err := w.exec.Execute(ctx, run, issue, feedback)
	if err != nil {
		return w.executionError(ctx, run, issue, err)
	}

	if err := w.store.SetRunMetrics(run.ID, outcome.Metrics); err != nil {
		log.Printf("[worker] storing metrics for %s: %v", run.ID, err)
	}

	switch outcome.Status {
	case domain.RunCompleted:
		if err := w.tracker.Transition(ctx, issue.Key, domain.StateInTesting); err != nil {
			log.Printf("[worker] transitioning %s to in_testing: %v", issue.Key, err)
		}
		w.comment(ctx, issue.Key, "Change ready for review: "+outcome.PRURL)
		w.send(notify.Completed(issue.Key, outcome.PRURL))
		return w.finish(run, domain.RunCompleted, "")

	case domain.RunBlocked:
		reason := outcome.Summary
		if len(outcome.Questions) > 0 {
			reason = "open questions:\n- " + strings.Join(outcome.Questions, "\n- ")
		}
		return w.block(ctx, run, issue, reason)

	default:
		return w.escalate(ctx, run, issue, outcome.Summary)
	}
}

// executionError routes pipeline errors: claim loss aborts silently,
// configuration errors block, everything else is requeued for another try.
func (w *Worker) executionError(ctx context.Context, run *domain.Run, issue *domain.Issue, err error) error {
	if errors.Is(err, domain.ErrClaimLost) {
		log.Printf("[worker] %s lost claim on %s mid-flight, discarding work", w.id, run.ID)
		return nil
	}
	if domain.KindOf(err) == domain.FailureConfig {
		return w.block(ctx, run, issue, err.Error())
	}
	return w.requeue(run, err.Error())
}

// block sets the issue to Blocked, notifies a human and finishes the run
func (w *Worker) block(ctx context.Context, run *domain.Run, issue *domain.Issue, reason string) error {
	if err := w.tracker.Transition(ctx, issue.Key, domain.StateBlocked); err != nil {
		log.Printf("[worker] transitioning %s to blocked: %v", issue.Key, err)
	}
	w.comment(ctx, issue.Key, "Blocked: "+reason)
	w.send(notify.Blocked(issue.Key, reason))
	w.event(run.ID, domain.LevelWarn, "blocked: "+reason, nil)
	return w.finish(run, domain.RunBlocked, reason)
}

// escalate hands an exhausted run to a human with the full attempt history
func (w *Worker) escalate(ctx context.Context, run *domain.Run, issue *domain.Issue, summary string) error {
	history := w.attemptHistory(run.ID)
	w.comment(ctx, issue.Key, summary+"\n\n"+history)
	if err := w.tracker.Transition(ctx, issue.Key, domain.StateBlocked); err != nil {
		log.Printf("[worker] transitioning %s to blocked: %v", issue.Key, err)
	}
	w.send(notify.Escalated(issue.Key, summary))
	return w.finish(run, domain.RunFailed, summary)
}

// attemptHistory renders the run's fix attempts for the human-visible report
func (w *Worker) attemptHistory(runID string) string {
	attempts, err := w.store.ListFixAttempts(runID)
	if err != nil || len(attempts) == 0 {
		return "No fix attempts recorded."
	}
	var b strings.Builder
	b.WriteString("Fix attempts:\n")
	for _, a := range attempts {
		outcome := "failed"
		if a.Success {
			outcome = "succeeded"
		}
		fmt.Fprintf(&b, "- attempt %d (%s, %s): %s\n", a.AttemptNum, a.Model, a.Category, outcome)
	}
	return b.String()
}

func (w *Worker) finish(run *domain.Run, status domain.RunStatus, lastError string) error {
	if err := w.store.Finish(run.ID, w.id, status, lastError); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			log.Printf("[worker] %s lost claim on %s before finishing", w.id, run.ID)
			return nil
		}
		return err
	}
	log.Printf("[worker] %s finished run %s: %s", w.id, run.ID, status)
	if w.metrics != nil {
		w.metrics.ObserveFinish(string(status))
	}
	return nil
}

func (w *Worker) requeue(run *domain.Run, reason string) error {
	w.event(run.ID, domain.LevelWarn, "requeued: "+reason, nil)
	if w.metrics != nil {
		w.metrics.RunsRequeued.Inc()
	}
	if err := w.store.Requeue(run.ID, w.id, reason); err != nil {
		if errors.Is(err, domain.ErrClaimLost) {
			return nil
		}
		return err
	}
	return nil
}

func (w *Worker) comment(ctx context.Context, issueKey, text string) {
	if err := w.tracker.Comment(ctx, issueKey, text); err != nil {
		log.Printf("[worker] commenting on %s: %v", issueKey, err)
	}
}

func (w *Worker) send(n notify.Notification) {
	if err := w.notifier.Send(n); err != nil {
		log.Printf("[worker] sending notification: %v", err)
	}
}

func (w *Worker) event(runID, level, message string, metadata map[string]string) {
	if err := w.store.AppendEvent(runID, level, message, metadata); err != nil {
		log.Printf("[worker] appending event: %v", err)
	}
}
