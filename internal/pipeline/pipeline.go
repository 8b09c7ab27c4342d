// Package pipeline implements the self-healing execution pipeline: given a
// claimed run and its issue, generate a change set, verify it, and on
// failure run a bounded classify/validate/fix/reverify loop with model
// escalation and durable pattern learning.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/issuepilot/issuepilot/internal/buildrun"
	"github.com/issuepilot/issuepilot/internal/config"
	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/genai"
	"github.com/issuepilot/issuepilot/internal/metrics"
	"github.com/issuepilot/issuepilot/internal/vcs"
)

// Store is the slice of the run store the pipeline needs
type Store interface {
	AppendEvent(runID, level, message string, metadata map[string]string) error
	RecordFixAttempt(a *domain.FixAttempt) error
	CreateRollbackTag(tag *domain.RollbackTag) error
	HoldsClaim(id, workerID string) (bool, error)
}

// Outcome is the pipeline's terminal result for a run
type Outcome struct {
	Status    domain.RunStatus // completed, failed or blocked
	Summary   string
	PRURL     string
	Questions []string
	Metrics   domain.RunMetrics
}

// Pipeline drives one execution-stage run to a terminal outcome
type Pipeline struct {
	store    Store
	vcs      vcs.Client
	runner   buildrun.Runner
	selector *genai.Selector
	learner  *Learner
	caps     *config.CapsHolder
	buildCmd string
	lintCmd  string
	workerID string
	backoff  backoffConfig
	metrics  *metrics.Metrics
}

// New creates a Pipeline
func New(store Store, vcsClient vcs.Client, runner buildrun.Runner, selector *genai.Selector, learner *Learner, caps *config.CapsHolder, buildCmd, lintCmd, workerID string) *Pipeline {
	return &Pipeline{
		store:    store,
		vcs:      vcsClient,
		runner:   runner,
		selector: selector,
		learner:  learner,
		caps:     caps,
		buildCmd: buildCmd,
		lintCmd:  lintCmd,
		workerID: workerID,
		backoff:  defaultBackoff,
	}
}

// WithMetrics attaches prometheus collectors
func (p *Pipeline) WithMetrics(m *metrics.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Execute runs the pipeline for a claimed run. feedback carries reviewer
// comments for rework runs. The returned error is non-nil only for
// failures the worker must handle itself (claim loss, configuration);
// build failures and exhaustion are folded into the Outcome.
func (p *Pipeline) Execute(ctx context.Context, run *domain.Run, issue *domain.Issue, feedback string) (*Outcome, error) {
	start := time.Now()
	maxAttempts := p.caps.Get().MaxFixAttempts

	p.event(run.ID, domain.LevelInfo, fmt.Sprintf("pipeline started for %s on %s", issue.Key, run.RepoKey), nil)

	dir, err := p.vcs.Checkout(ctx, run.RepoKey, "main")
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	branch := branchName(issue.Key)
	if err := p.vcs.Branch(ctx, run.RepoKey, branch); err != nil {
		return nil, fmt.Errorf("branch: %w", err)
	}
	preHead, err := p.vcs.Head(ctx, run.RepoKey)
	if err != nil {
		return nil, fmt.Errorf("resolving pre-change head: %w", err)
	}

	taskText := issue.Summary + "\n" + issue.Description
	gc := &genai.Context{
		IssueKey:      issue.Key,
		TaskSummary:   issue.Summary,
		TaskBody:      issue.Description,
		Files:         taskFiles(dir, taskText),
		HumanFeedback: feedback,
	}

	metrics := domain.RunMetrics{}
	attempts := 0

	// Generating: the initial candidate always comes from the primary.
	svc, _ := p.selector.ForAttempt(1)
	result, err := p.generate(ctx, svc, gc, &metrics)
	if err != nil {
		return nil, err
	}
	if len(result.Questions) > 0 {
		return p.blocked(run, result.Questions, metrics, start), nil
	}

	// The scope-control invariant applies to the initial candidate too;
	// rejections regenerate and consume attempts without touching the
	// working copy.
	for {
		rej := ValidateCandidate(result, taskText, p.currentContents(dir, result))
		if rej == nil {
			break
		}
		attempts++
		p.event(run.ID, domain.LevelWarn, "candidate rejected: "+rej.Reason,
			map[string]string{"kind": string(rej.Kind), "attempt": fmt.Sprint(attempts)})
		p.recordAttempt(run, issue, attempts, svc.Name(), domain.CategoryGeneric, false, nil)
		metrics.FixAttempts = attempts
		if attempts >= maxAttempts {
			return p.exhausted(run, metrics, start, "all candidates rejected before apply"), nil
		}

		gc.History = append(gc.History, genai.AttemptSummary{
			AttemptNum: attempts, Model: svc.Name(),
			Category: domain.CategoryGeneric, Rejected: true, Detail: rej.Reason,
		})
		var escalated bool
		svc, escalated = p.selector.ForAttempt(attempts + 1)
		gc.PrimaryFailed = escalated
		result, err = p.generate(ctx, svc, gc, &metrics)
		if err != nil {
			return nil, err
		}
		if len(result.Questions) > 0 {
			return p.blocked(run, result.Questions, metrics, start), nil
		}
	}

	if err := p.apply(dir, result); err != nil {
		return nil, fmt.Errorf("applying candidate: %w", err)
	}
	verify, err := p.verify(ctx, dir)
	if err != nil {
		return nil, err
	}
	if verify.Passed() {
		return p.finalize(ctx, run, issue, result, preHead, metrics, start)
	}
	p.event(run.ID, domain.LevelWarn, "initial verification failed", nil)

	// Self-heal loop: classify, consult, escalate, generate, validate,
	// apply, reverify. Each cycle consumes one attempt.
	for attempts < maxAttempts {
		attempts++
		output := verify.CombinedOutput()
		category := Classify(output)

		hint, err := p.learner.Consult(output)
		if err != nil {
			log.Printf("[pipeline] pattern lookup failed: %v", err)
		}

		svc, escalated := p.selector.ForAttempt(attempts)
		if escalated {
			p.event(run.ID, domain.LevelInfo,
				fmt.Sprintf("escalating to %s for attempt %d", svc.Name(), attempts), nil)
		}

		healCtx := &genai.Context{
			IssueKey:      issue.Key,
			TaskSummary:   issue.Summary,
			TaskBody:      issue.Description,
			ErrorOutput:   output,
			ErrorCategory: category,
			StrategyHint:  hint,
			Files:         p.implicatedContents(dir, output),
			History:       gc.History,
			PrimaryFailed: escalated,
			HumanFeedback: feedback,
		}

		result, err = p.generate(ctx, svc, healCtx, &metrics)
		if err != nil {
			return nil, err
		}
		if len(result.Questions) > 0 {
			return p.blocked(run, result.Questions, metrics, start), nil
		}

		if rej := ValidateCandidate(result, taskText+"\n"+output, p.currentContents(dir, result)); rej != nil {
			p.event(run.ID, domain.LevelWarn, "fix rejected: "+rej.Reason,
				map[string]string{"kind": string(rej.Kind), "attempt": fmt.Sprint(attempts)})
			p.recordAttempt(run, issue, attempts, svc.Name(), category, false, nil)
			p.learn(output, category, result.CommitMessage, false)
			gc.History = append(gc.History, genai.AttemptSummary{
				AttemptNum: attempts, Model: svc.Name(),
				Category: category, Rejected: true, Detail: rej.Reason,
			})
			metrics.FixAttempts = attempts
			continue
		}

		if err := p.apply(dir, result); err != nil {
			return nil, fmt.Errorf("applying fix: %w", err)
		}
		reverify, err := p.verify(ctx, dir)
		if err != nil {
			return nil, err
		}

		success := reverify.Passed()
		p.recordAttempt(run, issue, attempts, svc.Name(), category, success, filePaths(result))
		p.learn(output, category, result.CommitMessage, success)
		metrics.FixAttempts = attempts

		if success {
			return p.finalize(ctx, run, issue, result, preHead, metrics, start)
		}

		gc.History = append(gc.History, genai.AttemptSummary{
			AttemptNum: attempts, Model: svc.Name(),
			Category: category, Detail: firstLine(reverify.CombinedOutput()),
		})
		verify = reverify
		p.event(run.ID, domain.LevelWarn,
			fmt.Sprintf("fix attempt %d failed reverification (%s)", attempts, category), nil)
	}

	return p.exhausted(run, metrics, start, "fix attempt budget consumed"), nil
}

// generate calls the service with transient-failure backoff
func (p *Pipeline) generate(ctx context.Context, svc genai.Service, gc *genai.Context, metrics *domain.RunMetrics) (*genai.Result, error) {
	var result *genai.Result
	err := withBackoff(ctx, p.backoff, func() error {
		r, usage, err := svc.Generate(ctx, gc)
		metrics.TokensInput += usage.TokensInput
		metrics.TokensOutput += usage.TokensOutput
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("generation via %s: %w", svc.Name(), err)
	}
	return result, nil
}

// verify runs build then lint, returning the first failing result
func (p *Pipeline) verify(ctx context.Context, dir string) (*buildrun.Result, error) {
	result, err := p.runner.Run(ctx, dir, p.buildCmd)
	if err != nil {
		return nil, fmt.Errorf("running build: %w", err)
	}
	if !result.Passed() || p.lintCmd == "" {
		return result, nil
	}
	lint, err := p.runner.Run(ctx, dir, p.lintCmd)
	if err != nil {
		return nil, fmt.Errorf("running lint: %w", err)
	}
	return lint, nil
}

// finalize tags the rollback point, commits, pushes and opens the PR. The
// claim is re-checked first so a reclaimed worker never commits.
func (p *Pipeline) finalize(ctx context.Context, run *domain.Run, issue *domain.Issue, result *genai.Result, preHead string, metrics domain.RunMetrics, start time.Time) (*Outcome, error) {
	held, err := p.store.HoldsClaim(run.ID, p.workerID)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, domain.ErrClaimLost
	}

	tagName := fmt.Sprintf("pre-%s-%s", sanitizeKey(issue.Key), time.Now().UTC().Format("20060102T150405Z"))
	if err := p.vcs.Tag(ctx, run.RepoKey, tagName, preHead); err != nil {
		return nil, fmt.Errorf("tagging rollback point: %w", err)
	}
	if err := p.store.CreateRollbackTag(&domain.RollbackTag{
		Name:     tagName,
		RunID:    run.ID,
		IssueKey: issue.Key,
		RepoKey:  run.RepoKey,
		Target:   preHead,
	}); err != nil {
		return nil, fmt.Errorf("recording rollback tag: %w", err)
	}
	p.event(run.ID, domain.LevelInfo, "rollback tag "+tagName+" at "+preHead, nil)

	message := result.CommitMessage
	if message == "" {
		message = issue.Key + " " + issue.Summary
	}
	if err := p.vcs.CommitAndPush(ctx, run.RepoKey, message); err != nil {
		return nil, fmt.Errorf("commit and push: %w", err)
	}

	prURL, err := p.vcs.CreateOrUpdatePR(ctx, run.RepoKey,
		fmt.Sprintf("%s: %s", issue.Key, issue.Summary),
		prBody(issue, metrics),
		"main")
	if err != nil {
		return nil, fmt.Errorf("creating PR: %w", err)
	}

	metrics.WallSeconds = time.Since(start).Seconds()
	p.event(run.ID, domain.LevelInfo, "verification passed, PR "+prURL, nil)
	return &Outcome{
		Status:  domain.RunCompleted,
		Summary: message,
		PRURL:   prURL,
		Metrics: metrics,
	}, nil
}

func (p *Pipeline) blocked(run *domain.Run, questions []string, metrics domain.RunMetrics, start time.Time) *Outcome {
	metrics.WallSeconds = time.Since(start).Seconds()
	p.event(run.ID, domain.LevelWarn,
		fmt.Sprintf("generation halted with %d open questions", len(questions)),
		map[string]string{"questions": strings.Join(questions, " | ")})
	return &Outcome{
		Status:    domain.RunBlocked,
		Summary:   "generation needs answers before proceeding",
		Questions: questions,
		Metrics:   metrics,
	}
}

func (p *Pipeline) exhausted(run *domain.Run, metrics domain.RunMetrics, start time.Time, reason string) *Outcome {
	metrics.WallSeconds = time.Since(start).Seconds()
	p.event(run.ID, domain.LevelError, "self-heal budget exhausted: "+reason, nil)
	return &Outcome{
		Status:  domain.RunFailed,
		Summary: "escalated to human review: " + reason,
		Metrics: metrics,
	}
}

func (p *Pipeline) apply(dir string, result *genai.Result) error {
	for _, f := range result.Files {
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(f.Content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) recordAttempt(run *domain.Run, issue *domain.Issue, num int, model string, category domain.ErrorCategory, success bool, files []string) {
	if err := p.store.RecordFixAttempt(&domain.FixAttempt{
		RunID:        run.ID,
		IssueKey:     issue.Key,
		AttemptNum:   num,
		Model:        model,
		Category:     category,
		Success:      success,
		FilesTouched: files,
	}); err != nil {
		log.Printf("[pipeline] recording fix attempt: %v", err)
	}
	if p.metrics != nil {
		p.metrics.ObserveFixAttempt(string(category), success)
	}
}

func (p *Pipeline) learn(output string, category domain.ErrorCategory, strategy string, success bool) {
	if err := p.learner.Record(output, category, strategy, success); err != nil {
		log.Printf("[pipeline] updating error pattern: %v", err)
	}
}

func (p *Pipeline) event(runID, level, message string, metadata map[string]string) {
	if err := p.store.AppendEvent(runID, level, message, metadata); err != nil {
		log.Printf("[pipeline] appending event: %v", err)
	}
}

// currentContents reads the working-copy content of every file the
// candidate touches, for regression checks against the pre-apply state.
func (p *Pipeline) currentContents(dir string, result *genai.Result) map[string]string {
	contents := make(map[string]string)
	for _, f := range result.Files {
		data, err := os.ReadFile(filepath.Join(dir, f.Path))
		if err != nil {
			continue // new file
		}
		contents[f.Path] = string(data)
	}
	return contents
}

// implicatedContents reads the files named in build output
func (p *Pipeline) implicatedContents(dir, output string) map[string]string {
	contents := make(map[string]string)
	for _, path := range ImplicatedFiles(output) {
		data, err := os.ReadFile(filepath.Join(dir, path))
		if err != nil {
			continue
		}
		contents[path] = string(data)
	}
	return contents
}

var taskFileRe = regexp.MustCompile(`[\w./-]+\.\w{1,4}`)

// taskFiles reads the existing files a task names, giving the initial
// generation its scope.
func taskFiles(dir, taskText string) map[string]string {
	contents := make(map[string]string)
	for _, tok := range taskFileRe.FindAllString(taskText, -1) {
		path := strings.TrimPrefix(tok, "./")
		data, err := os.ReadFile(filepath.Join(dir, path))
		if err != nil {
			continue
		}
		contents[path] = string(data)
	}
	return contents
}

func filePaths(result *genai.Result) []string {
	paths := make([]string, len(result.Files))
	for i, f := range result.Files {
		paths[i] = f.Path
	}
	return paths
}

func prBody(issue *domain.Issue, metrics domain.RunMetrics) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated change for %s.\n\n%s\n\n", issue.Key, issue.Summary)
	fmt.Fprintf(&b, "Fix attempts: %d. Tokens: %d in / %d out.\n",
		metrics.FixAttempts, metrics.TokensInput, metrics.TokensOutput)
	return b.String()
}

var branchSafeRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeKey(issueKey string) string {
	return strings.Trim(branchSafeRe.ReplaceAllString(issueKey, "-"), "-")
}

func branchName(issueKey string) string {
	return "autopilot/" + sanitizeKey(issueKey)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
