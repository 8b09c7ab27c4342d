package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/ratelimit"
)

// GHClient implements Client on top of the gh CLI, using labels to encode
// hierarchy level and lifecycle state. Every call acquires from the shared
// tracker rate bucket first.
type GHClient struct {
	repo    string
	limiter *ratelimit.Limiter
}

// NewGHClient creates a tracker client for the given owner/repo
func NewGHClient(repo string, limiter *ratelimit.Limiter) *GHClient {
	return &GHClient{repo: repo, limiter: limiter}
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Comments []struct {
		Body string `json:"body"`
	} `json:"comments"`
}

const (
	typeLabelPrefix  = "level/"
	stateLabelPrefix = "state/"
	parentPrefix     = "Parent: #"
)

// Fetch returns the worker's view of an issue
func (c *GHClient) Fetch(ctx context.Context, issueKey string) (*domain.Issue, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.ServiceTracker, 1); err != nil {
		return nil, err
	}

	out, err := c.gh(ctx, "issue", "view", strings.TrimPrefix(issueKey, "#"),
		"--repo", c.repo,
		"--json", "number,title,body,labels,comments")
	if err != nil {
		return nil, fmt.Errorf("gh issue view %s: %w", issueKey, err)
	}

	var gi ghIssue
	if err := json.Unmarshal(out, &gi); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}

	issue := &domain.Issue{
		Key:         fmt.Sprintf("#%d", gi.Number),
		Summary:     gi.Title,
		Description: gi.Body,
		Type:        domain.IssueSubtask,
		State:       domain.StateBacklog,
		ProjectKey:  c.repo,
	}
	for _, l := range gi.Labels {
		switch {
		case strings.HasPrefix(l.Name, typeLabelPrefix):
			issue.Type = domain.IssueType(strings.TrimPrefix(l.Name, typeLabelPrefix))
		case strings.HasPrefix(l.Name, stateLabelPrefix):
			issue.State = domain.IssueState(strings.TrimPrefix(l.Name, stateLabelPrefix))
		}
	}
	for _, cm := range gi.Comments {
		issue.Comments = append(issue.Comments, cm.Body)
	}
	if idx := strings.Index(gi.Body, parentPrefix); idx >= 0 {
		rest := gi.Body[idx+len(parentPrefix):]
		if end := strings.IndexAny(rest, " \n"); end > 0 {
			issue.ParentKey = "#" + rest[:end]
		} else {
			issue.ParentKey = "#" + rest
		}
	}
	return issue, nil
}

// Transition moves an issue to the target state by swapping state labels
func (c *GHClient) Transition(ctx context.Context, issueKey string, target domain.IssueState) error {
	if err := c.limiter.Acquire(ctx, ratelimit.ServiceTracker, 1); err != nil {
		return err
	}

	issue, err := c.Fetch(ctx, issueKey)
	if err != nil {
		return err
	}

	args := []string{"issue", "edit", strings.TrimPrefix(issueKey, "#"),
		"--repo", c.repo,
		"--add-label", stateLabelPrefix + string(target)}
	if issue.State != "" && issue.State != target {
		args = append(args, "--remove-label", stateLabelPrefix+string(issue.State))
	}
	if _, err := c.gh(ctx, args...); err != nil {
		return fmt.Errorf("gh issue edit %s: %w", issueKey, err)
	}
	return nil
}

// Assign assigns the issue to an actor
func (c *GHClient) Assign(ctx context.Context, issueKey, actor string) error {
	if err := c.limiter.Acquire(ctx, ratelimit.ServiceTracker, 1); err != nil {
		return err
	}
	if _, err := c.gh(ctx, "issue", "edit", strings.TrimPrefix(issueKey, "#"),
		"--repo", c.repo, "--add-assignee", actor); err != nil {
		return fmt.Errorf("gh issue assign %s: %w", issueKey, err)
	}
	return nil
}

// Comment posts a comment on the issue
func (c *GHClient) Comment(ctx context.Context, issueKey, text string) error {
	if err := c.limiter.Acquire(ctx, ratelimit.ServiceTracker, 1); err != nil {
		return err
	}
	if _, err := c.gh(ctx, "issue", "comment", strings.TrimPrefix(issueKey, "#"),
		"--repo", c.repo, "--body", text); err != nil {
		return fmt.Errorf("gh issue comment %s: %w", issueKey, err)
	}
	return nil
}

// ListChildren returns the keys of issues that reference parentKey. The
// result may be stale or empty while the tracker catches up on linking.
func (c *GHClient) ListChildren(ctx context.Context, parentKey string) ([]string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.ServiceTracker, 1); err != nil {
		return nil, err
	}

	out, err := c.gh(ctx, "issue", "list", "--repo", c.repo,
		"--search", fmt.Sprintf("%q in:body", parentPrefix+strings.TrimPrefix(parentKey, "#")),
		"--json", "number", "--limit", "100")
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}

	var refs []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(out, &refs); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = fmt.Sprintf("#%d", r.Number)
	}
	return keys, nil
}

// CreateChild creates a child issue linked to the parent via a body marker
func (c *GHClient) CreateChild(ctx context.Context, parentKey string, spec domain.ChildSpec) (string, error) {
	if err := c.limiter.Acquire(ctx, ratelimit.ServiceTracker, 1); err != nil {
		return "", err
	}

	body := fmt.Sprintf("%s%s\n\n%s", parentPrefix, strings.TrimPrefix(parentKey, "#"), spec.Description)
	out, err := c.gh(ctx, "issue", "create", "--repo", c.repo,
		"--title", spec.Summary,
		"--body", body,
		"--label", typeLabelPrefix+string(spec.Type),
		"--label", stateLabelPrefix+string(domain.StateBacklog))
	if err != nil {
		return "", fmt.Errorf("gh issue create: %w", err)
	}

	// gh prints the new issue URL; the key is the trailing number.
	url := strings.TrimSpace(string(out))
	if idx := strings.LastIndex(url, "/"); idx >= 0 {
		return "#" + url[idx+1:], nil
	}
	return "", fmt.Errorf("unexpected gh issue create output %q", url)
}

func (c *GHClient) gh(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	return cmd.Output()
}
