// Package tracker is the issue-tracker collaborator. The core treats its
// responses as potentially stale: idempotency decisions are made against
// the durable store, never against ListChildren results.
package tracker

import (
	"context"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// Client is the contract the worker consumes
type Client interface {
	Fetch(ctx context.Context, issueKey string) (*domain.Issue, error)
	Transition(ctx context.Context, issueKey string, target domain.IssueState) error
	Assign(ctx context.Context, issueKey, actor string) error
	Comment(ctx context.Context, issueKey, text string) error
	ListChildren(ctx context.Context, parentKey string) ([]string, error)
	CreateChild(ctx context.Context, parentKey string, spec domain.ChildSpec) (string, error)
}
