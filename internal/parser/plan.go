// Package parser extracts planned child work items from an issue's
// markdown description. Epics plan Stories, Stories plan Subtasks; the
// plan lives in the parent's body as a checklist under a plan heading.
package parser

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/issuepilot/issuepilot/internal/domain"
)

var (
	// Plan sections - supports the headings planners actually write:
	//   ## Plan
	//   ## Stories
	//   ## Subtasks
	//   ## Children
	planHeadingRe = regexp.MustCompile(`(?i)^#{2,3}\s+(plan|stories|subtasks|children|breakdown)\b`)
	headingRe     = regexp.MustCompile(`^#{1,6}\s+`)

	// Checklist and bullet items: "- [ ] Title", "- [x] Title", "* Title",
	// "1. Title". Checked items are still part of the plan; the idempotency
	// flag, not the checkbox, decides whether children get created.
	itemRe = regexp.MustCompile(`^\s*(?:[-*]\s+(?:\[[ xX]\]\s+)?|\d+\.\s+)(.+)$`)
)

// ParsePlan extracts the child issues an issue's description asks for.
// Only items inside a plan section count; stray bullets elsewhere in the
// body (acceptance criteria, notes) are ignored. Indented lines under an
// item become its description. Returns nil when the body has no plan.
func ParsePlan(body string, childType domain.IssueType) []domain.ChildSpec {
	var specs []domain.ChildSpec
	inPlan := false

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if headingRe.MatchString(line) {
			inPlan = planHeadingRe.MatchString(line)
			continue
		}
		if !inPlan {
			continue
		}

		if m := itemRe.FindStringSubmatch(line); m != nil && !isIndented(line) {
			summary := strings.TrimSpace(m[1])
			if summary == "" {
				continue
			}
			specs = append(specs, domain.ChildSpec{
				Summary: summary,
				Type:    childType,
			})
			continue
		}

		// Indented continuation lines describe the preceding item.
		if len(specs) > 0 && isIndented(line) {
			detail := strings.TrimSpace(line)
			if m := itemRe.FindStringSubmatch(line); m != nil {
				detail = strings.TrimSpace(m[1])
			}
			if detail == "" {
				continue
			}
			last := &specs[len(specs)-1]
			if last.Description != "" {
				last.Description += "\n"
			}
			last.Description += detail
		}
	}

	return specs
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")
}

// ChildTypeFor returns the issue type one level below the given one.
// Subtasks are leaves and plan nothing.
func ChildTypeFor(t domain.IssueType) (domain.IssueType, bool) {
	switch t {
	case domain.IssueEpic:
		return domain.IssueStory, true
	case domain.IssueStory:
		return domain.IssueSubtask, true
	default:
		return "", false
	}
}
