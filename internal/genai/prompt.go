package genai

import (
	"fmt"
	"sort"
	"strings"
)

const systemPrompt = `You are an automated software engineer working on one tracked issue.
Respond with a single JSON object and nothing else:
{"files": [{"path": "...", "content": "..."}], "commit_message": "...", "questions": []}
Rules:
- Only touch files that the task requires. Do not expand scope.
- Return the COMPLETE new content for every file you change.
- Never remove exported symbols unless the task explicitly asks for removal.
- If the task is ambiguous or underspecified, return an empty files list and
  put your questions in the "questions" array instead of guessing.`

// BuildPrompt renders the user prompt for a generation call
func BuildPrompt(gc *Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Issue %s: %s\n\n%s\n", gc.IssueKey, gc.TaskSummary, gc.TaskBody)

	if gc.HumanFeedback != "" {
		fmt.Fprintf(&b, "\nReviewer feedback to address:\n%s\n", gc.HumanFeedback)
	}

	if gc.ErrorOutput != "" {
		fmt.Fprintf(&b, "\nThe previous change failed verification (category: %s).\nBuild output:\n%s\n",
			gc.ErrorCategory, truncate(gc.ErrorOutput, 8000))
	}

	if gc.StrategyHint != "" {
		fmt.Fprintf(&b, "\nA fix strategy that worked for this error before:\n%s\n", gc.StrategyHint)
	}

	if len(gc.History) > 0 {
		b.WriteString("\nEarlier attempts on this issue (do not repeat them):\n")
		for _, h := range gc.History {
			outcome := "failed verification"
			if h.Rejected {
				outcome = "rejected before apply"
			}
			fmt.Fprintf(&b, "- attempt %d (%s, %s): %s", h.AttemptNum, h.Model, h.Category, outcome)
			if h.Detail != "" {
				fmt.Fprintf(&b, ": %s", h.Detail)
			}
			b.WriteString("\n")
		}
	}

	if gc.PrimaryFailed {
		b.WriteString("\nA different model already failed at this task. Take an independent approach rather than refining its attempts.\n")
	}

	if len(gc.Files) > 0 {
		b.WriteString("\nCurrent file contents:\n")
		paths := make([]string, 0, len(gc.Files))
		for p := range gc.Files {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", p, gc.Files[p])
		}
	}

	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[...truncated]"
}
