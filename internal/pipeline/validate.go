package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/issuepilot/issuepilot/internal/domain"
	"github.com/issuepilot/issuepilot/internal/genai"
)

// Rejection explains why a candidate was refused before apply. Rejections
// consume a heal attempt but never touch the working copy.
type Rejection struct {
	Kind   domain.FailureKind
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// maxDeletionRatio is how much of a file a fix may delete before the
// change counts as a regression signal when the task never asked for
// removal.
const maxDeletionRatio = 0.5

var exportedSymbolRe = regexp.MustCompile(`(?m)^\s*(?:func(?:\s*\([^)]*\))?|type|var|const)\s+([A-Z]\w*)`)

// ValidateCandidate rejects a candidate change set that shows regression
// or scope signals:
//   - a structural syntax defect (unbalanced braces/brackets),
//   - removal of previously-exported symbols the task never asked to remove,
//   - deletion of a disproportionate share of an existing file,
//   - files outside the task's scope.
//
// A nil return means the candidate may be applied.
func ValidateCandidate(result *genai.Result, taskText string, current map[string]string) *Rejection {
	taskLower := strings.ToLower(taskText)
	removalRequested := strings.Contains(taskLower, "remove") || strings.Contains(taskLower, "delete")

	for _, f := range result.Files {
		if reason := checkBalance(f.Content); reason != "" {
			return &Rejection{
				Kind:   domain.FailureValidation,
				Reason: fmt.Sprintf("%s: structural syntax defect: %s", f.Path, reason),
			}
		}

		old, exists := current[f.Path]
		if !exists {
			// New files must be traceable to the task.
			if !strings.Contains(taskLower, strings.ToLower(f.Path)) {
				return &Rejection{
					Kind:   domain.FailureValidation,
					Reason: fmt.Sprintf("%s: file is neither implicated by the error nor named by the task", f.Path),
				}
			}
			continue
		}

		if removed := removedExports(old, f.Content); len(removed) > 0 && !removalRequested {
			return &Rejection{
				Kind:   domain.FailureRegression,
				Reason: fmt.Sprintf("%s: removes exported symbols %v without the task requesting removal", f.Path, removed),
			}
		}

		oldLines := countLines(old)
		newLines := countLines(f.Content)
		if oldLines >= 20 && !removalRequested {
			deleted := float64(oldLines-newLines) / float64(oldLines)
			if deleted > maxDeletionRatio {
				return &Rejection{
					Kind:   domain.FailureRegression,
					Reason: fmt.Sprintf("%s: deletes %.0f%% of the file for a task that requests no removal", f.Path, deleted*100),
				}
			}
		}
	}
	return nil
}

// removedExports returns exported symbols present in old but gone from updated
func removedExports(old, updated string) []string {
	newSyms := make(map[string]bool)
	for _, m := range exportedSymbolRe.FindAllStringSubmatch(updated, -1) {
		newSyms[m[1]] = true
	}
	var removed []string
	seen := make(map[string]bool)
	for _, m := range exportedSymbolRe.FindAllStringSubmatch(old, -1) {
		sym := m[1]
		if !newSyms[sym] && !seen[sym] {
			seen[sym] = true
			removed = append(removed, sym)
		}
	}
	return removed
}

// checkBalance verifies braces, brackets and parens balance outside of
// strings and line comments. It is not a parser and stays
// language-agnostic.
func checkBalance(content string) string {
	var stack []byte
	inString := byte(0)
	escaped := false
	inLineComment := false

	for i := 0; i < len(content); i++ {
		c := content[i]

		if inLineComment {
			if c == '\n' {
				inLineComment = false
			}
			continue
		}
		if inString != 0 {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			} else if c == '\n' && inString != '`' {
				inString = 0 // unterminated line string; tolerate
			}
			continue
		}

		switch c {
		case '"', '\'', '`':
			inString = c
		case '/':
			if i+1 < len(content) && content[i+1] == '/' {
				inLineComment = true
			}
		case '{', '[', '(':
			stack = append(stack, c)
		case '}', ']', ')':
			if len(stack) == 0 {
				return fmt.Sprintf("unmatched %q", c)
			}
			open := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !matches(open, c) {
				return fmt.Sprintf("mismatched %q closed by %q", open, c)
			}
		}
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q", stack[len(stack)-1])
	}
	return ""
}

func matches(open, closer byte) bool {
	switch open {
	case '{':
		return closer == '}'
	case '[':
		return closer == ']'
	case '(':
		return closer == ')'
	}
	return false
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
