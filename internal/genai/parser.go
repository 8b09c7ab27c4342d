package genai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParseStatus tags how a model response was turned into a Result
type ParseStatus string

const (
	Parsed               ParseStatus = "parsed"
	RepairedWithWarnings ParseStatus = "repaired_with_warnings"
	ParseFailed          ParseStatus = "failed"
)

// Parsed output of a model response
type ParseOutcome struct {
	Status   ParseStatus
	Result   *Result
	Warnings []string
}

// repairStrategy is one ordered attempt at recovering malformed output
type repairStrategy struct {
	name  string
	apply func(string) string
}

// repairStrategies are tried in order after a direct parse fails. The list
// is data so it stays testable and extension means appending, not nesting
// more regex patching into the parser.
var repairStrategies = []repairStrategy{
	{name: "strip_code_fences", apply: stripCodeFences},
	{name: "extract_json_object", apply: extractJSONObject},
	{name: "remove_trailing_commas", apply: removeTrailingCommas},
}

// ParseResponse turns raw model text into a Result, repairing common
// formatting defects. The outcome is tagged so callers can log repairs.
func ParseResponse(raw string) *ParseOutcome {
	raw = strings.TrimSpace(raw)

	if result, err := tryParse(raw); err == nil {
		return &ParseOutcome{Status: Parsed, Result: result}
	}

	text := raw
	var warnings []string
	for _, strat := range repairStrategies {
		repaired := strat.apply(text)
		if repaired == text {
			continue
		}
		text = repaired
		warnings = append(warnings, strat.name)
		if result, err := tryParse(text); err == nil {
			return &ParseOutcome{Status: RepairedWithWarnings, Result: result, Warnings: warnings}
		}
	}

	return &ParseOutcome{Status: ParseFailed, Warnings: warnings}
}

func tryParse(text string) (*Result, error) {
	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, err
	}
	// A response with neither files nor questions is not a usable result.
	if len(result.Files) == 0 && len(result.Questions) == 0 {
		return nil, fmt.Errorf("response contains no files and no questions")
	}
	for _, f := range result.Files {
		if f.Path == "" {
			return nil, fmt.Errorf("file entry with empty path")
		}
	}
	return &result, nil
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func stripCodeFences(text string) string {
	m := codeFenceRe.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	return strings.TrimSpace(m[1])
}

// extractJSONObject returns the largest balanced {...} span, for responses
// that wrap the JSON in prose.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return text
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}
	return text
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

func removeTrailingCommas(text string) string {
	return trailingCommaRe.ReplaceAllString(text, "$1")
}
