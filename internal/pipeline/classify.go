package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/issuepilot/issuepilot/internal/domain"
)

// signature is one known error shape. Patterns are checked in order; the
// first match wins, so more specific shapes come first.
type signature struct {
	category domain.ErrorCategory
	pattern  *regexp.Regexp
}

var signatures = []signature{
	{domain.CategoryUnresolvedExport, regexp.MustCompile(`(?i)undefined:|undeclared name|unresolved (reference|import|export)|cannot find (symbol|name|module)|has no exported member`)},
	{domain.CategoryTypeMismatch, regexp.MustCompile(`(?i)cannot use .* as .* value|type mismatch|incompatible type|is not assignable to|wrong type for|mismatched types`)},
	{domain.CategoryMissingDep, regexp.MustCompile(`(?i)no required module provides|cannot find package|module .* not found|missing go\.sum entry|could not import`)},
	{domain.CategorySyntax, regexp.MustCompile(`(?i)syntax error|unexpected (token|newline|EOF|semicolon)|expected ('.*'|declaration|expression|operand)|unterminated (string|raw string)`)},
}

// Classify maps raw build/lint output onto an error category. Output that
// matches no known signature gets the generic category and still flows
// through the heal loop.
func Classify(output string) domain.ErrorCategory {
	for _, sig := range signatures {
		if sig.pattern.MatchString(output) {
			return sig.category
		}
	}
	return domain.CategoryGeneric
}

var (
	lineNumRe  = regexp.MustCompile(`:\d+(:\d+)?`)
	hexRe      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	tmpPathRe  = regexp.MustCompile(`/tmp/[^\s:]+`)
	spaceRe    = regexp.MustCompile(`\s+`)
	filePathRe = regexp.MustCompile(`[\w./-]+\.\w{1,4}:\d+`)
)

// NormalizeSignature strips the volatile parts of an error (line numbers,
// addresses, temp paths) so the same defect hashes to the same pattern key
// across runs and repositories.
func NormalizeSignature(output string) string {
	// Only the first few lines carry the signature; the rest is noise.
	lines := strings.Split(output, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	s := strings.Join(lines, "\n")
	s = lineNumRe.ReplaceAllString(s, ":N")
	s = hexRe.ReplaceAllString(s, "0xN")
	s = tmpPathRe.ReplaceAllString(s, "/tmp/X")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.ToLower(s))
}

// SignatureHash returns the pattern-store key for an error output
func SignatureHash(output string) string {
	sum := sha256.Sum256([]byte(NormalizeSignature(output)))
	return hex.EncodeToString(sum[:8])
}

// ImplicatedFiles extracts the file paths named in build output, so the
// generation step can be given exactly the files the error touches.
func ImplicatedFiles(output string) []string {
	seen := make(map[string]bool)
	var files []string
	for _, m := range filePathRe.FindAllString(output, -1) {
		path := m[:strings.LastIndex(m, ":")]
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}
	return files
}
