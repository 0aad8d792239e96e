// Package diagnostics implements the static-analysis checks over raw
// .http text described in spec.md §4.5. It never invokes the parser
// collaborator; every check is a small scan over the raw lines.
package diagnostics

import (
	"sort"
	"strconv"
	"strings"
)

// Severity is the finding's severity level.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Position is a 0-based line/column pair.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Diagnostic is a single finding with a stable code and half-open range.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Start    Position `json:"start"`
	End      Position `json:"end"`
}

// validMethods are the nine HTTP methods the checker recognizes.
var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// methodTypos maps common typos to their suggested correction.
var methodTypos = map[string]string{
	"GEt": "GET", "GET ": "GET", "POS": "POST", "POSTT": "POST",
	"PUTT": "PUT", "DELET": "DELETE", "DELTE": "DELETE", "PATCHH": "PATCH",
}

// Analyze runs every check over text and returns findings sorted by
// (line, column).
func Analyze(text string) []Diagnostic {
	lines := strings.Split(text, "\n")

	var findings []Diagnostic
	findings = append(findings, checkUnclosedAndEmptyVariables(lines)...)
	findings = append(findings, checkMissingURLAndInvalidMethod(lines)...)
	findings = append(findings, checkDuplicateAndMalformedHeaders(lines)...)

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start.Line != findings[j].Start.Line {
			return findings[i].Start.Line < findings[j].Start.Line
		}
		return findings[i].Start.Column < findings[j].Start.Column
	})
	return findings
}

// GetDiagnosticsForBlock filters findings to those starting within
// [startLine, endLine).
func GetDiagnosticsForBlock(findings []Diagnostic, startLine, endLine int) []Diagnostic {
	var out []Diagnostic
	for _, d := range findings {
		if d.Start.Line >= startLine && d.Start.Line < endLine {
			out = append(out, d)
		}
	}
	return out
}

func checkUnclosedAndEmptyVariables(lines []string) []Diagnostic {
	var out []Diagnostic
	for lineNo, line := range lines {
		for i := 0; i < len(line); {
			open := strings.Index(line[i:], "{{")
			if open < 0 {
				break
			}
			openCol := i + open
			rest := line[openCol+2:]
			close := strings.Index(rest, "}}")
			nextOpen := strings.Index(rest, "{{")
			if close < 0 || (nextOpen >= 0 && nextOpen < close) {
				out = append(out, Diagnostic{
					Severity: SeverityError,
					Code:     "unclosed-variable",
					Message:  "variable reference is missing a closing }}",
					Start:    Position{Line: lineNo, Column: openCol},
					End:      Position{Line: lineNo, Column: len(line)},
				})
				i = openCol + 2
				continue
			}
			closeCol := openCol + 2 + close
			body := strings.TrimSpace(rest[:close])
			if body == "" {
				out = append(out, Diagnostic{
					Severity: SeverityWarning,
					Code:     "empty-variable",
					Message:  "empty variable reference {{}}",
					Start:    Position{Line: lineNo, Column: openCol},
					End:      Position{Line: lineNo, Column: closeCol + 2},
				})
			}
			i = closeCol + 2
		}
	}
	return out
}

func checkMissingURLAndInvalidMethod(lines []string) []Diagnostic {
	var out []Diagnostic
	for lineNo, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		first := fields[0]
		if !looksLikeMethodToken(first) {
			continue
		}
		col := strings.Index(line, first)
		if len(fields) == 1 {
			out = append(out, Diagnostic{
				Severity: SeverityError,
				Code:     "missing-url",
				Message:  "request line has a method with no URL",
				Start:    Position{Line: lineNo, Column: col},
				End:      Position{Line: lineNo, Column: col + len(first)},
			})
			continue
		}
		if !validMethods[first] {
			msg := "unrecognized HTTP method " + first
			if suggestion, ok := methodTypos[first]; ok {
				msg += "; did you mean " + suggestion + "?"
			}
			out = append(out, Diagnostic{
				Severity: SeverityWarning,
				Code:     "invalid-method",
				Message:  msg,
				Start:    Position{Line: lineNo, Column: col},
				End:      Position{Line: lineNo, Column: col + len(first)},
			})
		}
	}
	return out
}

func looksLikeMethodToken(tok string) bool {
	if tok == "" {
		return false
	}
	if _, ok := methodTypos[tok]; ok {
		return true
	}
	for _, r := range tok {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return len(tok) >= 3 && len(tok) <= 10
}

func checkDuplicateAndMalformedHeaders(lines []string) []Diagnostic {
	var out []Diagnostic
	blockStart := 0
	seen := map[string]int{}
	inHeaders := false

	flushBlock := func() {
		seen = map[string]int{}
		inHeaders = false
	}

	for lineNo, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "###") {
			flushBlock()
			blockStart = lineNo + 1
			continue
		}
		if trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) > 0 && looksLikeMethodToken(fields[0]) {
			inHeaders = true
			continue
		}
		if !inHeaders {
			continue
		}
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "<") {
			inHeaders = false
			continue
		}
		colon := strings.Index(trimmed, ":")
		if colon < 0 {
			col := strings.Index(line, trimmed)
			out = append(out, Diagnostic{
				Severity: SeverityError,
				Code:     "malformed-header",
				Message:  "expected a header line of the form Name: value",
				Start:    Position{Line: lineNo, Column: col},
				End:      Position{Line: lineNo, Column: col + len(trimmed)},
			})
			continue
		}
		name := strings.ToLower(strings.TrimSpace(trimmed[:colon]))
		if prevLine, ok := seen[name]; ok {
			col := strings.Index(line, trimmed)
			out = append(out, Diagnostic{
				Severity: SeverityWarning,
				Code:     "duplicate-header",
				Message:  "duplicate header " + name + " (first seen on line " + strconv.Itoa(prevLine) + ")",
				Start:    Position{Line: lineNo, Column: col},
				End:      Position{Line: lineNo, Column: col + colon},
			})
		} else {
			seen[name] = lineNo
		}
	}
	_ = blockStart
	return out
}
