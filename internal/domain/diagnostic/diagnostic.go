// Package diagnostic turns raw tool output into structured build diagnostics.
package diagnostic

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one compiler/linter finding.
type Diagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Outcome of the build, when the output states one.
type Outcome string

const (
	OutcomeUnknown Outcome = ""
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Report is the structured result of parsing one tool output.
type Report struct {
	Outcome     Outcome      `json:"outcome,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Errors      int          `json:"errors"`
	Warnings    int          `json:"warnings"`
}

// maxDiagnostics bounds the findings kept per report.
const maxDiagnostics = 100

var (
	// path/to/file.go:12:5: message   |   file.ts(12,5): error TS2304: message
	locationRe = regexp.MustCompile(`^\s*([^\s:()]+\.[A-Za-z0-9]+):(\d+)(?::(\d+))?:\s*(.+)$`)
	tscRe      = regexp.MustCompile(`^\s*([^\s()]+\.[A-Za-z0-9]+)\((\d+),(\d+)\):\s*(error|warning)\s+(TS\d+:.*)$`)
	failPkgRe  = regexp.MustCompile(`^(FAIL|---\s*FAIL:)\s`)
)

// Parse extracts diagnostics from content. The second result is false when the
// content carries no build signal at all.
func Parse(content string) (Report, bool) {
	rep := Report{Diagnostics: []Diagnostic{}}
	signal := false

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if d, ok := parseLine(line); ok {
			signal = true
			rep.add(d)
			continue
		}
		switch o := outcomeOf(line); o {
		case OutcomeFailure:
			signal = true
			rep.Outcome = OutcomeFailure
		case OutcomeSuccess:
			signal = true
			if rep.Outcome == OutcomeUnknown {
				rep.Outcome = OutcomeSuccess
			}
		}
	}

	if rep.Errors > 0 {
		rep.Outcome = OutcomeFailure
	}
	return rep, signal
}

func (r *Report) add(d Diagnostic) {
	if d.Severity == SeverityWarning {
		r.Warnings++
	} else {
		r.Errors++
	}
	if len(r.Diagnostics) < maxDiagnostics {
		r.Diagnostics = append(r.Diagnostics, d)
	}
}

func parseLine(line string) (Diagnostic, bool) {
	if m := tscRe.FindStringSubmatch(line); m != nil {
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		return Diagnostic{File: m[1], Line: ln, Column: col, Severity: Severity(m[4]), Message: m[5]}, true
	}
	m := locationRe.FindStringSubmatch(line)
	if m == nil {
		return Diagnostic{}, false
	}
	ln, _ := strconv.Atoi(m[2])
	col := 0
	if m[3] != "" {
		col, _ = strconv.Atoi(m[3])
	}
	msg := m[4]
	sev := SeverityError
	lower := strings.ToLower(msg)
	switch {
	case strings.HasPrefix(lower, "warning"):
		sev = SeverityWarning
		msg = trimSeverity(msg)
	case strings.HasPrefix(lower, "error"):
		msg = trimSeverity(msg)
	}
	return Diagnostic{File: m[1], Line: ln, Column: col, Severity: sev, Message: msg}, true
}

// trimSeverity drops a leading "error:" / "warning:" marker.
func trimSeverity(msg string) string {
	if _, rest, ok := strings.Cut(msg, ":"); ok {
		return strings.TrimSpace(rest)
	}
	return msg
}

func outcomeOf(line string) Outcome {
	trimmed := strings.TrimSpace(line)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.Contains(upper, "BUILD FAILED"), failPkgRe.MatchString(trimmed),
		strings.HasPrefix(upper, "ERROR:"), strings.Contains(upper, "COMPILATION FAILED"):
		return OutcomeFailure
	case strings.Contains(upper, "BUILD SUCCESSFUL"), strings.Contains(upper, "BUILD SUCCEEDED"),
		strings.HasPrefix(trimmed, "ok  \t"), strings.HasPrefix(trimmed, "ok \t"):
		return OutcomeSuccess
	}
	return OutcomeUnknown
}

// Parser adapts Parse to the orchestrator's parser port.
type Parser struct{}

// Parse implements the build parser port.
func (Parser) Parse(content string) (Report, bool) { return Parse(content) }
