// Package format renders evaluation results as text.
//
// The sections always come in the same order, so that a reader who only
// looks at the beginning sees the outcome first:
//
//	Error:   kind, message and trace; only when the evaluation failed
//	Output:  captured stdout; only when not empty
//	Stderr:  captured stderr; only when not empty
//	Result:  one value per line, or "(no value)"; only when there is no error
//
// The content of each section is indented by two spaces.
package format

import (
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/elves/evald/pkg/evalproto"
)

// Section headers.
const (
	ErrorHeader  = "Error:"
	OutputHeader = "Output:"
	StderrHeader = "Stderr:"
	ResultHeader = "Result:"
)

// NoValue is the content of the Result section when there are no values.
const NoValue = "(no value)"

// Headers lists the section headers in order.
var Headers = []string{ErrorHeader, OutputHeader, StderrHeader, ResultHeader}

// Options controls formatting.
type Options struct {
	// Remove terminal escape sequences from captured output and values.
	StripANSI bool
}

// Format renders res.
func Format(res *evalproto.EvalResult, opts Options) string {
	clean := func(s string) string { return s }
	if opts.StripANSI {
		clean = ansi.Strip
	}

	var sb strings.Builder
	if e := res.Error; e != nil {
		sb.WriteString(ErrorHeader + "\n")
		msg := e.Message
		if e.Kind != "" {
			msg = e.Kind + ": " + msg
		}
		writeIndented(&sb, "  ", clean(msg))
		for _, line := range e.Trace {
			writeIndented(&sb, "    ", clean(line))
		}
	}
	if res.Stdout != "" {
		sb.WriteString(OutputHeader + "\n")
		writeIndented(&sb, "  ", clean(res.Stdout))
	}
	if res.Stderr != "" {
		sb.WriteString(StderrHeader + "\n")
		writeIndented(&sb, "  ", clean(res.Stderr))
	}
	if res.Error == nil {
		sb.WriteString(ResultHeader + "\n")
		if len(res.Values) == 0 {
			writeIndented(&sb, "  ", NoValue)
		}
		for _, v := range res.Values {
			writeIndented(&sb, "  ", clean(v.Repr))
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func writeIndented(sb *strings.Builder, indent, text string) {
	text = strings.TrimSuffix(text, "\n")
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			sb.WriteString("\n")
			continue
		}
		sb.WriteString(indent + line + "\n")
	}
}
