package gridmap

import (
	"fmt"
	"strings"
	"time"

	"github.com/gridmap/gridmap/internal/codec"
)

// ErrorReport is the captured failure of one component's function,
// recorded on the execute node in place of an output.
type ErrorReport struct {
	Component  int
	Message    string
	ErrorType  string
	Stack      string
	Host       string
	GoVersion  string
	StartedAt  time.Time
	FinishedAt time.Time
}

func reportFromCodec(r codec.ErrorReport) ErrorReport {
	return ErrorReport{
		Component:  r.Component,
		Message:    r.Message,
		ErrorType:  r.ErrorType,
		Stack:      r.Stack,
		Host:       r.Host,
		GoVersion:  r.GoVersion,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

const reportRule = "====================================================================="

// Render formats the report as a readable block for terminals and logs.
func (r ErrorReport) Render(tag string) string {
	var b strings.Builder
	fmt.Fprintln(&b, reportRule)
	fmt.Fprintf(&b, "  Error report for map %q component %d\n", tag, r.Component)
	fmt.Fprintln(&b, reportRule)
	fmt.Fprintf(&b, "Ran on host     %s (%s)\n", orUnknown(r.Host), orUnknown(r.GoVersion))
	if !r.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started at      %s\n", r.StartedAt.Format(time.RFC3339))
	}
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Failed at       %s", r.FinishedAt.Format(time.RFC3339))
		if !r.StartedAt.IsZero() {
			fmt.Fprintf(&b, " (after %s)", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintln(&b)
	}
	fmt.Fprintf(&b, "Error type      %s\n", orUnknown(r.ErrorType))
	fmt.Fprintf(&b, "Error           %s\n", r.Message)
	if r.Stack != "" {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Stack trace:")
		fmt.Fprintln(&b, strings.TrimRight(r.Stack, "\n"))
	}
	fmt.Fprintln(&b, reportRule)
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
