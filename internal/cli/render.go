package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/hupe1980/researchmail/core"
)

// renderer prints a run's events. Answer text goes to out, progress to info.
type renderer struct {
	out     io.Writer
	info    io.Writer
	verbose bool
	// streamed tracks whether root text was already printed as deltas.
	streamed bool
}

// render consumes events until the stream ends and returns the run's error,
// if any.
func (r *renderer) render(events <-chan core.Event) error {
	var runErr error

	for ev := range events {
		switch ev.Type {
		case core.EventTurnDelta:
			if ev.Depth == 0 {
				fmt.Fprint(r.out, ev.Delta)
				r.streamed = true
			}
		case core.EventToolCallStarted:
			r.progress(ev, "→ %s", ev.ToolCall.Name)
		case core.EventToolCallFinished:
			if ev.Result.OK() {
				r.progress(ev, "✓ %s (%d attempt%s)", ev.ToolCall.Name, ev.Result.Attempts, plural(ev.Result.Attempts))
			} else {
				r.progress(ev, "✗ %s: %s", ev.ToolCall.Name, ev.Result.Error.Message)
			}
		case core.EventDelegationStarted:
			r.progress(ev, "⇢ delegating to %s", ev.Delegation.Target)
		case core.EventDelegationFinished:
			if ev.Delegation.Error != nil {
				r.progress(ev, "⇠ %s failed: %s", ev.Delegation.Target, ev.Delegation.Error.Message)
			} else if len(ev.Delegation.Artifacts) > 0 {
				r.progress(ev, "⇠ %s produced %s", ev.Delegation.Target, strings.Join(ev.Delegation.Artifacts, ", "))
			} else {
				r.progress(ev, "⇠ %s finished", ev.Delegation.Target)
			}
		case core.EventDone:
			if !r.streamed && ev.Answer != "" {
				fmt.Fprint(r.out, ev.Answer)
			}
			fmt.Fprintln(r.out)
		case core.EventError:
			runErr = ev.Error.Err()
		}
	}

	return runErr
}

func (r *renderer) progress(ev core.Event, format string, args ...any) {
	if !r.verbose {
		return
	}

	fmt.Fprintf(r.info, "%s%s\n", strings.Repeat("  ", ev.Depth), fmt.Sprintf(format, args...))
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
