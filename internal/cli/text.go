package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/roach88/toolrun/internal/run"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func colorStatus(s run.Status) string {
	switch s {
	case run.StatusCompleted:
		return green(string(s))
	case run.StatusFailed:
		return red(string(s))
	case run.StatusRunning:
		return yellow(string(s))
	}
	return gray(string(s))
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(data))
}

func runTarget(r *run.ExecutionRun) string {
	if r.WorkflowID != "" {
		return "workflow:" + r.WorkflowID
	}
	return "action:" + r.ActionID
}

func writeRunText(w io.Writer, r *run.ExecutionRun) {
	fmt.Fprintf(w, "%s %s  %s\n", bold("Run"), r.ID, colorStatus(r.Status))
	fmt.Fprintf(w, "  target:   %s\n", runTarget(r))
	if r.TriggerID != "" {
		fmt.Fprintf(w, "  trigger:  %s\n", r.TriggerID)
	}
	if r.CurrentStep != "" {
		fmt.Fprintf(w, "  step:     %s\n", r.CurrentStep)
	}
	if r.Retries > 0 {
		fmt.Fprintf(w, "  retries:  %d\n", r.Retries)
	}
	if r.ResumeAt != nil {
		fmt.Fprintf(w, "  resumeAt: %s\n", r.ResumeAt.UTC().Format(timeLayout))
	}
	if r.State != nil {
		if len(r.State.Completed) > 0 {
			fmt.Fprintf(w, "  completed: %s\n", strings.Join(r.State.Completed, ", "))
		}
		if len(r.State.Skipped) > 0 {
			fmt.Fprintf(w, "  skipped:   %s\n", strings.Join(r.State.Skipped, ", "))
		}
	}
	if r.Error != nil {
		fmt.Fprintf(w, "  error:    [%s] %s\n", r.Error.Code, r.Error.Message)
	}
	if r.Output != nil {
		fmt.Fprintln(w, gray("  output:"))
		writeJSON(w, r.Output)
	}
}
