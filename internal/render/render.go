package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
	"golang.org/x/term"

	"github.com/dohr-michael/genbatch/internal/orchestrator"
	"github.com/dohr-michael/genbatch/internal/runs"
)

const defaultWidth = 80

// Bar draws a progress bar of width cells.
func Bar(done, total, width int) string {
	if width < 1 {
		width = 1
	}
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	filled = min(max(filled, 0), width)
	return barDoneStyle.Render(strings.Repeat("█", filled)) +
		barTodoStyle.Render(strings.Repeat("░", width-filled))
}

// Counts formats "done/total" with the skipped count when non-zero.
func Counts(done, skipped, total int) string {
	s := fmt.Sprintf("%d/%d", done, total)
	if skipped > 0 {
		s += fmt.Sprintf(" (%d skipped)", skipped)
	}
	return s
}

// Duration prints d rounded to the second, or "-" when zero.
func Duration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

// StatusLine is the single-line live view of a run, fitted to width.
func StatusLine(st orchestrator.RunState, width int) string {
	if width <= 0 {
		width = defaultWidth
	}
	done := st.CompletedCount + st.SkippedCount

	head := phaseStyle(string(st.Phase)).Render(string(st.Phase)) + " " +
		textStyle.Render(Counts(done, st.SkippedCount, st.Total))
	tail := dimStyle.Render("eta " + Duration(st.Remaining))
	status := st.Status
	if st.CurrentTask != "" && st.IsRunning {
		status = st.CurrentTask + ": " + status
	}

	barWidth := min(30, max(5, width/4))
	fixed := lipgloss.Width(head) + lipgloss.Width(tail) + barWidth + 3
	room := width - fixed
	if room < 0 {
		room = 0
	}
	return strings.Join([]string{head, Bar(done, st.Total, barWidth), mutedStyle.Render(truncate(status, room)), tail}, " ")
}

// Summary is the multi-line view printed by the status command.
func Summary(st orchestrator.RunState) string {
	var b strings.Builder
	title := "genbatch"
	if st.RunID != "" {
		title += " " + st.RunID
	}
	b.WriteString(titleStyle.Render(title) + "\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}
	done := st.CompletedCount + st.SkippedCount
	row("phase", phaseStyle(string(st.Phase)).Render(string(st.Phase)))
	row("progress", Bar(done, st.Total, 30)+" "+Counts(done, st.SkippedCount, st.Total))
	if st.CurrentTask != "" {
		row("task", fmt.Sprintf("%s (#%d)", st.CurrentTask, st.CurrentIndex))
	}
	row("status", st.Status)
	if st.ConversationURL != "" {
		row("chat", accentStyle.Render(st.ConversationURL))
	}
	row("elapsed", Duration(st.Elapsed))
	row("remaining", Duration(st.Remaining))
	if n := totalRetries(st.RetryCounts); n > 0 {
		row("retries", fmt.Sprintf("%d", n))
	}
	if st.LastError != "" {
		row("last error", errorStyle.Render(string(st.LastErrorType))+" "+st.LastError)
	}
	return b.String()
}

// RunsTable lists persisted runs, newest first.
func RunsTable(records []runs.Record) string {
	if len(records) == 0 {
		return mutedStyle.Render("no runs recorded") + "\n"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-14s %-24s %-12s %-20s %s", "ID", "OUTCOME", "PROGRESS", "UPDATED", "TASK FILE")
	b.WriteString(dimStyle.Render(header) + "\n")
	for _, r := range records {
		outcome := fmt.Sprintf("%-24s", r.Outcome)
		progress := fmt.Sprintf("%-12s", fmt.Sprintf("%d/%d", r.Completed+r.Skipped, r.Total))
		b.WriteString(fmt.Sprintf("%-14s %s %s %-20s %s\n",
			r.ID,
			phaseStyle(string(r.Outcome)).Render(outcome),
			progress,
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			r.TaskFile,
		))
		if r.Error != "" {
			b.WriteString("  " + errorStyle.Render(r.Error) + "\n")
		}
	}
	return b.String()
}

// EventLine formats one bus event for the watch command.
func EventLine(at time.Time, eventType string, payload map[string]any) string {
	str := func(k string) string {
		if v, ok := payload[k]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	ts := dimStyle.Render(at.Local().Format("15:04:05"))
	switch eventType {
	case "run.started":
		return ts + " " + titleStyle.Render("run started") + " " +
			fmt.Sprintf("%s tasks, %s skipped", str("total"), str("skipped"))
	case "run.finished":
		line := ts + " " + phaseStyle(str("outcome")).Render(str("outcome"))
		if e := str("error"); e != "" {
			line += " " + errorStyle.Render(e)
		}
		return line
	case "task.complete":
		verb := "saved"
		if str("skipped") == "true" {
			verb = "skipped"
		}
		return ts + " " + successStyle.Render(verb) + " " + str("filename")
	case "task.error":
		return ts + " " + errorStyle.Render(str("error_type")) + " " + str("name") + ": " + str("error")
	case "status.update":
		return ts + " " + mutedStyle.Render("#"+str("index")) + " " + str("message")
	case "tab.opened", "tab.closed":
		return ts + " " + dimStyle.Render(eventType+" "+str("tab_id"))
	default:
		return ts + " " + dimStyle.Render(eventType)
	}
}

// Live redraws a status line in place on a terminal and prints one line per
// change otherwise.
type Live struct {
	mu    sync.Mutex
	w     io.Writer
	tty   bool
	width int
	last  string
}

// NewLive creates a Live writer on f.
func NewLive(f *os.File) *Live {
	return &Live{w: f, tty: term.IsTerminal(int(f.Fd())), width: TerminalWidth(f)}
}

// Update shows st.
func (l *Live) Update(st orchestrator.RunState) {
	line := StatusLine(st, l.width)

	l.mu.Lock()
	defer l.mu.Unlock()
	if line == l.last {
		return
	}
	l.last = line
	if l.tty {
		lipgloss.Fprint(l.w, "\r\x1b[2K"+line)
		return
	}
	lipgloss.Fprintln(l.w, line)
}

// Println prints a line above the live status.
func (l *Live) Println(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tty {
		lipgloss.Fprint(l.w, "\r\x1b[2K"+s+"\n"+l.last)
		return
	}
	lipgloss.Fprintln(l.w, s)
}

// Done ends the live line.
func (l *Live) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tty && l.last != "" {
		fmt.Fprintln(l.w)
	}
}

// TerminalWidth reports the column count of f, or 80 when f is not a terminal.
func TerminalWidth(f *os.File) int {
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

func totalRetries(m map[int]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
