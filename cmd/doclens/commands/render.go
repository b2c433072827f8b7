package commands

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/doclens-ai/doclens/pkg/types"
)

// renderer writes conversation output in the terminal idiom: colored role
// labels, dim traces, tool lines in yellow.
type renderer struct {
	you       *color.Color
	assistant *color.Color
	tool      *color.Color
	dim       *color.Color
	fail      *color.Color

	atLineStart bool
}

func newRenderer() *renderer {
	return &renderer{
		you:         color.New(color.FgCyan, color.Bold),
		assistant:   color.New(color.FgGreen, color.Bold),
		tool:        color.New(color.FgYellow),
		dim:         color.New(color.FgHiBlack),
		fail:        color.New(color.FgRed),
		atLineStart: true,
	}
}

func (r *renderer) banner(url string) {
	fmt.Fprintln(os.Stderr, r.dim.Sprintf("Connected to %s", url))
}

func (r *renderer) user(text string) {
	fmt.Printf("%s %s\n", r.you.Sprint("you ›"), text)
	r.atLineStart = true
}

func (r *renderer) assistantLabel() {
	fmt.Printf("%s ", r.assistant.Sprint("assistant ›"))
	r.atLineStart = false
}

func (r *renderer) text(chunk string) {
	fmt.Print(chunk)
	r.atLineStart = strings.HasSuffix(chunk, "\n")
}

// breakLine moves to column zero without emitting blank lines when already
// there.
func (r *renderer) breakLine() {
	if !r.atLineStart {
		fmt.Println()
		r.atLineStart = true
	}
}

func (r *renderer) toolLine(tc types.ToolCallRecord) {
	r.breakLine()
	fmt.Println(r.tool.Sprintf("→ tool %s (%s)", tc.Name, tc.Status))
}

func (r *renderer) stepLine(st types.StepRecord) {
	r.breakLine()
	fmt.Println(r.dim.Sprintf("· %s %s", st.Kind, st.Content))
}

func (r *renderer) sourceLine(src types.SourceRecord) {
	line := fmt.Sprintf("[%s] %s", src.Kind, firstLine(src.Content))
	if src.Score != nil {
		line = fmt.Sprintf("%s (%.2f)", line, *src.Score)
	}
	fmt.Println(r.dim.Sprint("  " + line))
}

func (r *renderer) notice(msg string) {
	r.breakLine()
	fmt.Println(r.dim.Sprint(msg))
}

func (r *renderer) help(text string) {
	r.breakLine()
	fmt.Println(text)
}

func (r *renderer) errorf(format string, args ...any) {
	r.breakLine()
	fmt.Fprintln(os.Stderr, r.fail.Sprintf(format, args...))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// turnPrinter renders one assistant turn as updates arrive. Bus delivery is
// concurrent, so updates can arrive out of order; the printer only renders
// forward progress and ignores anything that would move backwards.
type turnPrinter struct {
	render *renderer

	mu        sync.Mutex
	done      bool
	started   bool
	printed   int
	toolsSeen map[string]types.ToolCallStatus
	stepsSeen int
}

func newTurnPrinter(r *renderer) *turnPrinter {
	return &turnPrinter{
		render:    r,
		toolsSeen: make(map[string]types.ToolCallStatus),
	}
}

func (p *turnPrinter) observe(turn types.Turn) {
	if turn.Role != types.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}

	p.startLocked()
	if len(turn.Content) > p.printed {
		p.render.text(turn.Content[p.printed:])
		p.printed = len(turn.Content)
	}
	for _, tc := range turn.ToolCalls {
		prev, seen := p.toolsSeen[tc.Name]
		switch {
		case !seen:
			p.render.toolLine(tc)
			p.toolsSeen[tc.Name] = tc.Status
		case prev != tc.Status && tc.Status == types.ToolCallComplete:
			p.render.toolLine(tc)
			p.toolsSeen[tc.Name] = tc.Status
		}
	}
	for i := p.stepsSeen; i < len(turn.Steps); i++ {
		p.render.stepLine(turn.Steps[i])
	}
	if len(turn.Steps) > p.stepsSeen {
		p.stepsSeen = len(turn.Steps)
	}
}

// finish settles the rendering from the final snapshot. Updates that are
// still in flight on the bus are dropped from here on.
func (p *turnPrinter) finish(final types.Turn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true

	if len(final.Content) > p.printed {
		p.startLocked()
		p.render.text(final.Content[p.printed:])
		p.printed = len(final.Content)
	}
	if !p.started && len(final.Sources) == 0 {
		p.render.notice("(no reply)")
		return
	}

	p.render.breakLine()
	for _, src := range final.Sources {
		p.render.sourceLine(src)
	}
	if final.Status == types.TurnCancelled {
		p.render.notice("turn cancelled; partial reply kept")
	}
}

// abort stops rendering after a failed turn, leaving the cursor at column
// zero for the error line.
func (p *turnPrinter) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	p.render.breakLine()
}

func (p *turnPrinter) startLocked() {
	if !p.started {
		p.render.assistantLabel()
		p.started = true
	}
}
