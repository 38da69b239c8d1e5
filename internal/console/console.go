// Package console writes program output and errors to the terminal, one
// line per message, prefixed with the id of the program that produced it.
package console

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/EternityForest/Acorns/internal/engine"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/manager"
)

var (
	idColor    = lipgloss.Color("#60A5FA")
	errorColor = lipgloss.Color("#F87171")
	warnColor  = lipgloss.Color("#FBBF24")
	mutedColor = lipgloss.Color("#9CA3AF")
	okColor    = lipgloss.Color("#10B981")
)

// RootLabel is shown in place of the root program's empty id.
const RootLabel = "root"

// tagWidth is how much of a version tag the summary shows.
const tagWidth = 12

// UseColor resolves a color mode ("auto", "always" or "never") for w. Auto
// colors only when w is a terminal.
func UseColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Console is a pair of process-wide sinks. Its Output and Error methods
// match manager.SinkFactory.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	r      *lipgloss.Renderer

	id    lipgloss.Style
	text  lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	muted lipgloss.Style
	ok    lipgloss.Style

	errors map[string]int
}

// New creates a Console writing output to out and errors to errOut.
func New(out, errOut io.Writer, colorMode string) *Console {
	r := lipgloss.NewRenderer(out)
	if UseColor(colorMode, out) {
		r.SetColorProfile(termenv.TrueColor)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Console{
		out:    out,
		errOut: errOut,
		r:      r,
		id:     r.NewStyle().Foreground(idColor).Bold(true),
		text:   r.NewStyle().TabWidth(lipgloss.NoTabConversion),
		err:    r.NewStyle().Foreground(errorColor).TabWidth(lipgloss.NoTabConversion),
		warn:   r.NewStyle().Foreground(warnColor).TabWidth(lipgloss.NoTabConversion),
		muted:  r.NewStyle().Foreground(mutedColor),
		ok:     r.NewStyle().Foreground(okColor),
		errors: make(map[string]int),
	}
}

// Output returns the output sink for program id.
func (c *Console) Output(id string) engine.Sink {
	return func(msg string) {
		c.write(c.out, id, msg, c.text)
	}
}

// Error returns the error sink for program id. Every message counts
// toward Errors.
func (c *Console) Error(id string) engine.Sink {
	return func(msg string) {
		c.mu.Lock()
		c.errors[id]++
		c.mu.Unlock()
		c.write(c.errOut, id, msg, c.err)
	}
}

// Report writes err to the error stream for program id, styled by its
// severity. Errors not meant for users are cut to their first line.
func (c *Console) Report(id string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if !apperrors.IsUserFacing(err) {
		msg = apperrors.Summary(err)
	}
	style := c.err
	if apperrors.GetSeverity(err) <= apperrors.SeverityWarning {
		style = c.warn
	}
	c.mu.Lock()
	c.errors[id]++
	c.mu.Unlock()
	c.write(c.errOut, id, msg, style)
}

func (c *Console) write(w io.Writer, id, msg string, body lipgloss.Style) {
	if id == "" {
		id = RootLabel
	}
	prefix := c.id.Render("[" + id + "]")
	msg = strings.TrimRight(msg, "\n")

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintf(w, "%s %s\n", prefix, body.Render(line))
	}
}

// Errors returns the number of error messages reported so far.
func (c *Console) Errors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.errors {
		n += v
	}
	return n
}

// ErrorsFor returns the number of error messages program id reported.
func (c *Console) ErrorsFor(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors[id]
}

// Summary renders a table of program snapshots together with the error
// count each program reported.
func (c *Console) Summary(programs []manager.Status) string {
	if len(programs) == 0 {
		return c.muted.Render("no programs loaded")
	}
	rows := make([][]string, 0, len(programs))
	for _, p := range programs {
		id := p.ID
		if id == "" {
			id = RootLabel
		}
		state := "idle"
		switch {
		case p.Zombie:
			state = "zombie"
		case p.Busy > 0:
			state = "busy"
		}
		rows = append(rows, []string{
			id,
			shortTag(p.VersionTag),
			state,
			strconv.Itoa(p.Refs),
			strconv.Itoa(p.Subscriptions),
			strconv.Itoa(c.ErrorsFor(p.ID)),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.muted).
		Headers("PROGRAM", "VERSION", "STATE", "REFS", "SUBS", "ERRORS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := c.r.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			if col == 5 && rows[row][5] != "0" {
				return c.err.Padding(0, 1)
			}
			if col == 5 {
				return c.ok.Padding(0, 1)
			}
			return style
		})
	return t.String()
}

func shortTag(tag string) string {
	return ansi.Truncate(tag, tagWidth, "")
}
