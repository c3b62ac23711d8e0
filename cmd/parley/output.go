package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/MrWong99/parley/internal/preflight"
)

// output renders usage and startup errors. Everything goes to stderr except
// the help text requested with --help.
type output struct {
	stdout, stderr io.Writer

	heading lipgloss.Style
	errText lipgloss.Style
	hint    lipgloss.Style
	dim     lipgloss.Style
}

func newOutput(stdout, stderr io.Writer) *output {
	r := lipgloss.NewRenderer(stderr)
	return &output{
		stdout:  stdout,
		stderr:  stderr,
		heading: r.NewStyle().Bold(true),
		errText: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B3261E", Dark: "#FF7B72"}),
		hint:    r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}),
		dim:     r.NewStyle().Faint(true),
	}
}

func (o *output) Error(err error) {
	fmt.Fprintln(o.stderr, o.errText.Render("parley: "+err.Error()))
}

// Usage prints the command synopsis, the modes and the flags.
func (o *output) Usage(fs *pflag.FlagSet) {
	var b strings.Builder
	b.WriteString(o.heading.Render("Usage:") + " parley [flags] <mode>\n\n")
	b.WriteString(o.heading.Render("Modes:") + "\n")
	b.WriteString("  web        browser front-end with push-to-talk and hands-free streaming\n")
	b.WriteString("  terminal   talk through the local microphone and speakers\n\n")
	b.WriteString(o.heading.Render("Flags:") + "\n")
	b.WriteString(fs.FlagUsages())
	b.WriteString("\n" + o.heading.Render("Examples:") + "\n")
	b.WriteString(o.dim.Render("  parley web") + "\n")
	b.WriteString(o.dim.Render("  parley --config my.yaml terminal --fixed") + "\n")

	w := o.stderr
	if fs.Lookup("help").Changed {
		w = o.stdout
	}
	fmt.Fprint(w, b.String())
}

// Diagnostics lists failed prerequisite checks with their fixes.
func (o *output) Diagnostics(failures []*preflight.Failure) {
	var b strings.Builder
	b.WriteString(o.errText.Render("Prerequisites check failed:") + "\n")
	for _, f := range failures {
		b.WriteString("  " + o.errText.Render("✗ "+f.Error()) + "\n")
		if f.Hint != "" {
			b.WriteString("    " + o.hint.Render(f.Hint) + "\n")
		}
	}
	b.WriteString("\nPlease fix the above issues and try again.\n")
	fmt.Fprint(o.stderr, b.String())
}
