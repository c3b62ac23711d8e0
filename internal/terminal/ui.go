// Package terminal is the console front-end. It drives a conversation on the
// local sound card and renders its progress with lipgloss.
package terminal

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/internal/turn"
)

// Palette used by the console output. Colours degrade to plain text when the
// output is not a terminal.
var (
	colorAccent = lipgloss.AdaptiveColor{Light: "#5A3FD9", Dark: "#9D86FF"}
	colorUser   = lipgloss.AdaptiveColor{Light: "#1F6FB2", Dark: "#6CB6FF"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#B35900", Dark: "#F0B72F"}
)

type styles struct {
	banner    lipgloss.Style
	title     lipgloss.Style
	label     lipgloss.Style
	user      lipgloss.Style
	assistant lipgloss.Style
	status    lipgloss.Style
	warn      lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		banner: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 2),
		title:     r.NewStyle().Bold(true).Foreground(colorAccent),
		label:     r.NewStyle().Foreground(colorMuted).Width(10),
		user:      r.NewStyle().Bold(true).Foreground(colorUser),
		assistant: r.NewStyle().Bold(true).Foreground(colorAccent),
		status:    r.NewStyle().Italic(true).Foreground(colorMuted),
		warn:      r.NewStyle().Foreground(colorWarn),
	}
}

// BannerInfo is shown in the startup banner.
type BannerInfo struct {
	Assistant string
	Mode      string
	LLM       string
	STT       string
	TTS       string
	VAD       string
}

// UI writes the conversation to a terminal. It implements
// [session.Observer] and also provides the stage and speech hooks used by
// the controller and recorder. Methods are safe for concurrent use.
type UI struct {
	mu        sync.Mutex
	out       io.Writer
	s         styles
	assistant string
}

var _ session.Observer = (*UI)(nil)

// New returns a UI that writes to out.
func New(out io.Writer, assistant string) *UI {
	return &UI{
		out:       out,
		s:         newStyles(lipgloss.NewRenderer(out)),
		assistant: assistant,
	}
}

// Banner prints the startup summary.
func (u *UI) Banner(info BannerInfo) {
	row := func(label, value string) string {
		if value == "" {
			value = "(not configured)"
		}
		return u.s.label.Render(label) + value
	}
	body := lipgloss.JoinVertical(lipgloss.Left,
		u.s.title.Render("parley")+"  local voice assistant",
		"",
		row("Assistant", info.Assistant),
		row("Mode", info.Mode),
		row("LLM", info.LLM),
		row("STT", info.STT),
		row("TTS", info.TTS),
		row("VAD", info.VAD),
		"",
		u.s.status.Render("Say goodbye or press Ctrl+C to quit."),
	)
	u.println(u.s.banner.Render(body))
}

// StateChanged implements [session.Observer].
func (u *UI) StateChanged(_, to session.State) {
	switch to {
	case session.AwaitingInput:
		u.status("listening…")
	case session.Ended:
		u.status("conversation ended")
	}
}

// TurnFinished implements [session.Observer].
func (u *UI) TurnFinished(res turn.Result) {
	switch res.Outcome {
	case turn.EmptyInput:
		u.status("that was too short, try again")
		return
	case turn.NoSpeechRecognized:
		u.status("no speech recognised, try again")
		return
	}
	if res.Transcript != "" {
		u.println(u.s.user.Render("You:") + " " + res.Transcript)
	}
	if text := res.ReplyText(); text != "" {
		u.println(u.s.assistant.Render(u.assistant+":") + " " + text)
	}
	if res.Err != nil {
		u.println(u.s.warn.Render("! " + res.Err.Error()))
	}
}

// Stage shows the step a turn is in. It matches the controller's stage hook.
func (u *UI) Stage(st turn.Stage, _ string) {
	u.status(st.String() + "…")
}

// Speech shows voice activity. It matches the recorder's event hook.
func (u *UI) Speech(ev speech.Event) {
	if ev.Kind == speech.SpeechStarted {
		u.status("recording…")
	}
}

// Error prints a fatal error.
func (u *UI) Error(err error) {
	u.println(u.s.warn.Render("error: " + err.Error()))
}

// Goodbye prints the closing line.
func (u *UI) Goodbye(turns int) {
	plural := "s"
	if turns == 1 {
		plural = ""
	}
	u.println(u.s.status.Render(fmt.Sprintf("%d turn%s. Goodbye!", turns, plural)))
}

func (u *UI) status(msg string) {
	u.println(u.s.status.Render("  " + msg))
}

func (u *UI) println(s string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintln(u.out, strings.TrimRight(s, " "))
}
