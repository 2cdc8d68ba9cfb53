package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/k4Y53N/nanoServer/runtime"
)

type tickMsg time.Time

// StatusModel is a Bubble Tea model that polls a Source.
type StatusModel struct {
	source   Source
	refresh  time.Duration
	status   runtime.Status
	width    int
	height   int
	quitting bool
}

// NewStatusModel creates a status model. refresh <= 0 uses DefaultRefresh.
func NewStatusModel(source Source, refresh time.Duration) StatusModel {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return StatusModel{source: source, refresh: refresh, status: source()}
}

func (m StatusModel) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.status = m.source()
		return m, m.tick()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			m.status = m.source()
		}
	}
	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}
	st := m.status

	var b strings.Builder
	b.WriteString(TitleStyle.Render("nanoserver " + st.Version))
	b.WriteString("\n")

	b.WriteString(row("Listening", st.ServerAddr))
	b.WriteString(row("State", StateStyle(st.State.String()).Render(st.State.String())))
	if st.Session != nil {
		b.WriteString(row("Client", st.Session.Address.String()))
		b.WriteString(row("Session", st.Session.ID))
		b.WriteString(row("Connected", st.TakenAt.Sub(st.Session.ConnectedAt).Truncate(time.Second).String()))
	} else {
		b.WriteString(row("Client", DimStyle.Render("none")))
	}
	b.WriteString(row("Stream", onOff(st.Flags.Streaming)))
	b.WriteString(row("Infer", onOff(st.Flags.Inferring)))
	b.WriteString(row("Quality", fmt.Sprintf("%dx%d", st.Width, st.Height)))

	config := st.ActiveConfig
	if config == "" {
		config = "-"
	}
	if st.DetectorLoading {
		config += lipgloss.NewStyle().Foreground(colorWait).Render(" (loading)")
	}
	b.WriteString(row("Detector", config))
	b.WriteString(row("Motion", fmt.Sprintf("r=%.2f theta=%.0f", st.Motion.R, st.Motion.Theta)))
	b.WriteString("\n")

	s := st.Metrics
	boxes := []string{
		tile("Received", s.MessagesReceived, colorTraffic),
		tile("Sent", s.MessagesSent, colorTraffic),
		tile("Frames", s.FramesProduced, colorOK),
		tile("Dropped", s.InboundDropped+s.OutboundDropped, colorWait),
		tile("Errors", s.ProtocolErrors+s.TransportErrors+s.HandlerErrors, colorFault),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	if len(s.DisconnectsByReason) > 0 {
		b.WriteString("\n")
		b.WriteString(row("Disconnects", disconnects(s.DisconnectsByReason)))
	}

	b.WriteString(HelpStyle.Render("q stop server  r refresh"))
	return FrameStyle.Render(b.String())
}

func row(label, value string) string {
	return LabelStyle.Render(label+":") + " " + ValueStyle.Render(value) + "\n"
}

func onOff(v bool) string {
	if v {
		return lipgloss.NewStyle().Foreground(colorOK).Render("on")
	}
	return DimStyle.Render("off")
}

func disconnects(by map[string]int64) string {
	reasons := make([]string, 0, len(by))
	for r := range by {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = fmt.Sprintf("%s=%d", r, by[r])
	}
	return strings.Join(parts, " ")
}

func tile(label string, value int64, color lipgloss.Color) string {
	body := lipgloss.JoinVertical(lipgloss.Center,
		TileValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value)),
		TileLabelStyle.Render(label),
	)
	return TileStyle.BorderForeground(color).Render(body)
}

// RenderStatic renders one status snapshot without starting a program.
func RenderStatic(st runtime.Status) string {
	m := StatusModel{status: st, width: 80, height: 24, refresh: DefaultRefresh}
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
