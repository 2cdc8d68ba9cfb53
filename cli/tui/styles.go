// Package tui is the live status console shown by `nanoserver serve --tui`.
// It only reads runtime.Status; quitting the console stops the server.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/k4Y53N/nanoServer/types"
)

var (
	colorAccent  = lipgloss.Color("#7C3AED")
	colorOK      = lipgloss.Color("#10B981")
	colorWait    = lipgloss.Color("#F59E0B")
	colorFault   = lipgloss.Color("#EF4444")
	colorDim     = lipgloss.Color("#6B7280")
	colorTraffic = lipgloss.Color("#3B82F6")
	colorText    = lipgloss.Color("#FFFFFF")
)

var (
	TitleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).MarginBottom(1)
	LabelStyle = lipgloss.NewStyle().Foreground(colorDim).Width(12)
	ValueStyle = lipgloss.NewStyle().Foreground(colorText)
	DimStyle   = lipgloss.NewStyle().Foreground(colorDim)
	HelpStyle  = DimStyle.MarginTop(1)
	FrameStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(1, 2)

	// Counter tiles.
	TileStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Width(14).
			Align(lipgloss.Center)
	TileValueStyle = lipgloss.NewStyle().Bold(true).Align(lipgloss.Center)
	TileLabelStyle = DimStyle.Align(lipgloss.Center)
)

// stateColors maps each connection state to its indicator colour.
var stateColors = map[string]lipgloss.Color{
	types.StateActive.String():        colorOK,
	types.StateAccepting.String():     colorWait,
	types.StateListening.String():     colorWait,
	types.StateDisconnecting.String(): colorWait,
	types.StateClosed.String():        colorFault,
}

// StateStyle colours a connection state name. Unknown names render plain.
func StateStyle(state string) lipgloss.Style {
	if c, ok := stateColors[state]; ok {
		return lipgloss.NewStyle().Bold(true).Foreground(c)
	}
	return ValueStyle
}
