package tui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/k4Y53N/nanoServer/runtime"
)

// Source returns the current server status.
type Source func() runtime.Status

// DefaultRefresh is the console refresh period.
const DefaultRefresh = 500 * time.Millisecond

type keyMap struct {
	Quit    key.Binding
	Refresh key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "stop server"),
	),
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
}

// Run shows the status console until the user quits or ctx ends.
// It returns nil in both cases.
func Run(ctx context.Context, source Source, refresh time.Duration) error {
	p := tea.NewProgram(NewStatusModel(source, refresh), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
