// Package prompt asks the user for a single line of input in the terminal.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrAborted is returned when the user cancels the prompt.
var ErrAborted = errors.New("prompt aborted")

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

type model struct {
	label     string
	input     textinput.Model
	value     string
	submitted bool
	aborted   bool
}

func newModel(label, placeholder string) model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 60

	return model{label: label, input: ti}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyEnter:
			m.value = strings.TrimSpace(m.input.Value())
			m.submitted = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.aborted = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.submitted || m.aborted {
		return ""
	}
	return fmt.Sprintf("%s\n%s\n%s\n",
		labelStyle.Render(m.label),
		m.input.View(),
		hintStyle.Render("enter to confirm, esc to cancel"))
}

// Ask shows label and returns the trimmed line the user entered. opts are
// passed to the bubbletea program.
func Ask(label, placeholder string, opts ...tea.ProgramOption) (string, error) {
	final, err := tea.NewProgram(newModel(label, placeholder), opts...).Run()
	if err != nil {
		return "", fmt.Errorf("failed to run prompt: %w", err)
	}

	m, ok := final.(model)
	if !ok || m.aborted || !m.submitted {
		return "", ErrAborted
	}
	return m.value, nil
}
