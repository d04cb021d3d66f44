package main

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var errPickerAborted = errors.New("selection aborted")

const (
	pickNone  = -1
	pickAbort = -2
)

var (
	pickerPromptStyle = lipgloss.NewStyle().Bold(true)
	pickerCursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	pickerHintStyle   = lipgloss.NewStyle().Faint(true)
)

type pickItem struct {
	id    string
	title string
}

type pickerModel struct {
	prompt string
	items  []pickItem
	cursor int
	choice int
	done   bool
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}
	case "enter":
		m.choice = m.cursor
		m.done = true
		return m, tea.Quit
	case "s", "esc":
		m.choice = pickNone
		m.done = true
		return m, tea.Quit
	case "q", "ctrl+c":
		m.choice = pickAbort
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m pickerModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(pickerPromptStyle.Render(m.prompt))
	b.WriteString("\n")
	for i, item := range m.items {
		line := fmt.Sprintf("  %s  %s", item.id, item.title)
		if i == m.cursor {
			line = pickerCursorStyle.Render("> " + strings.TrimLeft(line, " "))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString(pickerHintStyle.Render("enter: link  s: skip  q: abort"))
	b.WriteString("\n")
	return b.String()
}

// runPicker presents the candidates and returns the chosen index, pickNone
// on skip, or errPickerAborted when the operator quits.
func runPicker(prompt string, items []pickItem) (int, error) {
	final, err := tea.NewProgram(pickerModel{prompt: prompt, choice: pickNone}.withItems(items)).Run()
	if err != nil {
		return pickNone, err
	}
	m := final.(pickerModel)
	if m.choice == pickAbort {
		return pickNone, errPickerAborted
	}
	return m.choice, nil
}

func (m pickerModel) withItems(items []pickItem) pickerModel {
	m.items = items
	return m
}
