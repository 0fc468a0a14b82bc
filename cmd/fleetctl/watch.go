package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openclaw/fleet/internal/bus"
	"github.com/openclaw/fleet/internal/config"
)

const watchPollInterval = 500 * time.Millisecond
const watchMaxEvents = 200

var (
	watchHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	watchAgentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	watchTypeStyles  = map[string]lipgloss.Style{
		"task":         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		"continuation": lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		"delegation":   lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		"a2a":          lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		"lifecycle":    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		"milestone":    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
	watchDimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// runWatchCommand starts a read-only terminal dashboard tailing the
// coordination log written by `fleetctl run`. It never mutates any
// workspace or store.
func runWatchCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Println("fleetctl: load config:", err)
		return 1
	}

	m := newWatchModel(coordinationLogPath(cfg.HomeDir))
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Println("fleetctl watch:", err)
		return 1
	}
	return 0
}

type watchTickMsg time.Time

type watchEventsMsg struct {
	events []bus.Event
	err    error
}

type watchModel struct {
	logPath string
	events  []bus.Event
	err     error
	width   int
	height  int
}

func newWatchModel(logPath string) watchModel {
	return watchModel{logPath: logPath}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(watchTick(), watchReadEvents(m.logPath))
}

func watchTick() tea.Cmd {
	return tea.Tick(watchPollInterval, func(t time.Time) tea.Msg { return watchTickMsg(t) })
}

func watchReadEvents(path string) tea.Cmd {
	return func() tea.Msg {
		events, err := bus.ReadEvents(path)
		return watchEventsMsg{events: events, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case watchTickMsg:
		return m, tea.Batch(watchTick(), watchReadEvents(m.logPath))
	case watchEventsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.events = msg.events
		if len(m.events) > watchMaxEvents {
			m.events = m.events[len(m.events)-watchMaxEvents:]
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(watchHeaderStyle.Render(fmt.Sprintf("fleetctl watch — %s", m.logPath)))
	b.WriteString("\n")
	b.WriteString(watchDimStyle.Render("press q to quit"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(fmt.Sprintf("error reading coordination log: %v\n", m.err))
		return b.String()
	}
	if len(m.events) == 0 {
		b.WriteString(watchDimStyle.Render("waiting for events..."))
		b.WriteString("\n")
		return b.String()
	}

	for _, ev := range m.events {
		style := watchTypeStyleFor(ev.Type)
		ts := ev.TS.Format("15:04:05")
		eventType := ev.Type
		if m.width > 0 {
			budget := m.width - len(ts) - 1 - 12 - 1
			if budget > 0 && len(eventType) > budget {
				eventType = eventType[:budget]
			}
		}
		b.WriteString(watchDimStyle.Render(ts))
		b.WriteString(" ")
		b.WriteString(watchAgentStyle.Render(padRight(ev.AgentID, 12)))
		b.WriteString(" ")
		b.WriteString(style.Render(eventType))
		b.WriteString("\n")
	}
	return b.String()
}

func watchTypeStyleFor(eventType string) lipgloss.Style {
	prefix, _, _ := strings.Cut(eventType, ".")
	if style, ok := watchTypeStyles[prefix]; ok {
		return style
	}
	prefix, _, _ = strings.Cut(eventType, ":")
	if style, ok := watchTypeStyles[prefix]; ok {
		return style
	}
	return lipgloss.NewStyle()
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
