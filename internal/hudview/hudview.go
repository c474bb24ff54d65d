// Package hudview is the optional foreground renderer (`--hud`): it
// tails status.json and the HUD event file the hub coordinator publishes
// and renders them as a terminal dashboard. A full external renderer
// consumes the same files; this is the minimal in-process viewer of that
// contract.
package hudview

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorBorder  = lipgloss.Color("#2e7de9")
	colorText    = lipgloss.Color("#a9b1d6")
	colorActive  = lipgloss.Color("#7aa2f7")
	colorSuccess = lipgloss.Color("#73daca")
	colorWarning = lipgloss.Color("#ff9e64")
	colorError   = lipgloss.Color("#f7768e")

	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(colorActive)
	stylePanel  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	styleText   = lipgloss.NewStyle().Foreground(colorText)
)

func styleForCategory(category string) lipgloss.Style {
	switch category {
	case "confirmed":
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case "failed":
		return lipgloss.NewStyle().Foreground(colorError)
	case "processed":
		return lipgloss.NewStyle().Foreground(colorWarning)
	default:
		return styleText
	}
}

// statusSnapshot mirrors hub.StatusSnapshot's on-disk JSON shape without
// importing internal/hub, keeping this view package a pure file reader.
type statusSnapshot struct {
	UpdatedAt string `json:"updatedAt"`
	Health    struct {
		Process  any `json:"process"`
		WS       any `json:"ws"`
		Wallets  any `json:"wallets"`
		RPCStats any `json:"rpcStats"`
	} `json:"health"`
}

// hudEvent mirrors hub.HudEvent's on-disk shape.
type hudEvent struct {
	TxID           string `json:"txid"`
	Status         string `json:"status"`
	StatusCategory string `json:"statusCategory"`
	Err            string `json:"err,omitempty"`
	Context        struct {
		Wallet string  `json:"wallet"`
		Mint   string  `json:"mint"`
		Side   string  `json:"side"`
		Size   float64 `json:"size"`
	} `json:"context"`
	ObservedAt string `json:"observedAt"`
}

// tickMsg drives the periodic refresh.
type tickMsg time.Time

// Model is the hudview's bubbletea model.
type Model struct {
	StatusPath    string
	HudEventsPath string
	RenderInterval time.Duration

	status statusSnapshot
	events []hudEvent
	err    error
	width  int
	height int
}

// NewModel constructs a hudview Model reading statusPath/hudEventsPath on
// every tick, defaulting the render interval to 1s if unset.
func NewModel(statusPath, hudEventsPath string, renderInterval time.Duration) Model {
	if renderInterval <= 0 {
		renderInterval = time.Second
	}
	return Model{StatusPath: statusPath, HudEventsPath: hudEventsPath, RenderInterval: renderInterval}
}

func (m Model) Init() tea.Cmd {
	return tea.Tick(m.RenderInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil
	case tickMsg:
		m.refresh()
		return m, tea.Tick(m.RenderInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
	default:
		return m, nil
	}
}

func (m *Model) refresh() {
	if raw, err := os.ReadFile(m.StatusPath); err == nil {
		var snap statusSnapshot
		if json.Unmarshal(raw, &snap) == nil {
			m.status = snap
		}
	}
	if raw, err := os.ReadFile(m.HudEventsPath); err == nil {
		var events []hudEvent
		if json.Unmarshal(raw, &events) == nil {
			m.events = events
		}
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(styleHeader.Render("warchest") + "  " + styleText.Render(m.status.UpdatedAt) + "\n\n")

	maxEvents := 20
	if len(m.events) < maxEvents {
		maxEvents = len(m.events)
	}
	rows := make([]string, 0, maxEvents)
	for _, ev := range m.events[:maxEvents] {
		line := fmt.Sprintf("%-12s %-8s %-6s %s", truncate(ev.TxID, 12), ev.StatusCategory, ev.Context.Side, ev.Context.Mint)
		rows = append(rows, styleForCategory(ev.StatusCategory).Render(line))
	}
	if len(rows) == 0 {
		rows = append(rows, styleText.Render("(no events yet)"))
	}
	b.WriteString(stylePanel.Render(strings.Join(rows, "\n")))
	b.WriteString("\n" + styleText.Render("[q] quit"))
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
