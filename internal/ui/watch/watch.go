// Package watch renders a live session table that refreshes itself from the
// store. Reads only; quitting the watcher never touches a session.
package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/zbell/afk/internal/log"
	"github.com/zbell/afk/internal/session"
	"github.com/zbell/afk/internal/store"
)

// DefaultInterval is how often the table refreshes from the store.
const DefaultInterval = 2 * time.Second

const (
	idWidth      = 24
	statusWidth  = 12
	iterWidth    = 7
	ageWidth     = 8
	pidWidth     = 7
	minTaskWidth = 16

	// logPaneLines is how many recent debug-log entries the pane keeps.
	logPaneLines = 6
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#BBBBBB"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8787"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#73F59F"))
	retryStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#54A0FF"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#BBBBBB"))
)

// Model holds the watch view state.
type Model struct {
	store    *store.Store
	interval time.Duration

	table table.Model
	spin  spinner.Model

	sessions []*session.Session
	checksum string
	err      error

	logs     *log.LogListener
	logLines []string

	width  int
	height int
}

type tickMsg time.Time

type sessionsMsg struct {
	sessions []*session.Session
	checksum string
	err      error
}

// New creates a watch model over the given store.
func New(st *store.Store, interval time.Duration) Model {
	if interval <= 0 {
		interval = DefaultInterval
	}

	sp := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(runningStyle),
	)

	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	st2 := table.DefaultStyles()
	st2.Header = st2.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	st2.Selected = st2.Selected.Bold(true).Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#3C3C3C"))
	t.SetStyles(st2)

	return Model{
		store:    st,
		interval: interval,
		table:    t,
		spin:     sp,
		width:    80,
		height:   24,
	}
}

// WithLogPane attaches a pane that streams the process debug log under the
// table. A nil listener (logging disabled) leaves the model unchanged.
func (m Model) WithLogPane(l *log.LogListener) Model {
	m.logs = l
	return m
}

// Init starts the refresh loop.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.refreshCmd(), m.tick(), m.spin.Tick}
	if m.logs != nil {
		cmds = append(cmds, m.logs.Listen())
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(columns(m.width))
		m.table.SetRows(rows(m.sessions, taskWidth(m.width)))
		h := m.height - 5 - m.paneHeight()
		if h < 3 {
			h = 3
		}
		m.table.SetHeight(h)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), m.tick())

	case sessionsMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		// Same checksum means nothing changed; keep the rendered rows.
		if msg.checksum == m.checksum {
			return m, nil
		}
		m.sessions = msg.sessions
		m.checksum = msg.checksum
		m.table.SetRows(rows(m.sessions, taskWidth(m.width)))
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case log.LogEvent:
		if m.logs == nil {
			return m, nil
		}
		if line := strings.TrimSpace(msg.Payload); line != "" {
			m.logLines = append(m.logLines, line)
			if len(m.logLines) > logPaneLines {
				m.logLines = m.logLines[len(m.logLines)-logPaneLines:]
			}
		}
		return m, m.logs.Listen()
	}

	return m, nil
}

// View renders the table with a header and a summary footer.
func (m Model) View() string {
	header := titleStyle.Render("afk sessions")
	if n := countActive(m.sessions); n > 0 {
		header += "  " + m.spin.View() + runningStyle.Render(fmt.Sprintf("%d active", n))
	}

	out := header + "\n\n" + m.table.View() + "\n\n" + m.footer()
	if m.err != nil {
		out += "\n" + errStyle.Render("store error: "+m.err.Error())
	}
	if pane := m.logPane(); pane != "" {
		out += "\n\n" + pane
	}
	return out
}

// logPane renders the trailing debug-log lines, newest last.
func (m Model) logPane() string {
	if m.logs == nil || len(m.logLines) == 0 {
		return ""
	}
	lines := make([]string, 0, len(m.logLines)+1)
	lines = append(lines, titleStyle.Render("debug log"))
	for _, line := range m.logLines {
		lines = append(lines, dimStyle.Render(runewidth.Truncate(line, m.width, "…")))
	}
	return strings.Join(lines, "\n")
}

// paneHeight is the vertical space the table gives up when the pane is
// attached.
func (m Model) paneHeight() int {
	if m.logs == nil {
		return 0
	}
	return logPaneLines + 2
}

func (m Model) footer() string {
	stats := countByGroup(m.sessions)
	summary := fmt.Sprintf("%d active · %d completed · %d failed · %d stopped",
		stats.active, stats.completed, stats.failed, stats.stopped)
	return dimStyle.Render(summary + "   q quit · ↑/↓ scroll")
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refreshCmd() tea.Cmd {
	st := m.store
	return func() tea.Msg {
		sessions, sum, err := st.AllWithChecksum()
		return sessionsMsg{sessions: sessions, checksum: sum, err: err}
	}
}

func columns(width int) []table.Column {
	return []table.Column{
		{Title: "ID", Width: idWidth},
		{Title: "STATUS", Width: statusWidth},
		{Title: "ITER", Width: iterWidth},
		{Title: "TASK", Width: taskWidth(width)},
		{Title: "AGE", Width: ageWidth},
		{Title: "PID", Width: pidWidth},
	}
}

// taskWidth flexes the task column to fill the terminal; every cell carries
// two columns of padding from the default table styles.
func taskWidth(width int) int {
	w := width - 12 - (idWidth + statusWidth + iterWidth + ageWidth + pidWidth)
	if w < minTaskWidth {
		w = minTaskWidth
	}
	return w
}

func rows(sessions []*session.Session, taskW int) []table.Row {
	out := make([]table.Row, 0, len(sessions))
	for _, s := range sessions {
		pid := "-"
		if s.PID != nil && *s.PID > 0 {
			pid = fmt.Sprintf("%d", *s.PID)
		}
		out = append(out, table.Row{
			s.ID,
			statusCell(s.Status),
			fmt.Sprintf("%d/%d", s.IterationsCompleted, s.IterationsPlanned),
			runewidth.Truncate(s.Task, taskW, "…"),
			fmtAge(time.Since(s.StartedAt)),
			pid,
		})
	}
	return out
}

// statusCell stays narrower than its column so the styled text is never
// truncated mid-escape.
func statusCell(st session.Status) string {
	return statusStyle(st).Render("● " + string(st))
}

func statusStyle(st session.Status) lipgloss.Style {
	switch st {
	case session.StatusRunning:
		return runningStyle
	case session.StatusRetrying:
		return retryStyle
	case session.StatusError, session.StatusFailed:
		return errStyle
	case session.StatusCompleted:
		return dimStyle
	case session.StatusStopped:
		return stoppedStyle
	default:
		return pendingStyle
	}
}

type groupCounts struct {
	active    int
	completed int
	failed    int
	stopped   int
}

func countByGroup(sessions []*session.Session) groupCounts {
	var g groupCounts
	for _, s := range sessions {
		switch {
		case s.Status.IsActive():
			g.active++
		case s.Status == session.StatusCompleted:
			g.completed++
		case s.Status == session.StatusError || s.Status == session.StatusFailed:
			g.failed++
		case s.Status == session.StatusStopped:
			g.stopped++
		}
	}
	return g
}

func countActive(sessions []*session.Session) int {
	n := 0
	for _, s := range sessions {
		if s.Status.IsActive() {
			n++
		}
	}
	return n
}

// fmtAge renders a duration in at most two units.
func fmtAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		return fmt.Sprintf("%dh%dm", h, int(d.Minutes())-h*60)
	default:
		days := int(d.Hours()) / 24
		return fmt.Sprintf("%dd%dh", days, int(d.Hours())-days*24)
	}
}
