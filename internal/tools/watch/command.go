// Package watch is a terminal dashboard over the gateway API: it polls the
// session list and the recent-events window and renders them live.
package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/chatwire/session-gateway/internal/dispatch"
	"github.com/chatwire/session-gateway/internal/domain"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

type options struct {
	baseURL  string
	interval time.Duration
}

func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal view of sessions and recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newModel(*opts)
			_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "gateway API base URL")
	cmd.Flags().DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval")
	return cmd
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateStyles = map[domain.SessionState]lipgloss.Style{
		domain.StateConnected:         lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		domain.StateCredentialWaiting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		domain.StateDisconnected:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type snapshot struct {
	Sessions []domain.Session
	Events   []dispatch.Envelope
	Err      error
}

type tickMsg time.Time

type model struct {
	opts   options
	client *http.Client
	snap   snapshot
}

func newModel(opts options) model {
	return model{opts: opts, client: &http.Client{Timeout: 5 * time.Second}}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll, tick(m.opts.interval))
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll, tick(m.opts.interval))
	case snapshot:
		m.snap = msg
	}
	return m, nil
}

func (m model) poll() tea.Msg {
	var snap snapshot
	if err := m.fetch("/api/v1/sessions", &snap.Sessions); err != nil {
		snap.Err = err
		return snap
	}
	if err := m.fetch("/api/v1/events/recent", &snap.Events); err != nil {
		snap.Err = err
	}
	return snap
}

func (m model) fetch(path string, out any) error {
	resp, err := m.client.Get(m.opts.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s responded %s", path, resp.Status)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	return json.Unmarshal(envelope.Data, out)
}

func (m model) View() string {
	s := titleStyle.Render("session-gateway") + "  (q to quit)\n\n"
	if m.snap.Err != nil {
		s += errStyle.Render("error: "+m.snap.Err.Error()) + "\n\n"
	}

	s += headerStyle.Render(fmt.Sprintf("%-24s %-20s %-16s %s", "ID", "STATE", "ACCOUNT", "CONNECTED AT")) + "\n"
	if len(m.snap.Sessions) == 0 {
		s += "  no sessions\n"
	}
	for _, sess := range m.snap.Sessions {
		state := string(sess.State)
		if style, ok := stateStyles[sess.State]; ok {
			state = style.Render(state)
		}
		connectedAt := "-"
		if sess.ConnectedAt != nil {
			connectedAt = sess.ConnectedAt.Local().Format(time.TimeOnly)
		}
		s += fmt.Sprintf("%-24s %-20s %-16s %s\n", truncate(sess.ID, 24), state, truncate(sess.AccountID, 16), connectedAt)
	}

	s += "\n" + headerStyle.Render("RECENT EVENTS") + "\n"
	if len(m.snap.Events) == 0 {
		s += "  none\n"
	}
	for _, ev := range m.snap.Events {
		s += fmt.Sprintf("  %s  %-22s %s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.EventType, truncate(ev.Origin, 24))
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
