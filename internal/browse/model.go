// Package browse is an interactive terminal browser for the passphrase
// collection. It renders whatever the collection controller publishes and
// turns key presses into controller operations.
package browse

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tonimelisma/diceware-go/internal/diceware"
)

// Collection is what the browser drives. Calls may block while the
// credential is renewed, so the browser makes them off the update loop.
type Collection interface {
	Refresh() error
	Update(p diceware.Passphrase) error
	Delete(p diceware.Passphrase) error
}

// Options configures a Model.
type Options struct {
	Collection Collection
	// Updates and Faults are the controller's observer channels. The
	// browser quits when Updates closes.
	Updates <-chan []diceware.Passphrase
	Faults  <-chan error
	// Account is shown in the title bar.
	Account string
	// Words is the length of regenerated passphrases.
	Words int
}

type snapshotMsg []diceware.Passphrase

type faultMsg struct{ err error }

type closedMsg struct{}

// opDoneMsg reports the outcome of a Collection call.
type opDoneMsg struct{ err error }

// Model is the Bubble Tea model for the browser.
type Model struct {
	coll    Collection
	updates <-chan []diceware.Passphrase
	faults  <-chan error
	account string
	words   int

	keys keyMap
	help help.Model

	items    []diceware.Passphrase
	cursor   int
	revealed map[int64]bool
	confirm  bool
	loaded   bool
	fault    error
	status   string
	width    int
}

// New creates a browser model.
func New(opts Options) Model {
	words := opts.Words
	if words == 0 {
		words = diceware.DefaultWords
	}

	return Model{
		coll:     opts.Collection,
		updates:  opts.Updates,
		faults:   opts.Faults,
		account:  opts.Account,
		words:    words,
		keys:     defaultKeyMap(),
		help:     help.New(),
		revealed: make(map[int64]bool),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForSnapshot(m.updates), waitForFault(m.faults))
}

func waitForSnapshot(ch <-chan []diceware.Passphrase) tea.Cmd {
	return func() tea.Msg {
		list, ok := <-ch
		if !ok {
			return closedMsg{}
		}

		return snapshotMsg(list)
	}
}

// waitForFault returns nil once the channel closes; closedMsg comes from
// the snapshot side.
func waitForFault(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}

		return faultMsg{err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

		return m, nil

	case snapshotMsg:
		m.setItems(msg)

		if !m.confirm {
			m.status = ""
		}

		return m, waitForSnapshot(m.updates)

	case faultMsg:
		m.fault = msg.err
		return m, waitForFault(m.faults)

	case opDoneMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}

		return m, nil

	case closedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) setItems(list []diceware.Passphrase) {
	m.items = list
	m.loaded = true

	if m.cursor >= len(m.items) {
		m.cursor = max(len(m.items)-1, 0)
	}

	// Forget reveal state for records that are gone.
	present := make(map[int64]bool, len(list))
	for _, p := range list {
		present[p.ID] = true
	}

	for id := range m.revealed {
		if !present[id] {
			delete(m.revealed, id)
		}
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirm {
		m.confirm = false

		if key.Matches(msg, m.keys.Confirm) {
			cmd := m.deleteSelected()
			return m, cmd
		}

		m.status = "delete canceled"

		return m, nil
	}

	var cmd tea.Cmd

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.items)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Reveal):
		if p, ok := m.selected(); ok {
			m.revealed[p.ID] = !m.revealed[p.ID]
		}

	case key.Matches(msg, m.keys.Refresh):
		m.status = "refreshing"
		cmd = run(m.coll.Refresh)

	case key.Matches(msg, m.keys.Regenerate):
		cmd = m.regenerateSelected()

	case key.Matches(msg, m.keys.Delete):
		if p, ok := m.selected(); ok {
			m.confirm = true
			m.status = fmt.Sprintf("delete %q? (y/N)", p.Key)
		}

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}

	return m, cmd
}

// run makes a Collection call off the update loop.
func run(op func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{err: op()}
	}
}

func (m Model) selected() (diceware.Passphrase, bool) {
	if m.cursor < 0 || m.cursor >= len(m.items) {
		return diceware.Passphrase{}, false
	}

	return m.items[m.cursor], true
}

func (m *Model) deleteSelected() tea.Cmd {
	p, ok := m.selected()
	if !ok {
		return nil
	}

	m.status = fmt.Sprintf("deleting %q", p.Key)
	coll := m.coll

	return run(func() error { return coll.Delete(p) })
}

func (m *Model) regenerateSelected() tea.Cmd {
	p, ok := m.selected()
	if !ok {
		return nil
	}

	words, err := diceware.Generate(m.words)
	if err != nil {
		m.status = err.Error()
		return nil
	}

	next := p.Clone()
	next.Words = words
	next = next.Normalize()

	m.revealed[p.ID] = true
	m.status = fmt.Sprintf("new words for %q", p.Key)

	coll := m.coll

	return run(func() error { return coll.Update(next) })
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Diceware passphrases"))

	if m.account != "" {
		b.WriteString("  " + accountStyle.Render(m.account))
	}

	b.WriteString("\n\n")

	switch {
	case !m.loaded:
		b.WriteString(dimStyle.Render("loading..."))
		b.WriteString("\n")
	case len(m.items) == 0:
		b.WriteString(dimStyle.Render("no passphrases"))
		b.WriteString("\n")
	default:
		m.renderItems(&b)
	}

	b.WriteString("\n")

	if m.fault != nil {
		b.WriteString(faultStyle.Render("error: " + m.fault.Error()))
		b.WriteString("\n")
	}

	if m.status != "" {
		style := dimStyle
		if m.confirm {
			style = promptStyle
		}

		b.WriteString(style.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString(m.help.View(m.keys))

	return b.String()
}

func (m Model) renderItems(b *strings.Builder) {
	keyWidth := 0
	for _, p := range m.items {
		keyWidth = max(keyWidth, len(p.Key))
	}

	for i, p := range m.items {
		cursor := "  "
		style := rowStyle

		if i == m.cursor {
			cursor = "> "
			style = selectedStyle
		}

		line := fmt.Sprintf("%s%-6d %-*s", cursor, p.ID, keyWidth, p.Key)
		b.WriteString(style.Render(line))

		if m.revealed[p.ID] {
			b.WriteString("  " + phraseStyle.Render(p.Phrase()))
		} else {
			b.WriteString("  " + dimStyle.Render(fmt.Sprintf("(%d words)", len(p.Words))))
		}

		b.WriteString("\n")
	}
}
