// Reference chat TUI client.
//
// Screens
// -------
//   stateJoin – centered username prompt
//   stateChat – full-screen chat with scrollable message viewport
//
// Concurrency
// -----------
//   A single goroutine reads newline-delimited wire lines from the TCP
//   connection and forwards raw bytes to the lines channel. The Bubbletea
//   event loop consumes one line at a time via waitForLine (a tea.Cmd),
//   immediately queuing the next read after each line is processed.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amritsingh183/chat-server/internal/protocol"
)

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(gray).
			Width(10)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(cyan).
				Width(10)

	hintStyle = lipgloss.NewStyle().
			Foreground(gray).
			Italic(true)

	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

type serverLineMsg []byte
type disconnectedMsg struct{}

type appState int

const (
	stateJoin appState = iota
	stateChat
)

type model struct {
	conn  net.Conn
	lines chan []byte

	state appState
	me    string

	joinField textinput.Model
	statusMsg string

	ready       bool
	viewport    viewport.Model
	chatInput   textinput.Model
	chatLines   []string
	onlineCount int

	width, height int
}

func newModel(conn net.Conn, lines chan []byte) model {
	jf := textinput.New()
	jf.Placeholder = "username"
	jf.Focus()
	jf.CharLimit = 32
	jf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 500

	return model{
		conn:      conn,
		lines:     lines,
		state:     stateJoin,
		joinField: jf,
		chatInput: ci,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForLine(m.lines))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverLineMsg:
		m = m.handleServerLine(string(msg))
		return m, waitForLine(m.lines)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case tea.KeyMsg:
		switch m.state {
		case stateJoin:
			return m.handleJoinKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

func (m model) vpHeight() int {
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m model) handleJoinKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEnter:
		name := strings.TrimSpace(m.joinField.Value())
		if name == "" {
			m.statusMsg = "username is required"
			return m, nil
		}
		sendLine(m.conn, protocol.NewJoin(name))
		m.statusMsg = "Joining…"
		return m, nil
	}

	var cmd tea.Cmd
	m.joinField, cmd = m.joinField.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		sendLine(m.conn, protocol.NewLeave())
		return m, tea.Quit

	case tea.KeyEnter:
		content := strings.TrimSpace(m.chatInput.Value())
		if content != "" {
			sendLine(m.conn, protocol.NewSend(content))
			m.chatInput.Reset()
		}
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// handleServerLine decodes one wire line and folds it into the model. A
// decode error from a malformed server line is dropped silently — the core
// server never emits one, so this only guards against a broken connection.
func (m model) handleServerLine(raw string) model {
	line := strings.TrimRight(raw, "\r\n")
	msg, err := protocol.Decode([]byte(line))
	if err != nil {
		return m
	}

	switch msg.Command {
	case protocol.EvtOK:
		m.me = strings.TrimSpace(m.joinField.Value())
		m.state = stateChat
		m.chatInput.Focus()
		m.onlineCount = 1
		return m

	case protocol.EvtErr:
		if m.state == stateJoin {
			m.statusMsg = msg.Text
		} else {
			m.appendChat(errorStyle.Render("⚠ " + msg.Text))
		}
		return m

	case protocol.EvtJoined:
		m.onlineCount++
		m.appendChat(sysStyle.Render("⚡ " + msg.Username + " joined the chat"))
		return m

	case protocol.EvtLeft:
		if m.onlineCount > 0 {
			m.onlineCount--
		}
		m.appendChat(sysStyle.Render("⚡ " + msg.Username + " left the chat"))
		return m

	case protocol.EvtBroadcast:
		ts := tsStyle.Render("[" + time.Now().Format("15:04:05") + "]")
		var name string
		if msg.Username == m.me {
			name = myNameStyle.Render(msg.Username)
		} else {
			name = peerStyle.Render(msg.Username)
		}
		m.appendChat(ts + " " + name + ": " + msg.Text)
	}
	return m
}

func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) View() string {
	switch m.state {
	case stateJoin:
		return m.viewJoin()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewJoin() string {
	if m.width == 0 {
		return "\n  Connecting to server…"
	}

	title := titleStyle.Render("  Chat Terminal  ")

	var lbl string
	if m.joinField.Focused() {
		lbl = focusedLabelStyle.Render("Username")
	} else {
		lbl = labelStyle.Render("Username")
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		lbl+"  "+m.joinField.View(),
		"",
		hintStyle.Render("Enter: join   Ctrl+C: quit"),
		"",
		m.renderStatus(),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" Chat  ·  %s  ·  %d online  ·  PgUp/Dn: Scroll  Ctrl+C: Quit",
			m.me, m.onlineCount))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

func (m model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if strings.Contains(m.statusMsg, "Joining") {
		return hintStyle.Render(m.statusMsg)
	}
	return errorStyle.Render(m.statusMsg)
}

// waitForLine returns a tea.Cmd that blocks until the next line arrives on
// ch. When ch is closed (server disconnected), it returns disconnectedMsg.
func waitForLine(ch <-chan []byte) tea.Cmd {
	return func() tea.Msg {
		data, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return serverLineMsg(data)
	}
}

// sendLine encodes msg and writes it as a newline-terminated line to conn.
func sendLine(conn net.Conn, msg protocol.Message) {
	line := append(protocol.Encode(msg), '\n')
	conn.Write(line)
}

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	lines := make(chan []byte, 64)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
	}()

	p := tea.NewProgram(
		newModel(conn, lines),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
