// Package stepper is an interactive single-step view over the engine.
package stepper

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/disasm"
	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/trace"
	"github.com/zboralski/loris/internal/ui/colorize"
)

// ContinueLimit bounds a "continue" so a tight loop cannot hang the UI.
const ContinueLimit = 100000

const lookahead = 6

// Model is the bubbletea model. Build it with New.
type Model struct {
	eng    *cpu.Engine
	dis    disasm.Disassembler
	rec    *trace.Recorder
	img    *firmware.Image
	prev   cpu.Snapshot
	breaks map[uint32]bool

	history  []string
	vp       viewport.Model
	status   string
	quitting bool
	width    int
}

// New wraps a reset engine. rec may be nil; when set its events are
// appended to each trace line, so it should already be installed.
func New(eng *cpu.Engine, dis disasm.Disassembler, rec *trace.Recorder, img *firmware.Image) Model {
	return Model{
		eng:    eng,
		dis:    dis,
		rec:    rec,
		img:    img,
		prev:   eng.Snapshot(),
		breaks: make(map[uint32]bool),
		vp:     viewport.New(80, 10),
		status: "s step  c continue  b breakpoint  q quit",
		width:  80,
	}
}

func (m Model) Init() tea.Cmd { return nil }

// History returns the rendered trace lines so far.
func (m Model) History() []string { return m.history }

// Breakpoint reports whether addr has a breakpoint.
func (m Model) Breakpoint(addr uint32) bool { return m.breaks[addr] }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.vp.Width = msg.Width
		if h := msg.Height - lookahead - 10; h > 3 {
			m.vp.Height = h
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s", "n", "enter", " ":
			m = m.step(1)
		case "c":
			m = m.step(ContinueLimit)
		case "b":
			pc := m.eng.PC() &^ 1
			m.breaks[pc] = !m.breaks[pc]
			if m.breaks[pc] {
				m.status = fmt.Sprintf("breakpoint set at 0x%08x", pc)
			} else {
				m.status = fmt.Sprintf("breakpoint cleared at 0x%08x", pc)
			}
		default:
			var cmd tea.Cmd
			m.vp, cmd = m.vp.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

// step runs up to n instructions one at a time, stopping at breakpoints
// after the first.
func (m Model) step(n int) Model {
	if m.eng.State() == cpu.Faulted {
		m.status = "faulted: " + m.eng.Fault().Error()
		return m
	}
	m.prev = m.eng.Snapshot()
	for i := 0; i < n; i++ {
		pc := m.eng.PC() &^ 1
		if i > 0 && m.breaks[pc] {
			m.status = fmt.Sprintf("breakpoint at 0x%08x", pc)
			break
		}
		line := m.line(pc)
		err := m.eng.Run(0, 0, 1)
		if m.rec != nil {
			var comments []string
			for _, e := range m.rec.Drain() {
				comments = append(comments, e.Comment())
			}
			if len(comments) > 0 {
				line += "  " + colorize.Comment("; "+strings.Join(comments, "; "))
			}
		}
		m.history = append(m.history, line)
		if err != nil {
			m.status = colorize.Error("fault: " + err.Error())
			break
		}
		m.status = fmt.Sprintf("%d instruction(s)", i+1)
		if m.eng.Executed() == 0 {
			m.status = "stopped by hook"
			break
		}
	}
	m.vp.SetContent(strings.Join(m.history, "\n"))
	m.vp.GotoBottom()
	return m
}

// line renders the instruction at pc without side effects.
func (m Model) line(pc uint32) string {
	size := uint32(4)
	code, err := m.eng.Memory().Read(pc, size)
	if err != nil {
		size = 2
		if code, err = m.eng.Memory().Read(pc, size); err != nil {
			return colorize.Address(pc) + "  " + colorize.Error("unmapped")
		}
	}
	ins := disasm.One(m.dis, disasm.ModeFor(m.eng.Thumb()), code, pc)
	label := ""
	if m.img != nil {
		if s, off, ok := m.img.Symbol(pc); ok && off == 0 {
			label = s.Name
		}
	}
	return colorize.TraceLine(pc, ins.Bytes, ins.Text(), label)
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var next []string
	pc := m.eng.PC() &^ 1
	for i := 0; i < lookahead; i++ {
		code, err := m.eng.Memory().Read(pc, 4)
		if err != nil {
			if code, err = m.eng.Memory().Read(pc, 2); err != nil {
				break
			}
		}
		ins := disasm.One(m.dis, disasm.ModeFor(m.eng.Thumb()), code, pc)
		marker := "  "
		if i == 0 {
			marker = "> "
		}
		if m.breaks[pc] {
			marker = "* "
		}
		next = append(next, marker+colorize.TraceLine(pc, ins.Bytes, ins.Text(), ""))
		if len(ins.Bytes) == 0 {
			break
		}
		pc += uint32(len(ins.Bytes))
	}

	header := colorize.Header(fmt.Sprintf("loris  %s  executed %d", colorize.State(m.eng.State()), len(m.history)))
	snap := m.eng.Snapshot()
	regs := colorize.Panel(colorize.Registers(snap, &m.prev))
	code := colorize.Panel(strings.Join(next, "\n"))
	top := lipgloss.JoinHorizontal(lipgloss.Top, code, " ", regs)
	if m.width < lipgloss.Width(top) {
		top = lipgloss.JoinVertical(lipgloss.Left, code, regs)
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, top, m.vp.View(), colorize.Detail(m.status))
}

// Run starts the interactive program.
func Run(m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
