// Package colorize provides syntax highlighting for trace output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

// IDA-style theme colors
const (
	IDAAddress  = "#808080" // Gray for addresses
	IDAMnemonic = "#FFFFFF" // White for mnemonics
	IDARegister = "#87CEEB" // Light blue for registers
	IDANumber   = "#FF80C0" // Light pink for numbers
	IDALabel    = "#FFC800" // Yellow for labels/function names
	IDAComment  = "#FF8000" // Orange for comments
	IDAString   = "#00FF00" // Green for strings
	IDAHexBytes = "#646464" // Dark gray for hex bytes
)

// DisasmDark is a custom style for disassembly - IDA Pro style
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           IDAMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        IDAComment,
	chroma.CommentPreproc: IDAComment,

	chroma.Keyword:       IDAMnemonic,
	chroma.KeywordPseudo: IDAMnemonic,
	chroma.Name:          IDARegister,
	chroma.NameBuiltin:   IDARegister,
	chroma.NameVariable:  IDARegister,

	chroma.LiteralNumber:        IDANumber,
	chroma.LiteralNumberHex:     IDANumber,
	chroma.LiteralNumberBin:     IDANumber,
	chroma.LiteralNumberOct:     IDANumber,
	chroma.LiteralNumberInteger: IDANumber,

	chroma.NameLabel:    IDALabel,
	chroma.NameFunction: IDAMnemonic,

	chroma.Operator:    IDAMnemonic,
	chroma.Punctuation: IDAMnemonic,

	chroma.String: IDAString,
}))

// lipgloss styles for panels and register tables.
var (
	regNameStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(IDARegister)).Width(5)
	regValueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(IDANumber))
	regChangedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5050")).Bold(true)
	flagOnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(IDALabel)).Bold(true)
	flagOffStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(IDAHexBytes))
	stateOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(IDAString)).Bold(true)
	stateBadStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(IDANumber)).Bold(true)
	panelStyle      = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#505050")).
			Padding(0, 1)
)

// Panel draws s inside a rounded border.
func Panel(s string) string {
	if IsDisabled() {
		return s
	}
	return panelStyle.Render(s)
}
