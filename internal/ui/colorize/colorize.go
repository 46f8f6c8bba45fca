package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/zboralski/loris/internal/cpu"
)

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"armasm", "gas", "GAS", "nasm"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// forced overrides the environment; nil means "ask the environment".
var forced *bool

// SetEnabled forces colour on or off regardless of the environment.
func SetEnabled(on bool) {
	off := !on
	forced = &off
}

// IsDisabled returns true if colors are disabled via SetEnabled or the
// environment.
func IsDisabled() bool {
	if forced != nil {
		return *forced
	}
	return os.Getenv("LORIS_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an assembly instruction using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	_ = DisasmDark // Force registration
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address in yellow
func Address(addr uint32) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string {
	return rgb(255, 180, 200, tag)
}

// FuncName formats a symbol name in yellow (IDA style labels)
func FuncName(name string) string {
	return rgb(255, 200, 0, name)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	return rgb(180, 180, 180, detail)
}

// Border formats border characters in dark gray
func Border(s string) string {
	return rgb(80, 80, 80, s)
}

// Comment formats trace comments in orange
func Comment(s string) string {
	return rgb(255, 128, 0, s)
}

// Header formats header text in blue (IDA style)
func Header(s string) string {
	return rgb(86, 156, 214, s)
}

// HexBytes formats hex opcode bytes in dark gray
func HexBytes(s string) string {
	return rgb(100, 100, 100, s)
}

// Error formats error messages in pink
func Error(s string) string {
	return rgb(255, 128, 192, s)
}

// TraceLine renders "ADDR  bytes  insn ; comment" for one executed
// instruction. label, when set, is printed as "<label>:" on its own line first.
func TraceLine(addr uint32, code []byte, insn, label string, comments ...string) string {
	var b strings.Builder
	if label != "" {
		b.WriteString(FuncName(label + ":"))
		b.WriteByte('\n')
	}
	hexb := fmt.Sprintf("%-11x", code)
	if len(code) == 2 {
		hexb = fmt.Sprintf("%-11s", fmt.Sprintf("%04x", uint16(code[1])<<8|uint16(code[0])))
	} else if len(code) == 4 {
		hexb = fmt.Sprintf("%-11s", fmt.Sprintf("%04x %04x",
			uint16(code[1])<<8|uint16(code[0]), uint16(code[3])<<8|uint16(code[2])))
	}
	fmt.Fprintf(&b, "%s  %s %s", Address(addr), HexBytes(hexb), Instruction(insn))
	if len(comments) > 0 {
		b.WriteString("  ")
		b.WriteString(Comment("; " + strings.Join(comments, "; ")))
	}
	return b.String()
}

// Registers renders a register dump four to a line. Registers whose value
// differs from prev (when non-nil) are highlighted.
func Registers(s cpu.Snapshot, prev *cpu.Snapshot) string {
	var b strings.Builder
	for i := 0; i < 16; i++ {
		name := cpu.RegName(i)
		val := fmt.Sprintf("%08x", s.Regs.R[i])
		if IsDisabled() {
			fmt.Fprintf(&b, "%-4s %s", name, val)
		} else {
			st := regValueStyle
			if prev != nil && prev.Regs.R[i] != s.Regs.R[i] {
				st = regChangedStyle
			}
			b.WriteString(regNameStyle.Render(name) + st.Render(val))
		}
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteString("  ")
		}
	}
	b.WriteString(Flags(s))
	return b.String()
}

// Flags renders NZCV plus the execution state.
func Flags(s cpu.Snapshot) string {
	flag := func(name string, on bool) string {
		if IsDisabled() {
			if on {
				return name
			}
			return "-"
		}
		if on {
			return flagOnStyle.Render(name)
		}
		return flagOffStyle.Render(name)
	}
	mode := "arm"
	if s.Thumb {
		mode = "thumb"
	}
	return fmt.Sprintf("%s%s%s%s  xpsr %08x  %s",
		flag("N", s.Regs.N()), flag("Z", s.Regs.Z()), flag("C", s.Regs.C()), flag("V", s.Regs.V()), s.XPSR(), mode)
}

// State renders an engine state, green when the run ended cleanly.
func State(st cpu.State) string {
	if IsDisabled() {
		return st.String()
	}
	if st == cpu.Faulted {
		return stateBadStyle.Render(st.String())
	}
	return stateOKStyle.Render(st.String())
}
