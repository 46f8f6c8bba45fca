//go:build !capstone

package disasm

// New returns the build's preferred disassembler.
func New() Disassembler {
	return Native{}
}
