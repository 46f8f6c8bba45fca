//go:build unicorn

package main

import (
	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/emulator"
	"github.com/zboralski/loris/internal/session"
)

// newUnicorn mirrors the session's memory into unicorn and carries over the
// reset register state, including anything a script set at load time.
func newUnicorn(sess *session.Session) (machine, func(), error) {
	emu, err := emulator.New(sess.Mem, sess.Hooks, emulator.WithLogger(sess.Logger().WithCategory("unicorn").Logger))
	if err != nil {
		return nil, nil, err
	}
	for r := cpu.RegR0; r <= cpu.RegPC; r++ {
		emu.RegWrite(r, sess.Engine.Reg(r))
	}
	if sess.Script != nil {
		sess.Script.Bind(emu)
	}
	return emu, func() { emu.Close() }, nil
}
