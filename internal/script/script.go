// Package script runs JavaScript hook files against the engine.
//
// A script registers ordinary dispatcher hooks:
//
//	onCode(function (addr, size) { if (addr == 0x08000120) stop() })
//	onRead(function (addr, size, value) { mem.write32(addr, 0) }, 0x40013800, 0x40013803)
//	onUnmapped(function (addr, size, access) { mem.map(addr & ~0xfff, 0x1000); return true })
//
// Inside a callback mem, reg and setReg act on the running machine; at the
// top level they act on the machine passed to Bind.
package script

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
)

// Host owns one goja runtime and the hooks its scripts registered.
type Host struct {
	vm      *goja.Runtime
	mem     *memory.Map
	hooks   *hook.Dispatcher
	bound   hook.Machine
	cur     hook.Machine
	handles []*hook.Handle
	out     io.Writer
	log     *zap.Logger
	err     error
}

// Option configures a Host.
type Option func(*Host)

// WithOutput sends log() output to w instead of the zap logger.
func WithOutput(w io.Writer) Option {
	return func(h *Host) { h.out = w }
}

// WithLogger sets the logger for script diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.log = l }
}

// New creates a host. mem backs mem.map and top-level memory access.
func New(mem *memory.Map, d *hook.Dispatcher, opts ...Option) *Host {
	h := &Host{
		vm:    goja.New(),
		mem:   mem,
		hooks: d,
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.install()
	return h
}

// Bind sets the machine used outside callbacks.
func (h *Host) Bind(m hook.Machine) {
	h.bound = m
}

// Err returns the first exception raised inside a callback.
func (h *Host) Err() error {
	return h.err
}

// Run evaluates src.
func (h *Host) Run(name, src string) error {
	if _, err := h.vm.RunScript(name, src); err != nil {
		return fmt.Errorf("script %s: %w", name, err)
	}
	return nil
}

// RunFile evaluates the script at path.
func (h *Host) RunFile(path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}
	return h.Run(path, string(src))
}

// Close removes every hook the scripts registered.
func (h *Host) Close() {
	for _, hd := range h.handles {
		h.hooks.Remove(hd)
	}
	h.handles = nil
}

func (h *Host) machine() hook.Machine {
	if h.cur != nil {
		return h.cur
	}
	if h.bound == nil {
		panic(h.vm.NewTypeError("no machine outside a hook; call from a callback"))
	}
	return h.bound
}

// call invokes fn with the machine current. An exception stops the engine.
func (h *Host) call(m hook.Machine, fn goja.Callable, args ...interface{}) goja.Value {
	prev := h.cur
	h.cur = m
	defer func() { h.cur = prev }()
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = h.vm.ToValue(a)
	}
	ret, err := fn(goja.Undefined(), vals...)
	if err != nil {
		if h.err == nil {
			h.err = err
		}
		h.log.Error("script callback failed", log.PC(m.PC()), zap.Error(err))
		m.Stop()
		return goja.Undefined()
	}
	return ret
}

// hookRange reads the optional [begin, end] arguments.
func (h *Host) hookRange(call goja.FunctionCall) (uint32, uint32) {
	if len(call.Arguments) < 3 {
		return 1, 0
	}
	return uint32(call.Argument(1).ToInteger()), uint32(call.Argument(2).ToInteger())
}

func (h *Host) callable(v goja.Value) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(h.vm.NewTypeError("hook callback is not a function"))
	}
	return fn
}

func (h *Host) register(class hook.Class, cb interface{}, begin, end uint32) {
	hd, err := h.hooks.Register(class, cb, begin, end)
	if err != nil {
		panic(h.vm.NewGoError(err))
	}
	h.handles = append(h.handles, hd)
}

func (h *Host) install() {
	vm := h.vm

	vm.Set("onCode", func(call goja.FunctionCall) goja.Value {
		fn := h.callable(call.Argument(0))
		begin, end := h.hookRange(call)
		h.register(hook.Code, hook.CodeFunc(func(m hook.Machine, addr, size uint32) {
			h.call(m, fn, addr, size)
		}), begin, end)
		return goja.Undefined()
	})
	memHook := func(class hook.Class) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn := h.callable(call.Argument(0))
			begin, end := h.hookRange(call)
			h.register(class, hook.MemFunc(func(m hook.Machine, access hook.Access, addr uint32, size int, value uint32) {
				h.call(m, fn, addr, size, value, access.String())
			}), begin, end)
			return goja.Undefined()
		}
	}
	vm.Set("onRead", memHook(hook.MemRead))
	vm.Set("onWrite", memHook(hook.MemWrite))
	vm.Set("onUnmapped", func(call goja.FunctionCall) goja.Value {
		fn := h.callable(call.Argument(0))
		begin, end := h.hookRange(call)
		h.register(hook.MemUnmapped, hook.FaultFunc(func(m hook.Machine, access hook.Access, addr uint32, size int, value uint32) bool {
			return h.call(m, fn, addr, size, access.String(), value).ToBoolean()
		}), begin, end)
		return goja.Undefined()
	})
	vm.Set("onInterrupt", func(call goja.FunctionCall) goja.Value {
		fn := h.callable(call.Argument(0))
		h.register(hook.Interrupt, hook.IntrFunc(func(m hook.Machine, intno uint32) {
			h.call(m, fn, intno)
		}), 1, 0)
		return goja.Undefined()
	})

	vm.Set("reg", func(name string) uint32 {
		return h.machine().RegRead(h.regIndex(name))
	})
	vm.Set("setReg", func(name string, v int64) {
		h.machine().RegWrite(h.regIndex(name), uint32(v))
	})
	vm.Set("stop", func() {
		h.machine().Stop()
	})
	vm.Set("hex", func(v int64) string {
		return log.Hex(uint32(v))
	})
	vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		line := strings.Join(parts, " ")
		if h.out != nil {
			fmt.Fprintln(h.out, line)
		} else {
			h.log.Info(line, zap.String("source", "script"))
		}
		return goja.Undefined()
	})

	mem := vm.NewObject()
	mem.Set("read", func(addr, n int64) []interface{} {
		b := h.read(uint32(addr), uint32(n))
		out := make([]interface{}, len(b))
		for i, v := range b {
			out[i] = int64(v)
		}
		return out
	})
	mem.Set("write", func(addr int64, data goja.Value) {
		var b []byte
		if err := vm.ExportTo(data, &b); err != nil {
			panic(vm.NewTypeError("mem.write wants an array of bytes: %v", err))
		}
		h.write(uint32(addr), b)
	})
	mem.Set("read32", func(addr int64) uint32 {
		return binary.LittleEndian.Uint32(h.read(uint32(addr), 4))
	})
	mem.Set("write32", func(addr, v int64) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		h.write(uint32(addr), b[:])
	})
	mem.Set("read16", func(addr int64) uint16 {
		return binary.LittleEndian.Uint16(h.read(uint32(addr), 2))
	})
	mem.Set("write16", func(addr, v int64) {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		h.write(uint32(addr), b[:])
	})
	mem.Set("map", func(call goja.FunctionCall) goja.Value {
		base := uint32(call.Argument(0).ToInteger())
		size := uint32(call.Argument(1).ToInteger())
		prot := memory.ProtRead | memory.ProtWrite
		if p := call.Argument(2); !goja.IsUndefined(p) {
			prot = int(p.ToInteger())
		}
		if _, err := h.mem.Map(base, size, prot, "script"); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	mem.Set("mapped", func(addr, size int64) bool {
		return h.mem.Mapped(uint32(addr), uint32(size))
	})
	vm.Set("mem", mem)

	prot := vm.NewObject()
	prot.Set("R", memory.ProtRead)
	prot.Set("W", memory.ProtWrite)
	prot.Set("X", memory.ProtExec)
	vm.Set("PROT", prot)
}

func (h *Host) regIndex(name string) int {
	r, ok := cpu.RegByName(name)
	if !ok {
		panic(h.vm.NewTypeError("unknown register %q", name))
	}
	return r
}

func (h *Host) read(addr, n uint32) []byte {
	var (
		b   []byte
		err error
	)
	if h.cur == nil && h.bound == nil {
		b, err = h.mem.Read(addr, n)
	} else {
		b, err = h.machine().MemRead(addr, n)
	}
	if err != nil {
		panic(h.vm.NewGoError(err))
	}
	return b
}

func (h *Host) write(addr uint32, p []byte) {
	var err error
	if h.cur == nil && h.bound == nil {
		err = h.mem.Write(addr, p)
	} else {
		err = h.machine().MemWrite(addr, p)
	}
	if err != nil {
		panic(h.vm.NewGoError(err))
	}
}
