package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zboralski/loris/internal/config"
	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/disasm"
	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/hook"
	llog "github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/script"
	"github.com/zboralski/loris/internal/session"
	"github.com/zboralski/loris/internal/svd"
	"github.com/zboralski/loris/internal/trace"
	"github.com/zboralski/loris/internal/ui/colorize"
)

func newRunCmd() *cobra.Command {
	var (
		f       machineFlags
		backend string
	)
	cmd := &cobra.Command{
		Use:   "run <firmware>",
		Short: "Run firmware and print an instruction trace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fw := ""
			if len(args) == 1 {
				fw = args[0]
			}
			cfg, err := profile(cmd, &f, fw)
			if err != nil {
				return err
			}
			if cfg.Firmware == "" {
				return errors.New("no firmware: pass a file or set firmware in the profile")
			}
			return runTrace(cmd.OutOrStdout(), cfg, backend)
		},
	}
	addMachineFlags(cmd, &f)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode (summary only)")
	cmd.Flags().StringVar(&backend, "backend", "native", "execution backend: native or unicorn")
	return cmd
}

// outputWriter batches trace lines so printing does not dominate the run.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	o := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go o.run()
	return o
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	w.ch <- line
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

// instructionTags classifies a Thumb/ARM mnemonic for the trace comment.
func instructionTags(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	mn := strings.TrimSuffix(fields[0], ".w")
	ops := strings.Join(fields[1:], " ")
	switch {
	case mn == "bl" || mn == "blx":
		return []string{"#call"}
	case mn == "bx" && ops == "lr", strings.HasPrefix(mn, "pop") && strings.Contains(ops, "pc"):
		return []string{"#ret"}
	case mn == "svc" || mn == "bkpt":
		return []string{"#exc"}
	case strings.HasPrefix(mn, "ldrex") || strings.HasPrefix(mn, "strex") || mn == "clrex":
		return []string{"#excl"}
	case mn == "dmb" || mn == "dsb" || mn == "isb":
		return []string{"#barrier"}
	case mn == "cpsid" || mn == "cpsie" || mn == "msr" || mn == "mrs":
		return []string{"#sys"}
	case mn == "wfi" || mn == "wfe":
		return []string{"#wait"}
	}
	return nil
}

var conds = map[string]bool{
	"eq": true, "ne": true, "cs": true, "cc": true, "hs": true, "lo": true, "mi": true, "pl": true,
	"vs": true, "vc": true, "hi": true, "ls": true, "ge": true, "lt": true, "gt": true, "le": true,
}

func isBlockEnd(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	mn := strings.TrimSuffix(fields[0], ".w")
	switch {
	case mn == "b", mn == "bx", mn == "cbz", mn == "cbnz", mn == "tbb", mn == "tbh":
		return true
	case len(mn) == 3 && mn[0] == 'b' && conds[mn[1:]]:
		return true
	case strings.HasPrefix(mn, "pop") && strings.Contains(text, "pc"):
		return true
	}
	return false
}

// tracer renders one line per executed instruction. Memory events for an
// instruction arrive after its Code hook, so each line is held until the
// next instruction starts or the run ends.
type tracer struct {
	out   *outputWriter
	dis   disasm.Disassembler
	rec   *trace.Recorder
	img   *firmware.Image
	quiet bool

	pending  string
	text     string
	tagCount map[string]int
}

func (t *tracer) code(m hook.Machine, addr, size uint32) {
	t.flush("")
	if m.PC()&^1 != addr {
		// a stub already returned from this function
		return
	}
	code, err := m.MemRead(addr, size)
	if err != nil {
		return
	}
	mode := disasm.ModeThumb
	if th, ok := m.(interface{ Thumb() bool }); ok {
		mode = disasm.ModeFor(th.Thumb())
	}
	ins := disasm.One(t.dis, mode, code, addr)
	label := ""
	if s, off, ok := t.img.Symbol(addr); ok && off == 0 {
		label = s.Name
	}
	t.text = ins.Text()
	t.pending = colorize.TraceLine(addr, ins.Bytes, ins.Text(), label)
	for _, tag := range instructionTags(t.text) {
		t.tagCount[tag]++
	}
}

// flush emits the held line with the events it caused.
func (t *tracer) flush(extra string) {
	if t.pending == "" {
		return
	}
	var comments []string
	comments = append(comments, instructionTags(t.text)...)
	for _, e := range t.rec.Drain() {
		comments = append(comments, e.Comment())
	}
	if extra != "" {
		comments = append(comments, extra)
	}
	if !t.quiet {
		line := t.pending
		if len(comments) > 0 {
			line += "  " + colorize.Comment("; "+strings.Join(comments, "; "))
		}
		t.out.Write(line)
		if isBlockEnd(t.text) {
			t.out.Write("")
		}
	}
	t.pending = ""
}

func runTrace(w io.Writer, cfg *config.Config, backend string) error {
	img, err := firmware.Load(cfg.Firmware, cfg.Format, cfg.FlashBase)
	if err != nil {
		return err
	}
	sess, err := session.New(img, cfg, session.Options{
		Logger: llog.Get(),
		Trace:  true,
		Script: []script.Option{script.WithOutput(w)},
	})
	if err != nil {
		return err
	}
	m, closeFn, err := newBackend(backend, sess)
	if err != nil {
		return err
	}
	defer closeFn()

	out := newOutputWriter(w)
	t := &tracer{
		out:      out,
		dis:      disasm.New(),
		rec:      sess.Recorder,
		img:      img,
		quiet:    quiet,
		tagCount: make(map[string]int),
	}
	sess.Hooks.OnCode(t.code)

	if !quiet {
		printHeader(out, img, sess)
	}
	began := time.Now()
	runErr := m.Run(cfg.Start, cfg.Until, cfg.Count)
	if runErr == nil && sess.Script != nil {
		runErr = sess.Script.Err()
	}
	fault := ""
	if runErr != nil {
		fault = "fault: " + runErr.Error()
	}
	t.flush(fault)
	out.Close()

	state := cpu.Stopped
	if runErr != nil {
		state = cpu.Faulted
	}
	snap := m.Snapshot()
	if quiet {
		fmt.Fprintf(w, "%s\n", colorize.FuncName(filepath.Base(img.Path)))
	} else {
		fmt.Fprintln(w)
		fmt.Fprintln(w, colorize.Registers(snap, nil))
	}
	printStats(w, m.Executed(), sess, t.tagCount, state, runErr, time.Since(began))
	return nil
}

func printHeader(w *outputWriter, img *firmware.Image, sess *session.Session) {
	sp, pc, _ := img.Vector()
	w.Write("")
	w.Write(fmt.Sprintf("%s loris ─ Cortex-M trace", colorize.Header("▶")))
	w.Write(fmt.Sprintf("  %s %s (%s)", colorize.Detail("Loading:"), img.Path, img.Format))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(img.Base),
		colorize.Detail("SP:"), colorize.Address(sp),
		colorize.Detail("Reset:"), colorize.Address(pc)))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Symbols:"), colorize.FuncName(fmt.Sprintf("%d", len(img.Symbols))),
		colorize.Detail("Intercepts:"), colorize.FuncName(fmt.Sprintf("%d", len(sess.Intercepts.Rules()))),
		colorize.Detail("Regions:"), colorize.FuncName(fmt.Sprintf("%d", len(sess.Mem.Regions())))))
	if sess.Device != nil {
		w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Device:"), colorize.FuncName(sess.Device.Name)))
	}
	w.Write("")
}

func printStats(w io.Writer, executed int, sess *session.Session, tags map[string]int, state cpu.State, err error, took time.Duration) {
	hits := 0
	for i := range sess.Intercepts.Rules() {
		hits += sess.Intercepts.Hits(i)
	}
	fmt.Fprint(w, colorize.Border("───────────────────────────────────────── "))
	fmt.Fprintf(w, "%s insn  %s", colorize.FuncName(fmt.Sprintf("%d", executed)), colorize.State(state))
	if hits > 0 {
		fmt.Fprintf(w, "  %d %s", hits, colorize.Detail("intercept"))
	}
	for _, tag := range []string{"#call", "#ret", "#exc"} {
		if n := tags[tag]; n > 0 {
			fmt.Fprintf(w, "  %d %s", n, colorize.Detail(strings.TrimPrefix(tag, "#")))
		}
	}
	if verbose {
		fmt.Fprintf(w, "  %s", colorize.Detail(took.Round(time.Microsecond).String()))
	}
	if err != nil {
		fmt.Fprintf(w, "  %s", colorize.Error(err.Error()))
	}
	fmt.Fprintln(w)
}

func defaultSVDDirs() []string { return svd.DefaultDirs() }
