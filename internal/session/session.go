// Package session assembles a runnable machine from a firmware image and a
// run profile: memory layout, hooks, intercepts, tracing and scripts.
package session

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/config"
	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/hook"
	"github.com/zboralski/loris/internal/intercept"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
	"github.com/zboralski/loris/internal/script"
	"github.com/zboralski/loris/internal/stubs"
	_ "github.com/zboralski/loris/internal/stubs/all"
	"github.com/zboralski/loris/internal/svd"
	"github.com/zboralski/loris/internal/trace"
)

// Session is one machine. Sessions share nothing.
type Session struct {
	ID         string
	Image      *firmware.Image
	Mem        *memory.Map
	Hooks      *hook.Dispatcher
	Engine     *cpu.Engine
	Intercepts *intercept.Set
	Recorder   *trace.Recorder
	Device     *svd.Device
	Script     *script.Host
	BitBand    *intercept.BitBand
	Stubs      *stubs.Target

	log *log.Logger
}

// Options tunes what New wires in beyond the profile.
type Options struct {
	Logger *log.Logger
	Trace  bool        // install a trace recorder
	Device *svd.Device // preloaded SVD; otherwise loaded from the profile
	Script []script.Option
}

// New maps img per cfg, installs intercepts ahead of the recorder so traced
// reads show rewritten values, loads the SVD device, hooks symbol stubs,
// resets the engine and finally runs the profile's script.
func New(img *firmware.Image, cfg *config.Config, opts Options) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	lg := opts.Logger
	if lg == nil {
		lg = log.Get()
	}
	s := &Session{
		ID:    uuid.NewString(),
		Image: img,
		Mem:   memory.New(),
		Hooks: hook.New(),
	}
	s.log = lg.WithRun(s.ID)

	if err := firmware.Setup(s.Mem, img, cfg.Layout()); err != nil {
		return nil, err
	}
	if cfg.BitBand && cfg.RAMSize != 0 {
		size := cfg.RAMSize
		if size > intercept.BitBandSpan {
			size = intercept.BitBandSpan
		}
		bb, err := intercept.InstallBitBand(s.Mem, s.Hooks, cfg.RAMBase, size, s.log.WithCategory("bitband").Logger)
		if err != nil {
			return nil, err
		}
		s.BitBand = bb
	}

	set, err := intercept.New(cfg.Intercepts, s.log.WithCategory("intercept").Logger)
	if err != nil {
		return nil, err
	}
	if err := set.Install(s.Hooks); err != nil {
		return nil, err
	}
	s.Intercepts = set

	s.Device = opts.Device
	if s.Device == nil && cfg.SVD.Vendor != "" {
		dev, err := svd.Load(cfg.SVD.Dirs, cfg.SVD.Vendor, cfg.SVD.Part)
		if err != nil {
			return nil, err
		}
		s.Device = dev
	}

	if opts.Trace {
		var extra []trace.Enricher
		if s.Device != nil {
			extra = append(extra, trace.NameEnricher(s.Device))
		}
		if cfg.RAMSize != 0 {
			extra = append(extra, trace.StackEnricher(cfg.RAMBase, cfg.RAMBase+cfg.RAMSize))
		}
		s.Recorder = trace.NewRecorder(extra...)
		if err := s.Recorder.Install(s.Hooks); err != nil {
			return nil, err
		}
		rec := s.Recorder
		s.log.SetOnEvent(func(pc uint32, category, name, detail string) {
			e := trace.NewEvent(pc, trace.Tag(category), 0, 0, 0)
			e.Name = name
			e.Detail = detail
			rec.Add(e)
		})
	}
	set.OnHit = func(pc uint32, r intercept.Rule, v uint32) {
		s.log.Event(pc, string(trace.Intercept), r.Label(), fmt.Sprintf("[0x%08x] <- 0x%0*x", r.Addr, 2*r.Size, v))
	}

	if cfg.Stubs {
		syms := make(map[string]uint32, len(img.Symbols))
		for _, sym := range img.Symbols {
			syms[sym.Name] = sym.Addr
		}
		var n int
		s.Stubs, n = stubs.Install(s.Hooks, s.log.WithCategory("stub"), syms)
		s.log.Debug("stubs installed", zap.Int("count", n))
	}

	s.Engine = cpu.New(s.Mem, s.Hooks, cpu.WithLogger(s.log.WithCategory("cpu").Logger))

	if err := s.Engine.Reset(); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	// scripts run after reset so top-level setReg sticks
	if cfg.Script != "" {
		sopts := append([]script.Option{script.WithLogger(s.log.WithCategory("script").Logger)}, opts.Script...)
		s.Script = script.New(s.Mem, s.Hooks, sopts...)
		s.Script.Bind(s.Engine)
		if err := s.Script.RunFile(cfg.Script); err != nil {
			return nil, err
		}
	}
	s.log.Debug("session ready",
		zap.String("format", img.Format),
		log.Ptr("base", img.Base),
		log.PC(s.Engine.PC()),
		log.Ptr("sp", s.Engine.SP()))
	return s, nil
}

// Run runs the engine. A script exception that stopped the run is returned
// as the error.
func (s *Session) Run(start, until uint32, count int) error {
	err := s.Engine.Run(start, until, count)
	if err == nil && s.Script != nil {
		err = s.Script.Err()
	}
	return err
}

// Logger returns the session's run-scoped logger.
func (s *Session) Logger() *log.Logger {
	return s.log
}
