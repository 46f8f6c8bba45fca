// Package service exposes the emulator over Connect RPC.
//
// Messages are google.protobuf.Struct values so clients need no generated
// stubs; both the Connect JSON and binary protobuf codecs work.
package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zboralski/loris/internal/config"
	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/disasm"
	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/intercept"
	"github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/session"
	"github.com/zboralski/loris/internal/svd"
)

const (
	// ServiceName is the fully qualified service name.
	ServiceName = "loris.v1.EmulatorService"

	RunProcedure    = "/" + ServiceName + "/Run"
	DisasmProcedure = "/" + ServiceName + "/Disasm"

	// DefaultMaxCount caps instructions per Run request.
	DefaultMaxCount = 1_000_000
	// MaxFirmware caps the decoded image size.
	MaxFirmware = 16 << 20
)

// Service runs each request on a fresh session. Sessions share nothing, so
// requests run concurrently.
type Service struct {
	Base     *config.Config
	Device   *svd.Device
	MaxCount int

	log *log.Logger
}

// New returns a service whose sessions start from base (nil means the
// defaults). Scripts in base are ignored: requests cannot run host code.
func New(base *config.Config, dev *svd.Device, lg *log.Logger) *Service {
	if base == nil {
		base = config.Default()
	}
	if lg == nil {
		lg = log.Get()
	}
	return &Service{Base: base, Device: dev, MaxCount: DefaultMaxCount, log: lg.WithCategory("rpc")}
}

// Handler returns the mount path and handler, in the shape of generated
// Connect code.
func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, s.Run, opts...))
	mux.Handle(DisasmProcedure, connect.NewUnaryHandler(DisasmProcedure, s.Disasm, opts...))
	return "/" + ServiceName + "/", mux
}

// Run executes a firmware image.
//
// Request fields: firmware (base64), base, start, until, count, trace and
// intercepts (a list of {name, addr, size, value, mask, on}).
// Response fields: id, state, pc, sp, executed, fault, regs, events.
func (s *Service) Run(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	f := req.Msg.GetFields()
	img, err := s.image(f)
	if err != nil {
		return nil, err
	}
	cfg := *s.Base
	cfg.Script = ""
	cfg.SVD = config.SVD{}
	cfg.FlashBase = img.Base
	if cfg.Start, err = u32(f, "start", 0); err != nil {
		return nil, err
	}
	if cfg.Until, err = u32(f, "until", 0); err != nil {
		return nil, err
	}
	count, err := u32(f, "count", 0)
	if err != nil {
		return nil, err
	}
	cfg.Count = int(count)
	if cfg.Count == 0 || cfg.Count > s.MaxCount {
		cfg.Count = s.MaxCount
	}
	if v, ok := f["intercepts"]; ok {
		rules, err := rules(v)
		if err != nil {
			return nil, err
		}
		cfg.Intercepts = append(append([]intercept.Rule(nil), cfg.Intercepts...), rules...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	sess, err := session.New(img, &cfg, session.Options{
		Logger: s.log,
		Trace:  f["trace"].GetBoolValue(),
		Device: s.Device,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, connect.NewError(connect.CodeCanceled, err)
	}

	began := time.Now()
	runErr := sess.Run(cfg.Start, cfg.Until, cfg.Count)
	sess.Logger().Info("run",
		zap.Int("executed", sess.Engine.Executed()),
		zap.Stringer("state", sess.Engine.State()),
		zap.Duration("took", time.Since(began)))

	out, err := result(sess, runErr)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// Disasm disassembles count instructions of firmware starting at addr.
// Request fields: firmware (base64), base, addr, count, arm.
func (s *Service) Disasm(_ context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	f := req.Msg.GetFields()
	img, err := s.image(f)
	if err != nil {
		return nil, err
	}
	addr, err := u32(f, "addr", img.Entry&^1)
	if err != nil {
		return nil, err
	}
	count, err := u32(f, "count", 16)
	if err != nil {
		return nil, err
	}
	if addr < img.Base || uint64(addr) >= img.End() {
		return nil, connect.NewError(connect.CodeOutOfRange, fmt.Errorf("addr 0x%08x outside image", addr))
	}
	mode := disasm.ModeFor(!f["arm"].GetBoolValue())
	code := img.Data[addr-img.Base:]
	if n := 4 * uint64(count); uint64(len(code)) > n {
		code = code[:n]
	}
	ins, err := disasm.New().Disasm(mode, code, addr)
	if err != nil && !errors.Is(err, disasm.ErrEmpty) {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	if uint32(len(ins)) > count {
		ins = ins[:count]
	}
	lines := make([]any, len(ins))
	for i, in := range ins {
		label := ""
		if sym, off, ok := img.Symbol(in.Addr); ok && off == 0 {
			label = sym.Name
		}
		lines[i] = map[string]any{
			"addr":  float64(in.Addr),
			"bytes": fmt.Sprintf("%x", in.Bytes),
			"text":  in.Text(),
			"label": label,
		}
	}
	out, err := structpb.NewStruct(map[string]any{"mode": mode.String(), "ins": lines})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

func (s *Service) image(f map[string]*structpb.Value) (*firmware.Image, error) {
	enc := f["firmware"].GetStringValue()
	if enc == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("firmware is required"))
	}
	if base64.StdEncoding.DecodedLen(len(enc)) > MaxFirmware {
		return nil, connect.NewError(connect.CodeResourceExhausted, fmt.Errorf("firmware larger than %d bytes", MaxFirmware))
	}
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("firmware: %w", err))
	}
	base, err := u32(f, "base", s.Base.FlashBase)
	if err != nil {
		return nil, err
	}
	return firmware.FromBytes(data, base), nil
}

func result(sess *session.Session, runErr error) (*structpb.Struct, error) {
	e := sess.Engine
	regs := make([]any, cpu.RegPC+1)
	for i := range regs {
		regs[i] = float64(e.Reg(i))
	}
	m := map[string]any{
		"id":       sess.ID,
		"state":    e.State().String(),
		"pc":       float64(e.PC()),
		"sp":       float64(e.SP()),
		"executed": float64(e.Executed()),
		"regs":     regs,
	}
	if runErr != nil {
		m["fault"] = runErr.Error()
	}
	if sess.Recorder != nil {
		var events []any
		for _, ev := range sess.Recorder.Drain() {
			events = append(events, map[string]any{
				"pc":      float64(ev.PC),
				"comment": ev.Comment(),
				"tags":    toAny(ev.Tags.Strings()),
			})
		}
		m["events"] = events
	}
	return structpb.NewStruct(m)
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func u32(f map[string]*structpb.Value, key string, def uint32) (uint32, error) {
	v, ok := f[key]
	if !ok {
		return def, nil
	}
	return number(key, v)
}

func number(key string, v *structpb.Value) (uint32, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s: want a number", key))
	}
	x := n.NumberValue
	if x < 0 || x > math.MaxUint32 || x != math.Trunc(x) {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s: %v is not a 32-bit address", key, x))
	}
	return uint32(x), nil
}

func rules(v *structpb.Value) ([]intercept.Rule, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("intercepts: want a list"))
	}
	out := make([]intercept.Rule, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		f := item.GetStructValue().GetFields()
		if f == nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("intercepts[%d]: want an object", i))
		}
		r := intercept.Rule{
			Name: f["name"].GetStringValue(),
			On:   intercept.Trigger(f["on"].GetStringValue()),
		}
		var err error
		if _, ok := f["addr"]; !ok {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("intercepts[%d]: addr is required", i))
		}
		if r.Addr, err = u32(f, "addr", 0); err != nil {
			return nil, err
		}
		if r.Value, err = u32(f, "value", 0); err != nil {
			return nil, err
		}
		if r.Mask, err = u32(f, "mask", 0); err != nil {
			return nil, err
		}
		size, err := u32(f, "size", 0)
		if err != nil {
			return nil, err
		}
		r.Size = int(size)
		out = append(out, r)
	}
	return out, nil
}

// Serve listens on addr, speaking HTTP/1.1 and cleartext HTTP/2, until ctx
// is cancelled.
func (s *Service) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	path, h := s.Handler()
	mux.Handle(path, h)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("listening", zap.String("addr", addr), zap.String("service", ServiceName))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shut); err != nil {
			return err
		}
		return nil
	}
}
