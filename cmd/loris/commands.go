package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/loris/internal/config"
	"github.com/zboralski/loris/internal/cpu"
	"github.com/zboralski/loris/internal/disasm"
	"github.com/zboralski/loris/internal/extract"
	"github.com/zboralski/loris/internal/firmware"
	llog "github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/memory"
	"github.com/zboralski/loris/internal/service"
	"github.com/zboralski/loris/internal/session"
	"github.com/zboralski/loris/internal/svd"
	"github.com/zboralski/loris/internal/ui/colorize"
	"github.com/zboralski/loris/internal/ui/stepper"
)

func newExtractCmd() *cobra.Command {
	var magic string
	cmd := &cobra.Command{
		Use:   "extract <input-file> <output-file>",
		Short: "Extract the flash image from an update container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := extract.ParseMagic(magic)
			if err != nil {
				return err
			}
			matches, err := extract.ExtractFile(args[0], args[1], m, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			short := 0
			for _, mt := range matches {
				if !mt.Complete() {
					short++
				}
			}
			llog.Get().Info("extracted",
				zap.String("in", args[0]),
				zap.String("out", args[1]),
				zap.Int("records", len(matches)),
				zap.Int("truncated", short))
			return nil
		},
	}
	cmd.Flags().StringVar(&magic, "magic", config.Default().Magic, "record magic as hex")
	return cmd
}

func newStepCmd() *cobra.Command {
	var f machineFlags
	cmd := &cobra.Command{
		Use:   "step <firmware>",
		Short: "Step through firmware interactively",
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
			img, err := firmware.Load(cfg.Firmware, cfg.Format, cfg.FlashBase)
			if err != nil {
				return err
			}
			sess, err := session.New(img, cfg, session.Options{Logger: llog.Get(), Trace: true})
			if err != nil {
				return err
			}
			if cfg.Start != 0 {
				sess.Engine.SetReg(cpu.RegPC, cfg.Start)
			}
			return stepper.Run(stepper.New(sess.Engine, disasm.New(), sess.Recorder, img))
		},
	}
	addMachineFlags(cmd, &f)
	return cmd
}

func newInfoCmd() *cobra.Command {
	var f machineFlags
	cmd := &cobra.Command{
		Use:   "info <firmware>",
		Short: "Show image, vector table and memory layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := profile(cmd, &f, args[0])
			if err != nil {
				return err
			}
			img, err := firmware.Load(cfg.Firmware, cfg.Format, cfg.FlashBase)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Image:   %s (%s)\n", filepath.Base(img.Path), img.Format)
			fmt.Fprintf(w, "Base:    0x%08x\n", img.Base)
			fmt.Fprintf(w, "End:     0x%08x\n", img.End())
			fmt.Fprintf(w, "Size:    %d bytes\n", len(img.Data))
			if sp, pc, err := img.Vector(); err == nil {
				fmt.Fprintf(w, "SP:      0x%08x\n", sp)
				fmt.Fprintf(w, "Reset:   0x%08x", pc)
				if s, off, ok := img.Symbol(pc &^ 1); ok && off == 0 {
					fmt.Fprintf(w, " %s", s.Name)
				}
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "Entry:   0x%08x\n", img.Entry)
			fmt.Fprintf(w, "Symbols: %d\n\n", len(img.Symbols))

			mem := memory.New()
			if err := firmware.Setup(mem, img, cfg.Layout()); err != nil {
				return err
			}
			fmt.Fprintln(w, "Regions:")
			for _, r := range mem.Regions() {
				fmt.Fprintf(w, "  0x%08x-0x%08x %s %s\n", r.Base, r.End(), memory.ProtString(r.Prot), r.Name)
			}
			return nil
		},
	}
	addMachineFlags(cmd, &f)
	return cmd
}

func newSVDCmd() *cobra.Command {
	var (
		dirs      []string
		registers bool
	)
	cmd := &cobra.Command{
		Use:   "svd <vendor> <part>",
		Short: "Show a device's interrupts and peripherals",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(dirs) == 0 {
				dirs = svd.DefaultDirs()
			}
			dev, err := svd.Load(dirs, args[0], args[1])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", colorize.Detail("Device:"), colorize.FuncName(dev.Name))
			if dev.CPU.Name != "" {
				fmt.Fprintf(w, "%s %s\n", colorize.Detail("CPU:"), dev.CPU.Name)
			}
			fmt.Fprintf(w, "Num interrupts: %d\n", dev.NumInterrupts())
			for _, p := range dev.Peripherals {
				fmt.Fprintf(w, "%s @ 0x%08x\n", p.Name, p.Base)
				if !registers {
					continue
				}
				for _, r := range p.Registers {
					fmt.Fprintf(w, "    %s (%s): %s\n", r.Name, r.Access, r.Description)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "SVD search directories")
	cmd.Flags().BoolVar(&registers, "registers", false, "list registers")
	return cmd
}

func newServeCmd() *cobra.Command {
	var (
		addr     string
		cfgPath  string
		maxCount int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the emulator over Connect RPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			var dev *svd.Device
			if cfg.SVD.Vendor != "" {
				dirs := cfg.SVD.Dirs
				if len(dirs) == 0 {
					dirs = svd.DefaultDirs()
				}
				var err error
				if dev, err = svd.Load(dirs, cfg.SVD.Vendor, cfg.SVD.Part); err != nil {
					return err
				}
			}
			svc := service.New(cfg, dev, llog.Get())
			if maxCount > 0 {
				svc.MaxCount = maxCount
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", service.ServiceName, addr)
			return svc.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "base run profile for every request")
	cmd.Flags().IntVar(&maxCount, "max-count", service.DefaultMaxCount, "instruction cap per request")
	return cmd
}

func newProfileCmd() *cobra.Command {
	var f machineFlags
	cmd := &cobra.Command{
		Use:   "profile [firmware]",
		Short: "Print the effective run profile as YAML",
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
			return cfg.Dump(cmd.OutOrStdout())
		},
	}
	addMachineFlags(cmd, &f)
	return cmd
}
