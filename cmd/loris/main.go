package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zboralski/loris/internal/config"
	llog "github.com/zboralski/loris/internal/log"
	"github.com/zboralski/loris/internal/ui/colorize"
)

// flags shared by the commands that build a machine
type machineFlags struct {
	config  string
	format  string
	elf     bool
	base    uint32
	start   uint32
	until   uint32
	count   int
	script  string
	vendor  string
	part    string
	svdDirs []string
	bitband bool
	stubs   bool
}

var (
	verbose bool
	quiet   bool
	noColor bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loris",
		Short: "ARM Cortex-M firmware introspection",
		Long: `Loris unpacks vendor firmware containers and runs the flash image on an
emulated Cortex-M core, tracing every instruction and memory access.

Peripherals are not modelled. Registers the firmware polls are faked with
intercept rules in a YAML run profile; SVD files name the accesses.

Examples:
  loris extract update.bin flash.bin      # strip the container
  loris run flash.bin -n 200              # trace 200 instructions
  loris run flash.bin --config run.yaml   # intercepts, script, SVD
  loris step flash.bin                    # interactive stepper
  loris svd STMicro STM32F103xx           # peripheral map`,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			llog.Init(verbose)
			if noColor {
				colorize.SetEnabled(false)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colour output")

	root.AddCommand(
		newExtractCmd(),
		newRunCmd(),
		newStepCmd(),
		newInfoCmd(),
		newSVDCmd(),
		newServeCmd(),
		newProfileCmd(),
	)
	return root
}

func addMachineFlags(cmd *cobra.Command, f *machineFlags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.config, "config", "c", "", "YAML run profile")
	fl.StringVar(&f.format, "format", "", "image format: auto, raw or elf")
	fl.BoolVar(&f.elf, "elf", false, "shorthand for --format elf")
	fl.Uint32Var(&f.base, "base", 0, "flash base for raw images (default 0x08000000)")
	fl.Uint32Var(&f.start, "start", 0, "start address (default: reset vector)")
	fl.Uint32Var(&f.until, "until", 0, "stop when the PC reaches this address")
	fl.IntVarP(&f.count, "num", "n", 0, "instruction count (0: until fault or --until)")
	fl.StringVar(&f.script, "script", "", "JavaScript hook file")
	fl.StringVar(&f.vendor, "vendor", "", "SVD vendor directory, e.g. STMicro")
	fl.StringVar(&f.part, "part", "", "SVD part name, e.g. STM32F103xx")
	fl.StringSliceVar(&f.svdDirs, "svd-dir", nil, "SVD search directories")
	fl.BoolVar(&f.bitband, "bitband", false, "map the SRAM bit-band alias")
	fl.BoolVar(&f.stubs, "stubs", false, "replace HAL and FreeRTOS functions found in the symbol table")
}

// profile merges the run profile, if any, with flags set on the command
// line. Flags win.
func profile(cmd *cobra.Command, f *machineFlags, firmware string) (*config.Config, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, err
		}
	}
	if firmware != "" {
		cfg.Firmware = firmware
	}
	fl := cmd.Flags()
	if fl.Changed("format") {
		cfg.Format = f.format
	}
	if f.elf {
		cfg.Format = "elf"
	}
	if fl.Changed("base") {
		cfg.FlashBase = f.base
	}
	if fl.Changed("start") {
		cfg.Start = f.start
	}
	if fl.Changed("until") {
		cfg.Until = f.until
	}
	if fl.Changed("num") {
		cfg.Count = f.count
	}
	if fl.Changed("script") {
		cfg.Script = f.script
	}
	if fl.Changed("bitband") {
		cfg.BitBand = f.bitband
	}
	if fl.Changed("stubs") {
		cfg.Stubs = f.stubs
	}
	if f.vendor != "" || f.part != "" {
		cfg.SVD.Vendor, cfg.SVD.Part = f.vendor, f.part
	}
	if len(f.svdDirs) > 0 {
		cfg.SVD.Dirs = f.svdDirs
	}
	if cfg.SVD.Vendor != "" && len(cfg.SVD.Dirs) == 0 {
		cfg.SVD.Dirs = defaultSVDDirs()
	}
	return cfg, cfg.Validate()
}
