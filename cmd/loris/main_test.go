package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/loris/internal/emulator"
	"github.com/zboralski/loris/internal/extract"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	quiet, verbose, noColor = false, false, false
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func writeFirmware(t *testing.T, code ...uint16) string {
	t.Helper()
	data := make([]byte, 8+2*len(code))
	binary.LittleEndian.PutUint32(data, 0x20001000)
	binary.LittleEndian.PutUint32(data[4:], 0x08000009)
	for i, hw := range code {
		binary.LittleEndian.PutUint16(data[8+2*i:], hw)
	}
	path := filepath.Join(t.TempDir(), "flash.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	var container []byte
	for i := 0; i < 2; i++ {
		header := append(append([]byte{}, extract.DefaultMagic...), make([]byte, extract.HeaderSize-4)...)
		header[4] = byte(i)
		container = append(container, header...)
		container = append(container, bytes.Repeat([]byte{byte(0xa0 + i)}, extract.PayloadSize)...)
		container = append(container, make([]byte, extract.CRCSize)...)
	}
	in := filepath.Join(dir, "update.bin")
	out := filepath.Join(dir, "flash.bin")
	if err := os.WriteFile(in, container, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := execute(t, "extract", in, out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "OK 0000 041c6a04") || !strings.HasPrefix(lines[1], "OK 041e ") {
		t.Errorf("diagnostics:\n%s", got)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 2*extract.PayloadSize || data[0] != 0xa0 || data[extract.PayloadSize] != 0xa1 {
		t.Errorf("payload length %d", len(data))
	}
}

func TestExtractUsage(t *testing.T) {
	out, err := execute(t, "extract", "only-one")
	if err == nil {
		t.Fatal("accepted one argument")
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("no usage text:\n%s", out)
	}
}

func TestRunTrace(t *testing.T) {
	fw := writeFirmware(t,
		0x2001, // movs r0, #1
		0x2120, // movs r1, #0x20
		0x0609, // lsls r1, r1, #24
		0x6008, // str r0, [r1]
	)
	out, err := execute(t, "run", fw, "-n", "4")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"08000008  2001",
		"movs r0, #1",
		"str r0, [r1]  ; write [0x20000000] = 0x00000001",
		"r0   00000001",
		"4 insn  stopped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestRunFaultReported(t *testing.T) {
	fw := writeFirmware(t, 0xdf01) // svc #1 with no interrupt hook
	out, err := execute(t, "run", fw, "-q")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "faulted") || !strings.Contains(out, "exception") {
		t.Errorf("output:\n%s", out)
	}
}

func TestRunUnicornBackend(t *testing.T) {
	if emulator.Available {
		t.Skip("built with unicorn")
	}
	fw := writeFirmware(t, 0xbf00)
	if _, err := execute(t, "run", fw, "--backend", "unicorn"); err == nil {
		t.Error("unicorn backend accepted without the build tag")
	}
}

func TestInfo(t *testing.T) {
	fw := writeFirmware(t, 0xbf00)
	out, err := execute(t, "info", fw)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"SP:      0x20001000", "Reset:   0x08000009", "r-x flash", "rwx ram"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

const device = `<device>
  <name>TEST1</name>
  <cpu><name>CM0</name></cpu>
  <peripherals>
    <peripheral>
      <name>USART1</name>
      <baseAddress>0x40013800</baseAddress>
      <interrupt><name>USART1</name><value>27</value></interrupt>
      <registers>
        <register>
          <name>SR</name>
          <description>Status register</description>
          <addressOffset>0</addressOffset>
          <access>read-only</access>
        </register>
      </registers>
    </peripheral>
  </peripherals>
</device>`

func TestSVD(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "Acme"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Acme", "TEST1.svd"), []byte(device), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "svd", "Acme", "TEST1", "--dir", dir, "--registers")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Num interrupts: 28", "USART1 @ 0x40013800", "    SR (read-only): Status register"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestProfileMergesFlags(t *testing.T) {
	out, err := execute(t, "profile", "fw.bin", "-n", "5", "--until", "0x08000100", "--stubs")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"firmware: fw.bin", "count: 5", "until: 134217984", "stubs: true"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}
