package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/intercept"
)

const profile = `
firmware: fw.bin
format: raw
ram_size: 0x10000
regions:
  - name: usart1
    base: 0x40013800
    size: 0x400
    prot: rw
intercepts:
  - name: usart-txe
    addr: 0x40013800
    value: 0x80
    mask: 0x80
  - name: exti-pr
    addr: 0x40010414
    on: write
count: 5000
until: 0x08000200
svd:
  vendor: STMicro
  part: STM32F103xx
  dirs: [svd]
script: hooks.js
stubs: true
`

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Firmware != filepath.Join(dir, "fw.bin") || c.Script != filepath.Join(dir, "hooks.js") {
		t.Errorf("paths not resolved: %q %q", c.Firmware, c.Script)
	}
	if c.FlashBase != firmware.DefaultFlashBase || c.RAMBase != 0x20000000 || c.RAMSize != 0x10000 {
		t.Errorf("layout fields %#x %#x %#x", c.FlashBase, c.RAMBase, c.RAMSize)
	}
	if !c.Stubs {
		t.Error("stubs not enabled")
	}
	if c.Count != 5000 || c.Until != 0x08000200 || c.Magic != "041c6a04" {
		t.Errorf("run fields %d %#x %q", c.Count, c.Until, c.Magic)
	}
	want := []intercept.Rule{
		{Name: "usart-txe", Addr: 0x40013800, Value: 0x80, Mask: 0x80},
		{Name: "exti-pr", Addr: 0x40010414, On: intercept.OnWrite},
	}
	if diff := cmp.Diff(want, c.Intercepts); diff != "" {
		t.Errorf("intercepts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, "svd")}, c.SVD.Dirs); diff != "" {
		t.Errorf("svd dirs (-want +got):\n%s", diff)
	}

	l := c.Layout()
	if !l.Alias || len(l.Extra) != 1 || l.Extra[0].Base != 0x40013800 {
		t.Errorf("layout %+v", l)
	}
}

func TestEmptyProfileIsDefault(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
}

func TestInvalidProfiles(t *testing.T) {
	for name, src := range map[string]string{
		"unknown key":    "firmware: a\nflashbase: 1\n",
		"format":         "format: ihex\n",
		"negative count": "count: -1\n",
		"zero region":    "regions: [{name: x, base: 0x40000000}]\n",
		"bad prot":       "regions: [{name: x, base: 0x40000000, size: 4, prot: rq}]\n",
		"intercept size": "intercepts: [{addr: 0x40000000, size: 3}]\n",
		"svd half":       "svd: {vendor: STMicro}\n",
		"magic":          "magic: 0102\n",
		"syntax":         "count: [\n",
	} {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestDump(t *testing.T) {
	c := Default()
	c.Count = 10
	var buf bytes.Buffer
	if err := c.Dump(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "count: 10") {
		t.Errorf("dump:\n%s", buf.String())
	}
	back, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if back.Count != 10 {
		t.Errorf("count %d after round trip", back.Count)
	}
}
