package disasm

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNativeThumbSequence(t *testing.T) {
	code := []byte{
		0x01, 0x20, // movs r0, #1
		0x00, 0xf0, 0x02, 0xf8, // bl
		0x70, 0x47, // bx lr
	}
	ins, err := Native{}.Disasm(ModeThumb, code, 0x08000008)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, i := range ins {
		got = append(got, i.Text())
	}
	want := []string{"movs r0, #1", "bl 0x08000012", "bx lr"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if ins[1].Addr != 0x0800000a || len(ins[1].Bytes) != 4 {
		t.Errorf("bl at %08x size %d", ins[1].Addr, len(ins[1].Bytes))
	}
}

func TestNativeThumbUndefined(t *testing.T) {
	ins, err := Native{}.Disasm(ModeThumb, []byte{0x00, 0xde}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ins[0].Text() != ".short 0xde00" {
		t.Errorf("got %q", ins[0].Text())
	}
	if _, err := (Native{}).Disasm(ModeThumb, []byte{0x00, 0xf0}, 0); err == nil {
		t.Error("truncated 32-bit instruction rendered")
	}
	if _, err := (Native{}).Disasm(ModeThumb, nil, 0); err != ErrEmpty {
		t.Errorf("empty buffer: %v", err)
	}
}

func TestNativeARM(t *testing.T) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 0xe3a00001)
	ins, err := Native{}.Disasm(ModeARM, b[:], 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if ins[0].Mnemonic != "mov" || !strings.Contains(ins[0].OpStr, "r0") {
		t.Errorf("got %q", ins[0].Text())
	}
}

func TestOneFallsBack(t *testing.T) {
	got := One(Native{}, ModeThumb, []byte{0x00}, 0x10)
	if got.Mnemonic != "???" || got.Addr != 0x10 {
		t.Errorf("got %+v", got)
	}
}

func TestModeFor(t *testing.T) {
	if ModeFor(true) != ModeThumb || ModeFor(false) != ModeARM {
		t.Error("mode mapping")
	}
	if ModeARM.String() != "arm" {
		t.Error(ModeARM.String())
	}
}
