package extract

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// record builds a full container record whose payload is filled with fill.
func record(fill byte) []byte {
	r := make([]byte, HeaderSize+PayloadSize+CRCSize)
	copy(r, DefaultMagic)
	for i := 4; i < HeaderSize; i++ {
		r[i] = byte(i)
	}
	for i := HeaderSize; i < HeaderSize+PayloadSize; i++ {
		r[i] = fill
	}
	for i := HeaderSize + PayloadSize; i < len(r); i++ {
		r[i] = 0xcc
	}
	return r
}

func TestExtractConcatenatesPayloads(t *testing.T) {
	var data []byte
	data = append(data, []byte("junk")...)
	data = append(data, record(0x11)...)
	data = append(data, record(0x22)...)
	data = append(data, 0, 0, 0, 0, 0)

	var out bytes.Buffer
	var offsets []int
	n, err := Extract(&out, data, DefaultMagic, func(m Match) { offsets = append(offsets, m.Offset) })
	if err != nil {
		t.Fatal(err)
	}
	if n != 2*PayloadSize || out.Len() != 2*PayloadSize {
		t.Fatalf("wrote %d bytes, want %d", n, 2*PayloadSize)
	}
	want := append(bytes.Repeat([]byte{0x11}, PayloadSize), bytes.Repeat([]byte{0x22}, PayloadSize)...)
	if !bytes.Equal(out.Bytes(), want) {
		t.Error("payloads not concatenated in order")
	}
	recLen := HeaderSize + PayloadSize + CRCSize
	if diff := cmp.Diff([]int{4, 4 + recLen}, offsets); diff != "" {
		t.Errorf("offsets (-want +got):\n%s", diff)
	}
}

// Output length is 1024 times the number of complete matches, for any input
// without a truncated trailing record.
func TestOutputLengthProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 50; iter++ {
		var data []byte
		records := rng.Intn(5)
		for r := 0; r < records; r++ {
			noise := make([]byte, rng.Intn(64))
			rng.Read(noise)
			data = append(data, noise...)
			data = append(data, record(byte(r))...)
		}
		tail := make([]byte, HeaderSize+PayloadSize+CRCSize)
		rng.Read(tail)
		data = append(data, tail...)

		complete := 0
		for i := 0; i < len(data)-4; i++ {
			if bytes.Equal(data[i:i+4], DefaultMagic) && i+HeaderSize+PayloadSize <= len(data) {
				complete++
			}
		}
		var out bytes.Buffer
		n, err := Extract(&out, data, DefaultMagic, nil)
		if err != nil {
			t.Fatal(err)
		}
		if n != complete*PayloadSize {
			t.Fatalf("iter %d: wrote %d bytes for %d matches", iter, n, complete)
		}
	}
}

func TestOverlappingMatches(t *testing.T) {
	magic := []byte{0xaa, 0xaa, 0xaa, 0xaa}
	data := bytes.Repeat([]byte{0xaa}, 6)
	data = append(data, make([]byte, 2000)...)
	got := Scan(data, magic)
	var offs []int
	for _, m := range got {
		offs = append(offs, m.Offset)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, offs); diff != "" {
		t.Errorf("offsets (-want +got):\n%s", diff)
	}
}

func TestTruncatedRecordIsClamped(t *testing.T) {
	rec := record(0x33)
	data := rec[:HeaderSize+100]
	ms := Scan(data, DefaultMagic)
	if len(ms) != 1 {
		t.Fatalf("got %d matches", len(ms))
	}
	m := ms[0]
	if len(m.Payload) != 100 || len(m.CRC) != 0 || m.Complete() {
		t.Errorf("payload=%d crc=%d complete=%v", len(m.Payload), len(m.CRC), m.Complete())
	}
}

func TestMagicAtTailIgnored(t *testing.T) {
	// the scan stops before the last four bytes
	data := append([]byte{1, 2, 3}, DefaultMagic...)
	if ms := Scan(data, DefaultMagic); len(ms) != 0 {
		t.Errorf("matched %d records in the final four bytes", len(ms))
	}
}

func TestDiagnosticLine(t *testing.T) {
	m := Scan(record(0), DefaultMagic)[0]
	line := m.String()
	want := "OK 0000 041c6a04" + "0405060708090a0b0c0d0e0f1011" + " CRC " + strings.Repeat("cc", CRCSize)
	if line != want {
		t.Errorf("got  %q\nwant %q", line, want)
	}
}

func TestParseMagic(t *testing.T) {
	b, err := ParseMagic("041C6A04")
	if err != nil || !bytes.Equal(b, DefaultMagic) {
		t.Errorf("ParseMagic = % x, %v", b, err)
	}
	for _, bad := range []string{"041C6A", "zz1C6A04", "041C6A0400"} {
		if _, err := ParseMagic(bad); err == nil {
			t.Errorf("ParseMagic(%q) accepted", bad)
		}
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "update.bin")
	out := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(in, append(record(0x44), 0, 0, 0, 0), 0o644); err != nil {
		t.Fatal(err)
	}
	var diag bytes.Buffer
	ms, err := ExtractFile(in, out, DefaultMagic, &diag)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || !strings.HasPrefix(diag.String(), "OK 0000 ") {
		t.Errorf("matches=%d diag=%q", len(ms), diag.String())
	}
	got, _ := os.ReadFile(out)
	if !bytes.Equal(got, bytes.Repeat([]byte{0x44}, PayloadSize)) {
		t.Errorf("output file has %d bytes", len(got))
	}
	if _, err := ExtractFile(filepath.Join(dir, "missing"), out, DefaultMagic, nil); err == nil {
		t.Error("missing input accepted")
	}
}
