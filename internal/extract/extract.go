// Package extract pulls raw firmware payloads out of a vendor update
// container.
//
// The container is a sequence of records, each introduced by a 4-byte magic.
// A record carries an 18-byte header (starting with the magic), a 1 KiB
// payload and a 12-byte trailer that holds the checksum. Payloads are
// concatenated in file order to rebuild the flash image.
package extract

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const (
	HeaderSize  = 18
	PayloadSize = 0x400
	CRCSize     = 12
)

// DefaultMagic introduces every record in the stock container.
var DefaultMagic = []byte{0x04, 0x1c, 0x6a, 0x04}

// Match is one record found by Scan. Windows that run past the end of the
// input are clamped, so Payload and CRC may be short for the last record.
type Match struct {
	Offset  int
	Header  []byte
	Payload []byte
	CRC     []byte
}

// Complete reports whether the record had a full payload and trailer.
func (m Match) Complete() bool {
	return len(m.Payload) == PayloadSize && len(m.CRC) == CRCSize
}

// String renders the diagnostic line printed for every record.
func (m Match) String() string {
	return fmt.Sprintf("OK %04x %s CRC %s", m.Offset, hex.EncodeToString(m.Header), hex.EncodeToString(m.CRC))
}

// ParseMagic decodes a hex magic such as "041C6A04".
func ParseMagic(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("magic %q: %w", s, err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("magic %q: want 4 bytes, got %d", s, len(b))
	}
	return b, nil
}

func window(data []byte, off, n int) []byte {
	if off >= len(data) {
		return data[len(data):]
	}
	end := off + n
	if end > len(data) {
		end = len(data)
	}
	return data[off:end]
}

// Scan finds every offset i in [0, len(data)-4) where magic starts. Matches
// may overlap.
func Scan(data, magic []byte) []Match {
	var out []Match
	if len(magic) == 0 {
		return nil
	}
	for i := 0; i < len(data)-4; i++ {
		if i+len(magic) > len(data) || !bytes.Equal(data[i:i+len(magic)], magic) {
			continue
		}
		out = append(out, Match{
			Offset:  i,
			Header:  window(data, i, HeaderSize),
			Payload: window(data, i+HeaderSize, PayloadSize),
			CRC:     window(data, i+HeaderSize+PayloadSize, CRCSize),
		})
	}
	return out
}

// Extract writes every payload in data to w, calling fn (if non-nil) for
// each match before its payload is written. It returns the number of
// payload bytes written.
func Extract(w io.Writer, data, magic []byte, fn func(Match)) (int, error) {
	n := 0
	for _, m := range Scan(data, magic) {
		if fn != nil {
			fn(m)
		}
		k, err := w.Write(m.Payload)
		n += k
		if err != nil {
			return n, fmt.Errorf("write payload at %#x: %w", m.Offset, err)
		}
	}
	return n, nil
}

// ExtractFile extracts in to out, printing one diagnostic line per record to
// diag. It returns the records found.
func ExtractFile(in, out string, magic []byte, diag io.Writer) ([]Match, error) {
	data, err := os.ReadFile(in)
	if err != nil {
		return nil, fmt.Errorf("read container: %w", err)
	}
	f, err := os.Create(out)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var matches []Match
	_, err = Extract(bw, data, magic, func(m Match) {
		matches = append(matches, m)
		if diag != nil {
			fmt.Fprintln(diag, m)
		}
	})
	if err != nil {
		return matches, err
	}
	if err := bw.Flush(); err != nil {
		return matches, fmt.Errorf("flush output: %w", err)
	}
	return matches, f.Close()
}
