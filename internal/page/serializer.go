// Package page implements component G: fetching a completed Teletext page
// grid, sanitising its cells, and assembling the literal JSON datagram
// this service emits over UDP.
package page

import (
	"strconv"
	"unicode/utf8"

	"github.com/fprisse/Teletext-Decoder/internal/vbi"
)

// Columns and Rows are the fixed Teletext page dimensions spec.md §3
// requires; the output "lines" array always has exactly Rows entries.
const (
	Columns = 40
	Rows    = 25
)

// bufferCap matches spec.md §4.G's size bound: worst case 25*40*3 octets
// of UTF-8 plus JSON framing is well under 4 KiB; 8 KiB leaves headroom.
const bufferCap = 8192

// Serializer owns the reusable output buffer (spec.md §9: "no dynamic
// allocation is needed in the hot path").
type Serializer struct {
	buf [bufferCap]byte
}

// New returns a Serializer with an empty reusable buffer.
func New() *Serializer {
	return &Serializer{}
}

// nowFunc is overridable in tests.
var nowFunc = func() int64 { return wallClockUnixSeconds() }

// Build fetches (page, subpage) from decoder, sanitises and JSON-encodes
// its 25 rows, and returns the literal datagram bytes terminated by a
// newline, along with ok=false if the page could not be fetched (in which
// case the event must be skipped silently, per spec.md §4.G step 1) or if
// the assembled datagram would not fit in the fixed buffer (in which case
// the page must be dropped rather than sending a truncated datagram, per
// spec.md §7).
//
// The returned slice aliases the Serializer's internal buffer and is only
// valid until the next call to Build.
func (s *Serializer) Build(decoder vbi.Decoder, pageNum, subpage int) ([]byte, bool) {
	grid, ok := decoder.FetchPage(pageNum, subpage, vbi.FetchLevel, vbi.FetchRows, vbi.FetchResetNav)
	if !ok {
		return nil, false
	}
	defer decoder.ReleasePage(grid)

	rows := grid.Rows()
	cols := grid.Columns()

	n := 0
	writeByte := func(b byte) bool {
		if n >= bufferCap {
			return false
		}
		s.buf[n] = b
		n++
		return true
	}
	writeString := func(str string) bool {
		for i := 0; i < len(str); i++ {
			if !writeByte(str[i]) {
				return false
			}
		}
		return true
	}

	ok = writeString(`{"page":`) &&
		writeString(strconv.Itoa(pageNum)) &&
		writeString(`,"subpage":`) &&
		writeString(strconv.Itoa(subpage)) &&
		writeString(`,"ts":`) &&
		writeString(strconv.FormatInt(nowFunc(), 10)) &&
		writeString(`,"lines":[`)
	if !ok {
		return nil, false
	}

	for r := 0; r < Rows; r++ {
		if r > 0 {
			if !writeByte(',') {
				return nil, false
			}
		}
		row := sanitiseRow(grid, r, rows, cols)
		if !writeByte('"') {
			return nil, false
		}
		if !writeJSONEscaped(writeByte, row) {
			return nil, false
		}
		if !writeByte('"') {
			return nil, false
		}
	}

	if !writeString("]}\n") {
		return nil, false
	}

	return s.buf[:n], true
}

// sanitiseRow reads one row's cells, substitutes attribute/soft-hyphen/
// mosaic codepoints with a space, UTF-8 encodes each cell, and trims
// trailing ASCII spaces, per spec.md §4.G steps 2-3.
func sanitiseRow(grid vbi.PageGrid, r, rows, cols int) []byte {
	var tmp [4]byte
	out := make([]byte, 0, Columns*3)
	for c := 0; c < Columns; c++ {
		var u rune = ' '
		if r < rows && c < cols {
			u = grid.Cell(r, c)
		}
		if u < 0x20 || u == 0x00AD || u >= 0xEE00 {
			u = ' '
		}
		n := utf8.EncodeRune(tmp[:], u)
		out = append(out, tmp[:n]...)
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return out
}

// writeJSONEscaped writes row with the five mandatory JSON escapes plus
// \u00XX for any other control byte, passing every other byte (including
// UTF-8 continuation bytes) through verbatim, per spec.md §4.G step 4.
func writeJSONEscaped(writeByte func(byte) bool, row []byte) bool {
	const hex = "0123456789abcdef"
	for _, b := range row {
		switch b {
		case '"':
			if !writeByte('\\') || !writeByte('"') {
				return false
			}
		case '\\':
			if !writeByte('\\') || !writeByte('\\') {
				return false
			}
		case '\n':
			if !writeByte('\\') || !writeByte('n') {
				return false
			}
		case '\r':
			if !writeByte('\\') || !writeByte('r') {
				return false
			}
		case '\t':
			if !writeByte('\\') || !writeByte('t') {
				return false
			}
		default:
			if b < 0x20 {
				if !writeByte('\\') || !writeByte('u') || !writeByte('0') || !writeByte('0') ||
					!writeByte(hex[b>>4]) || !writeByte(hex[b&0x0F]) {
					return false
				}
			} else {
				if !writeByte(b) {
					return false
				}
			}
		}
	}
	return true
}
