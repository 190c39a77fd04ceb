// Package vbi defines the interface this pipeline requires from an
// external Teletext decoding library (component F, spec.md §4.F) and
// drives the feed loop against it. The library itself — the de-facto
// libzvbi VBI/Teletext decoder — is a black-box collaborator; this package
// specifies only the contract spec.md asks for and never reaches into the
// decoder's internals.
package vbi

// SlicedLine is one EBU data unit Demuxer.Cor has extracted from a PES
// payload, ready to push into Decoder.Decode.
type SlicedLine struct {
	Data [42]byte // one Teletext packet payload after Hamming/parity decode by the library
	Line int      // VBI line number the unit came from, as reported by the library
}

// Demuxer slices EBU Teletext data units out of a raw PES payload buffer.
// It corresponds to libzvbi's vbi_dvb_demux.
type Demuxer interface {
	// Cor consumes a variable-length prefix of buf, appending any produced
	// sliced lines to out[:0] (out is pre-sized by the caller) and
	// returning the number of lines produced along with the presentation
	// timestamp (90kHz ticks) associated with them and the number of
	// unconsumed bytes remaining. A return of 0 lines with rem unchanged
	// from the call's buf length means no further units can be extracted
	// from the remainder.
	Cor(out []SlicedLine, buf []byte) (n int, pts90k int64, rem int)

	// Close releases the demuxer. Idempotent.
	Close()
}

// PageGrid is a fetched, read-only 40x25 (columns x rows) Teletext page.
type PageGrid interface {
	Columns() int
	Rows() int
	// Cell returns the Unicode codepoint at (row, col), 0-indexed.
	Cell(row, col int) rune
}

// PageEvent is delivered once per completed Teletext page.
type PageEvent struct {
	Page    int
	Subpage int
}

// Decoder assembles sliced Teletext lines into pages and serves completed
// page grids. It corresponds to libzvbi's vbi_decoder plus vbi_decode's
// page_complete event.
type Decoder interface {
	// Decode pushes n sliced lines into the page-assembly state machine.
	// ptsSeconds is the presentation time converted from 90kHz ticks.
	// Any pages that complete as a result are appended to the returned
	// slice (spec.md §9: "the call to decode returns a collected batch of
	// page-complete records" is the chosen equivalent to a synchronous
	// callback under the single-threaded model).
	Decode(lines []SlicedLine, ptsSeconds float64) []PageEvent

	// FetchPage fetches the grid for (page, subpage) at the given
	// enhancement level and row count, with navigation state reset.
	// Returns ok=false if the page is not (or no longer) available, in
	// which case the caller must skip the event silently.
	FetchPage(page, subpage int, enhancementLevel float64, rows int, resetNav bool) (grid PageGrid, ok bool)

	// ReleasePage releases a grid returned by FetchPage.
	ReleasePage(grid PageGrid)

	// Close releases the decoder. Idempotent.
	Close()
}

// Bridge owns one Demuxer/Decoder pair for the lifetime of a single
// upstream connection. It is rebuilt (via Pipeline.Reset, see
// internal/pipeline) on every (re)connect so no page-assembly state ever
// survives across connections, per spec.md §4.F Isolation.
type Bridge struct {
	demux   Demuxer
	decoder Decoder

	sliceBuf [64]SlicedLine // demux_cor produces at most 64 lines per call
}

// New wraps an already-constructed Demuxer/Decoder pair. Pipeline is
// responsible for constructing fresh ones on every (re)connect.
func New(d Demuxer, dec Decoder) *Bridge {
	return &Bridge{demux: d, decoder: dec}
}

// Close releases both the demuxer and decoder.
func (b *Bridge) Close() {
	b.demux.Close()
	b.decoder.Close()
}

// Decoder exposes the current connection's Decoder so callers can fetch
// completed pages after Feed reports a PageEvent.
func (b *Bridge) Decoder() Decoder {
	return b.decoder
}

// Feed pushes pesPayload (the ES data slice component pes.ParseHeader
// produced) through the demuxer in a loop until no more complete data
// units can be extracted, forwarding every batch of sliced lines into the
// decoder. It returns every page-complete event produced along the way.
//
// The loop guards against infinite spin: a Cor call that returns 0 lines
// without having consumed any input (rem unchanged) ends the loop even if
// rem > 0, per spec.md §4.F.
func (b *Bridge) Feed(pesPayload []byte) []PageEvent {
	var events []PageEvent
	buf := pesPayload
	for len(buf) > 0 {
		n, pts90k, rem := b.demux.Cor(b.sliceBuf[:], buf)
		consumed := len(buf) - rem
		if n == 0 && consumed == 0 {
			break
		}
		if n > 0 {
			ptsSeconds := float64(pts90k) / 90000.0
			events = append(events, b.decoder.Decode(b.sliceBuf[:n], ptsSeconds)...)
		}
		buf = buf[consumed:]
	}
	return events
}

// FetchLevel, FetchRows and FetchResetNav are the fixed parameters spec.md
// §4.F mandates for every FetchPage call: Level-1.5 national character
// sets, a full 25-row page, and navigation state reset on every fetch.
const (
	FetchLevel    = 1.5
	FetchRows     = 25
	FetchResetNav = true
)
