// Package pes reassembles Packetized Elementary Stream packets out of the
// TS payload slices component tspacket hands it (component D), and parses
// the resulting PES header to locate the start of ES data (component E).
package pes

// MaxAccumulator is 65536 payload bytes plus up to 12 header bytes, per
// spec.md §3.
const MaxAccumulator = 65548

// DropReason labels a PES-level drop for metrics/logging.
type DropReason string

const (
	DropNone          DropReason = ""
	DropShortHeader   DropReason = "short_header"
	DropBadStartCode  DropReason = "bad_start_code"
	DropBadHeaderSize DropReason = "bad_offset"
)

// Reassembler accumulates TS payload slices into complete PES packets and
// dispatches them on one of two termination conditions: the accumulated
// length reaching a PES-length-derived target, or the arrival of the next
// payload-unit-start (unbounded case, PES_packet_length == 0).
//
// The accumulator is a fixed 65548-byte array, never dynamically resized,
// per the "no allocation in the hot path" design note.
type Reassembler struct {
	buf    [MaxAccumulator]byte
	length int
	target int // 0 = unbounded, complete on next PUSI

	overflowCount int
}

// New returns an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{}
}

// Reset clears accumulator state. Called on every (re)connect.
func (r *Reassembler) Reset() {
	r.length = 0
	r.target = 0
}

// Feed processes one TS payload slice. dispatch is called with the
// complete, reassembled PES byte slice (valid only for the duration of the
// call) whenever a PES packet completes — either because pusi=true forced
// a flush of a prior in-flight packet, or because the accumulated length
// reached the length-bounded target immediately after this append.
//
// onOverflow is called (with no arguments) whenever appending payload would
// exceed MaxAccumulator; in that case the accumulator is reset and the
// current packet's payload is dropped entirely, matching spec.md §4.D/§7.
func (r *Reassembler) Feed(payload []byte, pusi bool, dispatch func(pes []byte), onOverflow func()) {
	if pusi {
		if r.length > 0 {
			dispatch(r.buf[:r.length])
		}
		r.length = 0
		r.target = 0
		if len(payload) >= 6 {
			value := int(payload[4])<<8 | int(payload[5])
			if value > 0 {
				r.target = 6 + value
			} else {
				r.target = 0
			}
		}
	}

	if r.length+len(payload) > MaxAccumulator {
		r.overflowCount++
		r.length = 0
		r.target = 0
		onOverflow()
		return
	}

	copy(r.buf[r.length:], payload)
	r.length += len(payload)

	if r.target > 0 && r.length >= r.target {
		dispatch(r.buf[:r.length])
		r.length = 0
		r.target = 0
	}
}

// OverflowCount reports how many times Feed has discarded an
// accumulator due to overflow since the Reassembler was created; Reset
// does not clear it.
func (r *Reassembler) OverflowCount() int {
	return r.overflowCount
}

// Header is the parsed result of ParseHeader: the slice of ES data payload
// that should be forwarded to the VBI bridge.
type Header struct {
	Data []byte
}

// ParseHeader validates the PES start code and computes the payload offset
// per spec.md §4.E: require len(pes) >= 9 and prefix 00 00 01; let
// N = pes[8]; let off = 9+N; require off < len(pes); the ES data is
// pes[off:len).
func ParseHeader(p []byte) (Header, DropReason, bool) {
	if len(p) < 9 {
		return Header{}, DropShortHeader, false
	}
	if p[0] != 0x00 || p[1] != 0x00 || p[2] != 0x01 {
		return Header{}, DropBadStartCode, false
	}
	n := int(p[8])
	off := 9 + n
	if off >= len(p) {
		return Header{}, DropBadHeaderSize, false
	}
	return Header{Data: p[off:len(p)]}, DropNone, true
}

// String implements fmt.Stringer for DropReason so log lines read cleanly.
func (d DropReason) String() string {
	if d == DropNone {
		return "none"
	}
	return string(d)
}
