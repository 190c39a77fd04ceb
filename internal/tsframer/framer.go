// Package tsframer re-aligns arbitrary byte chunks read off the network
// onto 188-octet MPEG-2 Transport Stream packet boundaries. It does not
// search for the sync byte to recover from corruption — spec-mandated
// behavior: the tuner's output is assumed packet-aligned at the first byte
// of every (re)connect, and a mis-synced first packet is simply dropped
// downstream once component tspacket rejects its sync byte.
package tsframer

// PacketSize is the fixed MPEG-2 Transport Stream packet length in octets.
const PacketSize = 188

// Framer holds the carry buffer: the prefix of a TS packet that straddled
// a network-read boundary. It is a fixed-size inline field, never
// dynamically allocated, per the "no allocation in the hot path" design
// note.
type Framer struct {
	carry    [PacketSize]byte
	carryLen int
}

// New returns a Framer with an empty carry buffer.
func New() *Framer {
	return &Framer{}
}

// Reset clears the carry buffer. Called on every (re)connect so a stale
// straddling prefix from a previous connection never leaks into a new one.
func (f *Framer) Reset() {
	f.carryLen = 0
}

// Feed re-aligns chunk onto 188-byte boundaries and invokes emit once per
// complete packet, in order. The slice passed to emit aliases either chunk
// (zero-copy, valid only until Feed returns) or the Framer's own carry
// buffer; callers that need the bytes beyond the emit call must copy them.
//
// feed(chunk) never emits a partial packet: any 0..187 byte remainder is
// retained in the carry buffer for the next call.
func (f *Framer) Feed(chunk []byte, emit func(packet []byte)) {
	pos := 0

	if f.carryLen > 0 {
		n := PacketSize - f.carryLen
		if n > len(chunk) {
			n = len(chunk)
		}
		copy(f.carry[f.carryLen:], chunk[:n])
		f.carryLen += n
		pos += n
		if f.carryLen == PacketSize {
			emit(f.carry[:])
			f.carryLen = 0
		}
	}

	for pos+PacketSize <= len(chunk) {
		emit(chunk[pos : pos+PacketSize])
		pos += PacketSize
	}

	remaining := len(chunk) - pos
	if remaining > 0 {
		copy(f.carry[:remaining], chunk[pos:])
		f.carryLen = remaining
	}
}
