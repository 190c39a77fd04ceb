// Package tspacket parses a single 188-byte MPEG-2 Transport Stream packet
// header and filters packets down to one configured PID. The header field
// names follow the shape widely used by ecosystem TS demuxers (sync byte,
// transport error indicator, payload-unit-start indicator, 13-bit PID,
// adaptation field control) but the exact drop conditions and offset
// arithmetic below are specified byte-for-byte and must not drift from
// them — they are covered by this repo's testable invariants.
package tspacket

// DropReason labels why Inspect rejected a packet, for metrics/logging.
type DropReason string

const (
	DropNone      DropReason = ""
	DropBadSync   DropReason = "bad_sync"
	DropTEI       DropReason = "tei"
	DropWrongPID  DropReason = "wrong_pid"
	DropNoPayload DropReason = "no_payload"
	DropBadOffset DropReason = "bad_offset"
)

const syncByte = 0x47

// Header is the ephemeral logical view of a TS packet header.
type Header struct {
	TransportErrorIndicator   bool
	PayloadUnitStartIndicator bool
	PID                       int
	HasAdaptationField        bool
	HasPayload                bool
}

// Result is what Inspect returns for a packet worth passing downstream.
type Result struct {
	PUSI    bool
	Payload []byte
}

// Inspect parses packet (must be exactly 188 bytes) against targetPID and
// returns (Result, DropNone, true) when the packet should flow downstream,
// or (zero Result, reason, false) when it must be silently dropped.
//
// Drop conditions, in the order spec.md §4.C lists them:
//  1. byte 0 != 0x47 (bad sync)
//  2. transport_error_indicator set (byte 1 bit 7)
//  3. PID != targetPID
//  4. payload-present flag clear
//  5. computed payload offset >= 188, or resulting payload length <= 0
func Inspect(packet []byte, targetPID int) (Result, DropReason, bool) {
	if len(packet) != 188 {
		return Result{}, DropBadSync, false
	}
	if packet[0] != syncByte {
		return Result{}, DropBadSync, false
	}

	h := parseHeader(packet)
	if h.TransportErrorIndicator {
		return Result{}, DropTEI, false
	}
	if h.PID != targetPID {
		return Result{}, DropWrongPID, false
	}
	if !h.HasPayload {
		return Result{}, DropNoPayload, false
	}

	offset := 4
	if h.HasAdaptationField {
		offset = 5 + int(packet[4])
	}
	if offset >= 188 {
		return Result{}, DropBadOffset, false
	}
	payloadLen := 188 - offset
	if payloadLen <= 0 {
		return Result{}, DropBadOffset, false
	}

	return Result{PUSI: h.PayloadUnitStartIndicator, Payload: packet[offset:188]}, DropNone, true
}

// parseHeader decodes the first four header bytes. packet must be at least
// 4 bytes long (the 188-byte precondition in Inspect guarantees this).
func parseHeader(packet []byte) Header {
	return Header{
		TransportErrorIndicator:   packet[1]&0x80 != 0,
		PayloadUnitStartIndicator: packet[1]&0x40 != 0,
		PID:                       int(packet[1]&0x1F)<<8 | int(packet[2]),
		HasAdaptationField:        packet[3]&0x20 != 0,
		HasPayload:                packet[3]&0x10 != 0,
	}
}
