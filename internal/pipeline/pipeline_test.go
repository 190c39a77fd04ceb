package pipeline

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/fprisse/Teletext-Decoder/internal/config"
	"github.com/fprisse/Teletext-Decoder/internal/udpout"
	"github.com/fprisse/Teletext-Decoder/internal/vbi"
)

// fakeGrid is a blank 40x25 page usable as a FetchPage result.
type fakeGrid struct{}

func (fakeGrid) Columns() int       { return 40 }
func (fakeGrid) Rows() int          { return 25 }
func (fakeGrid) Cell(r, c int) rune { return ' ' }

// fakeDemuxer consumes the whole non-empty buffer fed to it and reports it
// as exactly one sliced line; it exists only to drive Bridge.Feed
// deterministically from Pipeline.Run.
type fakeDemuxer struct{}

func (fakeDemuxer) Cor(out []vbi.SlicedLine, buf []byte) (n int, pts90k int64, rem int) {
	if len(buf) == 0 {
		return 0, 0, 0
	}
	out[0] = vbi.SlicedLine{Line: 7}
	return 1, 0, 0
}
func (fakeDemuxer) Close() {}

// fakeDecoder emits one PageEvent per Decode call and serves a blank grid.
type fakeDecoder struct{}

func (fakeDecoder) Decode(lines []vbi.SlicedLine, ptsSeconds float64) []vbi.PageEvent {
	return []vbi.PageEvent{{Page: 100, Subpage: 0}}
}
func (fakeDecoder) FetchPage(page, subpage int, level float64, rows int, reset bool) (vbi.PageGrid, bool) {
	return fakeGrid{}, true
}
func (fakeDecoder) ReleasePage(vbi.PageGrid) {}
func (fakeDecoder) Close()                   {}

func fakeFactory() (vbi.Demuxer, vbi.Decoder, error) {
	return fakeDemuxer{}, fakeDecoder{}, nil
}

func testConfig(t *testing.T, port int) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]string{"tuner.local", "5", "256", itoa(port)}, "", false)
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func itoa(n int) string {
	// avoid importing strconv just for the test helper below it's already
	// pulled in transitively, but keep this local and obvious.
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestRunEmitsOneDatagramPerCompletePage(t *testing.T) {
	lc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lc.Close()
	port := lc.LocalAddr().(*net.UDPAddr).Port

	emitter, err := udpout.New(port)
	if err != nil {
		t.Fatalf("udpout.New: %v", err)
	}
	defer emitter.Close()

	cfg := testConfig(t, port)
	p, err := New(cfg, fakeFactory, emitter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// One aligned TS packet carrying the target PID, PUSI set, with a
	// minimal PES header (length-bounded, complete within this packet) and
	// a non-empty ES payload.
	packet := makeTargetPacket(t, cfg.PID)

	if err := p.Run(bytes.NewReader(packet)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := lc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a datagram, got error: %v", err)
	}
	if n == 0 {
		t.Fatal("expected a non-empty datagram")
	}
}

// identDemuxer/identDecoder/identGrid let a test distinguish which
// (demux, decoder) pair produced a given datagram, and record whether
// Close was called on them — used to verify Reset() tears down the prior
// connection's Teletext handles rather than merging state across them.
type identDemuxer struct {
	closed *bool
}

func (d identDemuxer) Cor(out []vbi.SlicedLine, buf []byte) (n int, pts90k int64, rem int) {
	if len(buf) == 0 {
		return 0, 0, 0
	}
	out[0] = vbi.SlicedLine{Line: 7}
	return 1, 0, 0
}
func (d identDemuxer) Close() { *d.closed = true }

type identDecoder struct {
	id     int
	closed *bool
}

func (d identDecoder) Decode(lines []vbi.SlicedLine, ptsSeconds float64) []vbi.PageEvent {
	return []vbi.PageEvent{{Page: 100, Subpage: d.id}}
}
func (d identDecoder) FetchPage(page, subpage int, level float64, rows int, reset bool) (vbi.PageGrid, bool) {
	return identGrid{id: d.id}, true
}
func (d identDecoder) ReleasePage(vbi.PageGrid) {}
func (d identDecoder) Close()                   { *d.closed = true }

type identGrid struct{ id int }

func (g identGrid) Columns() int { return 40 }
func (g identGrid) Rows() int    { return 25 }
func (g identGrid) Cell(r, c int) rune {
	if r == 0 && c == 0 {
		return rune('0' + g.id)
	}
	return ' '
}

// trackingFactory hands out successive identDemuxer/identDecoder pairs,
// remembering each pair's "closed" flag so a test can assert the prior
// pair was torn down once Reset builds the next one.
type trackingFactory struct {
	calls       int
	demuxClosed []*bool
	decClosed   []*bool
}

func (f *trackingFactory) build() (vbi.Demuxer, vbi.Decoder, error) {
	f.calls++
	dmClosed := new(bool)
	decClosed := new(bool)
	f.demuxClosed = append(f.demuxClosed, dmClosed)
	f.decClosed = append(f.decClosed, decClosed)
	return identDemuxer{closed: dmClosed}, identDecoder{id: f.calls, closed: decClosed}, nil
}

// makePartialUnboundedPacket builds one TS packet carrying an unbounded
// (PES_packet_length == 0) PES header: the reassembler holds its payload
// in the accumulator and only dispatches it on the next PUSI, so a single
// such packet simulates "half of a page's TS packets" — in flight, never
// flushed to the VBI bridge.
func makePartialUnboundedPacket(t *testing.T, pid int) []byte {
	t.Helper()
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(0x40 | (pid>>8)&0x1F)
	pkt[2] = byte(pid & 0xFF)
	pkt[3] = 0x10

	payload := pkt[4:]
	payload[0] = 0x00
	payload[1] = 0x00
	payload[2] = 0x01
	payload[3] = 0xBD
	payload[4] = 0x00
	payload[5] = 0x00 // PES_packet_length = 0 -> unbounded, not dispatched without a following PUSI
	payload[6] = 0x80
	payload[7] = 0x00
	payload[8] = 0x00
	for i := 9; i < len(payload); i++ {
		payload[i] = 0xAA
	}
	return pkt
}

func TestResetScrubsStateAcrossReconnect(t *testing.T) {
	lc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lc.Close()
	port := lc.LocalAddr().(*net.UDPAddr).Port

	emitter, err := udpout.New(port)
	if err != nil {
		t.Fatalf("udpout.New: %v", err)
	}
	defer emitter.Close()

	cfg := testConfig(t, port)
	tf := &trackingFactory{}
	p, err := New(cfg, tf.build, emitter)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tf.calls != 1 {
		t.Fatalf("expected New to build one demux/decoder pair, got %d", tf.calls)
	}

	// First "connection": feed half of a page (an in-flight, never-flushed
	// PES packet). This must produce no datagram at all.
	partial := makePartialUnboundedPacket(t, cfg.PID)
	if err := p.Run(bytes.NewReader(partial)); err != nil {
		t.Fatalf("Run (partial): %v", err)
	}

	// Reconnect: the supervisor would call this between closing the old
	// stream and opening the new one.
	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if tf.calls != 2 {
		t.Fatalf("expected Reset to build a second demux/decoder pair, got %d calls", tf.calls)
	}
	if !*tf.demuxClosed[0] {
		t.Error("expected the first connection's demuxer to be closed by Reset")
	}
	if !*tf.decClosed[0] {
		t.Error("expected the first connection's decoder to be closed by Reset")
	}
	if *tf.demuxClosed[1] || *tf.decClosed[1] {
		t.Error("the second connection's demux/decoder should not be closed yet")
	}

	// Second "connection": feed one complete page.
	complete := makeTargetPacket(t, cfg.PID)
	if err := p.Run(bytes.NewReader(complete)); err != nil {
		t.Fatalf("Run (complete): %v", err)
	}

	lc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, _, err := lc.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected exactly one datagram for the second page, got error: %v", err)
	}
	got := string(buf[:n])
	if !bytes.Contains(buf[:n], []byte(`"2`)) {
		t.Fatalf("expected the datagram to reflect the second decoder's content (id=2), got %q", got)
	}
	if bytes.Contains(buf[:n], []byte(`"1`)) {
		t.Fatalf("datagram must not reflect the first (partial, pre-reconnect) decoder's content, got %q", got)
	}

	lc.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, _, err := lc.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no further datagrams, got another %d bytes: %q", n, buf[:n])
	}
}

// makeTargetPacket builds one syntactically valid 188-byte TS packet
// targeting pid, PUSI set, carrying a PES header (length-bounded) followed by
// enough ES payload bytes for the fake demuxer to report a sliced line.
func makeTargetPacket(t *testing.T, pid int) []byte {
	t.Helper()
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(0x40 | (pid>>8)&0x1F) // PUSI bit + PID high bits
	pkt[2] = byte(pid & 0xFF)
	pkt[3] = 0x10 // no adaptation field, payload present, continuity 0

	payload := pkt[4:]
	payload[0] = 0x00
	payload[1] = 0x00
	payload[2] = 0x01
	payload[3] = 0xBD // private_stream_1, arbitrary valid stream id
	payload[4] = 0x00
	payload[5] = 0xB2 // PES_packet_length = 178 -> dispatches once this packet's 184 bytes are accumulated (6+178=184)
	payload[6] = 0x80
	payload[7] = 0x00
	payload[8] = 0x00 // PES_header_data_length = 0
	for i := 9; i < len(payload); i++ {
		payload[i] = 0xAA
	}
	return pkt
}
