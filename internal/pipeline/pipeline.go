// Package pipeline wires components B-H (tsframer through udpout) into
// the single owned value the supervisor threads through each connection
// attempt; the supervisor opens the upstream stream (component A) and
// hands it to Run as an io.Reader. Nothing here is safe for concurrent use: the whole pipeline runs
// on one goroutine, synchronously, per spec.md §5's scheduling model.
package pipeline

import (
	"fmt"
	"io"
	"log"

	"golang.org/x/time/rate"

	"github.com/fprisse/Teletext-Decoder/internal/config"
	"github.com/fprisse/Teletext-Decoder/internal/metrics"
	"github.com/fprisse/Teletext-Decoder/internal/page"
	"github.com/fprisse/Teletext-Decoder/internal/pes"
	"github.com/fprisse/Teletext-Decoder/internal/tsframer"
	"github.com/fprisse/Teletext-Decoder/internal/tspacket"
	"github.com/fprisse/Teletext-Decoder/internal/udpout"
	"github.com/fprisse/Teletext-Decoder/internal/vbi"
)

// readBufSize is the chunk size for reads off the upstream stream. It is
// unrelated to the 188-byte TS packet size; tsframer re-aligns whatever
// the kernel happens to hand back.
const readBufSize = 64 * 1024

// pageRateLimit and pageRateBurst are the defensive page-emission limiter's
// parameters: generous enough that no legitimate broadcast ever triggers
// it, tight enough to bound a misbehaving Teletext library (SPEC_FULL.md §9).
const (
	pageRateLimit = 50
	pageRateBurst = 100
)

// DecoderFactory constructs a fresh demuxer/decoder pair for one connection.
// Supplied by main so that pipeline does not import the cgo-bound libzvbi
// package directly; tests substitute a fake factory.
type DecoderFactory func() (vbi.Demuxer, vbi.Decoder, error)

// Pipeline owns every piece of mutable state for one upstream connection's
// worth of processing: the carry buffer, the PES accumulator, the VBI
// bridge, and the reusable page-serialisation buffer. Reset rebuilds
// everything that must not survive a reconnect, per spec.md §4.F Isolation.
type Pipeline struct {
	cfg     *config.Config
	newDemo DecoderFactory
	emitter *udpout.Emitter
	limiter *rate.Limiter

	framer  *tsframer.Framer
	reasm   *pes.Reassembler
	bridge  *vbi.Bridge
	serial  *page.Serializer
	readBuf [readBufSize]byte
}

// New constructs a Pipeline with a fresh per-connection bridge already
// built, and the long-lived UDP emitter opened once for the process.
func New(cfg *config.Config, newDecoders DecoderFactory, emitter *udpout.Emitter) (*Pipeline, error) {
	p := &Pipeline{
		cfg:     cfg,
		newDemo: newDecoders,
		emitter: emitter,
		limiter: rate.NewLimiter(rate.Limit(pageRateLimit), pageRateBurst),
		framer:  tsframer.New(),
		reasm:   pes.New(),
		serial:  page.New(),
	}
	if err := p.rebuildBridge(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) rebuildBridge() error {
	demux, decoder, err := p.newDemo()
	if err != nil {
		return fmt.Errorf("pipeline: build vbi bridge: %w", err)
	}
	p.bridge = vbi.New(demux, decoder)
	return nil
}

// Reset discards all per-connection state — carry bytes, the PES
// accumulator, and the Teletext demux/decoder — and rebuilds the bridge,
// per spec.md §4.I "reset carry, reset PES accumulator, destroy and
// recreate Teletext demux+decoder." The rate limiter and UDP socket are
// process-lifetime state and are intentionally left untouched.
func (p *Pipeline) Reset() error {
	p.framer.Reset()
	p.reasm.Reset()
	if p.bridge != nil {
		p.bridge.Close()
	}
	return p.rebuildBridge()
}

// Close releases the current connection's Teletext bridge. The UDP emitter
// outlives the Pipeline and is closed by the caller that opened it.
func (p *Pipeline) Close() {
	if p.bridge != nil {
		p.bridge.Close()
	}
}

// Run pumps r until it returns an error (including io.EOF), pushing every
// byte through B->C->D->E->F->G->H in order. It returns nil only when r
// reaches a clean EOF; any other read error is returned to the caller,
// which per spec.md §4.I treats both identically (end of this connection).
func (p *Pipeline) Run(r io.Reader) error {
	for {
		n, err := r.Read(p.readBuf[:])
		if n > 0 {
			metrics.BytesRead.Add(float64(n))
			p.framer.Feed(p.readBuf[:n], p.onPacket)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (p *Pipeline) onPacket(packet []byte) {
	result, reason, ok := tspacket.Inspect(packet, p.cfg.PID)
	if !ok {
		if reason != tspacket.DropNone {
			metrics.FramesDropped.WithLabelValues(string(reason)).Inc()
			if p.cfg.Verbose {
				log.Printf("tspacket: dropped packet reason=%s", reason)
			}
		}
		return
	}

	p.reasm.Feed(result.Payload, result.PUSI, p.onPES, p.onPESOverflow)
}

func (p *Pipeline) onPESOverflow() {
	metrics.PESOverflows.Inc()
	log.Printf("pes: accumulator overflow, packet dropped")
}

func (p *Pipeline) onPES(raw []byte) {
	header, reason, ok := pes.ParseHeader(raw)
	if !ok {
		metrics.PESFramesDropped.WithLabelValues(string(reason)).Inc()
		if p.cfg.Verbose {
			log.Printf("pes: dropped frame reason=%s", reason)
		}
		return
	}

	events := p.bridge.Feed(header.Data)
	for _, ev := range events {
		p.onPage(ev)
	}
}

func (p *Pipeline) onPage(ev vbi.PageEvent) {
	if !p.limiter.Allow() {
		metrics.PageRateLimited.Inc()
		return
	}

	datagram, ok := p.serial.Build(p.bridge.Decoder(), ev.Page, ev.Subpage)
	if !ok {
		return
	}

	p.emitter.Send(datagram)
	metrics.PagesEmitted.Inc()
}
