// Package libzvbi binds internal/vbi's Demuxer/Decoder interfaces to the
// system libzvbi library via cgo — the external Teletext decoding library
// spec.md §1/§9 names as the de-facto implementation. This is the one
// genuinely new external dependency the spec calls for by name; everything
// above this package talks only to the vbi.Demuxer/vbi.Decoder interfaces.
package libzvbi

/*
#cgo pkg-config: zvbi-0.2
#include <stdlib.h>
#include <libzvbi.h>

extern void goPageHandler(vbi_event *ev, void *user_data);

static void register_page_handler(vbi_decoder *dec, void *user_data) {
	vbi_event_handler_register(dec, VBI_EVENT_TTX_PAGE, (vbi_event_handler) goPageHandler, user_data);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/fprisse/Teletext-Decoder/internal/vbi"
)

// Demux wraps a vbi_dvb_demux handle.
type Demux struct {
	h *C.vbi_dvb_demux
}

// NewDemux creates a fresh PES-mode data-unit demultiplexer (vbi_dvb_pes_demux_new).
func NewDemux() (*Demux, error) {
	h := C.vbi_dvb_pes_demux_new(nil, nil)
	if h == nil {
		return nil, errNew("vbi_dvb_pes_demux_new")
	}
	return &Demux{h: h}, nil
}

// Cor implements vbi.Demuxer.Cor via vbi_dvb_demux_cor.
func (d *Demux) Cor(out []vbi.SlicedLine, buf []byte) (n int, pts90k int64, rem int) {
	if len(buf) == 0 {
		return 0, 0, 0
	}
	var sliced [64]C.vbi_sliced
	var cn C.uint
	var cpts C.int64_t
	cbuf := (*C.uint8_t)(unsafe.Pointer(&buf[0]))
	cleft := C.uint(len(buf))

	got := C.vbi_dvb_demux_cor(d.h, &sliced[0], C.uint(len(out)), &cn, &cbuf, &cleft, &cpts)
	consumed := len(buf) - int(cleft)
	if got == 0 {
		return 0, int64(cpts), len(buf) - consumed
	}
	n = int(cn)
	for i := 0; i < n && i < len(out); i++ {
		out[i].Line = int(sliced[i].line)
		copy(out[i].Data[:], C.GoBytes(unsafe.Pointer(&sliced[i].data[0]), 42))
	}
	return n, int64(cpts), len(buf) - consumed
}

// Close releases the demuxer.
func (d *Demux) Close() {
	if d.h != nil {
		C.vbi_dvb_demux_delete(d.h)
		d.h = nil
	}
}

var (
	registryMu sync.Mutex
	registry   = map[unsafe.Pointer]*Decoder{}
)

// Decoder wraps a vbi_decoder handle and collects page_complete events
// raised synchronously from within vbi_decode, translating libzvbi's
// callback-driven model into the batch-return shape vbi.Decoder asks for
// (spec.md §9 Design Notes, option (b)).
type Decoder struct {
	h       *C.vbi_decoder
	pending []vbi.PageEvent
	key     unsafe.Pointer
}

// NewDecoder creates a fresh page-assembly decoder (vbi_decoder_new) and
// registers a VBI_EVENT_TTX_PAGE handler that appends to pending.
func NewDecoder() (*Decoder, error) {
	h := C.vbi_decoder_new()
	if h == nil {
		return nil, errNew("vbi_decoder_new")
	}
	dec := &Decoder{h: h}
	dec.key = unsafe.Pointer(h)

	registryMu.Lock()
	registry[dec.key] = dec
	registryMu.Unlock()

	C.register_page_handler(h, dec.key)
	return dec, nil
}

//export goPageHandler
func goPageHandler(ev *C.vbi_event, userData unsafe.Pointer) {
	registryMu.Lock()
	dec, ok := registry[userData]
	registryMu.Unlock()
	if !ok {
		return
	}
	ttx := (*C.vbi_event_ttx_page)(unsafe.Pointer(&ev.ev[0]))
	dec.pending = append(dec.pending, vbi.PageEvent{
		Page:    int(ttx.pgno),
		Subpage: int(ttx.subno),
	})
}

// Decode implements vbi.Decoder.Decode via vbi_decode. Because
// vbi_event_handler_register's callback runs synchronously within
// vbi_decode on this same goroutine, pending is guaranteed fully populated
// by the time vbi_decode returns.
func (d *Decoder) Decode(lines []vbi.SlicedLine, ptsSeconds float64) []vbi.PageEvent {
	if len(lines) == 0 {
		return nil
	}
	sliced := make([]C.vbi_sliced, len(lines))
	for i, l := range lines {
		sliced[i].line = C.uint(l.Line)
		sliced[i].id = C.VBI_SLICED_TELETEXT_B
		for j := 0; j < 42; j++ {
			sliced[i].data[j] = C.uint8_t(l.Data[j])
		}
	}
	d.pending = d.pending[:0]
	C.vbi_decode(d.h, &sliced[0], C.uint(len(sliced)), C.double(ptsSeconds))
	out := make([]vbi.PageEvent, len(d.pending))
	copy(out, d.pending)
	return out
}

// FetchPage implements vbi.Decoder.FetchPage via vbi_fetch_vt_page.
func (d *Decoder) FetchPage(page, subpage int, enhancementLevel float64, rows int, resetNav bool) (vbi.PageGrid, bool) {
	pg := &C.vbi_page{}
	reset := C.int(0)
	if resetNav {
		reset = 1
	}
	ok := C.vbi_fetch_vt_page(d.h, pg, C.vbi_pgno(page), C.vbi_subno(subpage),
		C.VBI_WST_LEVEL_1p5, C.int(rows), reset)
	if ok == 0 {
		return nil, false
	}
	return &Page{p: pg}, true
}

// ReleasePage implements vbi.Decoder.ReleasePage via vbi_unref_page.
func (d *Decoder) ReleasePage(grid vbi.PageGrid) {
	p, ok := grid.(*Page)
	if !ok {
		return
	}
	C.vbi_unref_page(p.p)
}

// Close releases the decoder and removes it from the event registry.
func (d *Decoder) Close() {
	if d.h == nil {
		return
	}
	registryMu.Lock()
	delete(registry, d.key)
	registryMu.Unlock()
	C.vbi_decoder_delete(d.h)
	d.h = nil
}

// Page is a fetched 40x25 grid backed by a vbi_page.
type Page struct {
	p *C.vbi_page
}

func (p *Page) Columns() int { return int(p.p.columns) }
func (p *Page) Rows() int    { return int(p.p.rows) }

func (p *Page) Cell(row, col int) rune {
	idx := row*int(p.p.columns) + col
	text := (*[25 * 40]C.vbi_char)(unsafe.Pointer(p.p.text))
	return rune(text[idx].unicode)
}

func errNew(fn string) error {
	return &InitError{Func: fn}
}

// InitError is returned when a libzvbi constructor fails (e.g. out of
// memory inside the C library).
type InitError struct {
	Func string
}

func (e *InitError) Error() string {
	return "libzvbi: " + e.Func + " failed"
}
