// Package metrics holds the process-wide Prometheus registry (component J)
// and the optional loopback HTTP listener that serves it.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teletext"

var (
	PagesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pages_emitted_total",
		Help:      "Page datagrams handed to the UDP emitter, including failed sends.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Upstream reconnect attempts by the supervisor.",
	})

	PESOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pes_overflow_total",
		Help:      "PES accumulator overflows.",
	})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Transport Stream packets silently dropped, by reason.",
	}, []string{"reason"})

	PESFramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pes_frames_dropped_total",
		Help:      "PES payloads rejected at header-parse time, by reason.",
	}, []string{"reason"})

	UDPSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "udp_send_errors_total",
		Help:      "Failed UDP sendto calls.",
	})

	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_read_total",
		Help:      "Bytes read from the upstream HTTP body.",
	})

	PageRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "page_rate_limited_total",
		Help:      "Completed pages dropped by the defensive page-rate limiter.",
	})

	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected",
		Help:      "1 while an upstream stream is open, 0 otherwise.",
	})
)

// Server serves the registry over HTTP on a loopback address. A zero-value
// Server (never Start'ed) is valid and simply never listens, per spec's
// "when empty, the registry is still populated... but nothing is served."
type Server struct {
	srv *http.Server
}

// Start begins serving promhttp.Handler() on addr in the background. It
// returns once the listener is bound so callers can rely on the metrics
// port being open by the time Start returns; a failure is returned
// synchronously, a later runtime error is logged.
func Start(addr string) (*Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen on %s: %w", addr, err)
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: server on %s exited: %v", addr, err)
		}
	}()

	return &Server{srv: srv}, nil
}

// Stop gracefully shuts the listener down, if one was started.
func (s *Server) Stop() {
	if s == nil || s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("metrics: shutdown: %v", err)
	}
}
