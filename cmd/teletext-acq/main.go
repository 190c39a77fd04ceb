// Command teletext-acq acquires a single Teletext-carrying channel from a
// networked tuner and republishes completed pages as JSON datagrams over
// UDP. See internal/config for the invocation contract.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fprisse/Teletext-Decoder/internal/config"
	"github.com/fprisse/Teletext-Decoder/internal/metrics"
	"github.com/fprisse/Teletext-Decoder/internal/pipeline"
	"github.com/fprisse/Teletext-Decoder/internal/supervisor"
	"github.com/fprisse/Teletext-Decoder/internal/udpout"
	"github.com/fprisse/Teletext-Decoder/internal/vbi"
	"github.com/fprisse/Teletext-Decoder/internal/vbi/libzvbi"
)

func main() {
	metricsAddr := flag.String("metrics-addr", "", "loopback address to serve Prometheus metrics on, e.g. 127.0.0.1:9090 (disabled if empty)")
	verbose := flag.Bool("v", false, "log every dropped TS/PES packet's reason, not just overflow")
	flag.Parse()

	cfg, err := config.Parse(flag.Args(), *metricsAddr, *verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "teletext-acq: %v\n", err)
		fmt.Fprintf(os.Stderr, "usage: teletext-acq [flags] host channel pid udpport\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Start(cfg.MetricsAddr)
		if err != nil {
			log.Fatalf("teletext-acq: start metrics listener: %v", err)
		}
		defer srv.Stop()
		log.Printf("teletext-acq: metrics listening on %s", cfg.MetricsAddr)
	}

	emitter, err := udpout.New(cfg.UDPPort)
	if err != nil {
		log.Fatalf("teletext-acq: open UDP socket: %v", err)
	}
	defer emitter.Close()

	p, err := pipeline.New(cfg, libzvbiFactory, emitter)
	if err != nil {
		log.Fatalf("teletext-acq: build pipeline: %v", err)
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("teletext-acq: acquiring host=%s channel=%d pid=%d udpport=%d",
		cfg.Host, cfg.Channel, cfg.PID, cfg.UDPPort)

	if err := supervisor.Run(ctx, cfg, p); err != nil {
		log.Fatalf("teletext-acq: %v", err)
	}
	log.Println("teletext-acq: shut down cleanly")
}

// libzvbiFactory constructs a fresh libzvbi demux/decoder pair for one
// connection, satisfying pipeline.DecoderFactory.
func libzvbiFactory() (vbi.Demuxer, vbi.Decoder, error) {
	demux, err := libzvbi.NewDemux()
	if err != nil {
		return nil, nil, err
	}
	decoder, err := libzvbi.NewDecoder()
	if err != nil {
		demux.Close()
		return nil, nil, err
	}
	return demux, decoder, nil
}
