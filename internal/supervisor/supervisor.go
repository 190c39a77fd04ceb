// Package supervisor owns the reconnect loop and signal-driven shutdown
// for one Pipeline (component I). It is the sole place a context.Context
// is threaded through. Each connection's pipeline runs synchronously on one
// goroutine that runOnce starts, while runOnce waits on ctx.Done(), which
// stands in for the spec's asynchronous signal flag. The pipeline does not
// look at ctx itself: on cancellation runOnce closes the stream, which ends
// the pipeline's blocked Read.
package supervisor

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/fprisse/Teletext-Decoder/internal/config"
	"github.com/fprisse/Teletext-Decoder/internal/metrics"
	"github.com/fprisse/Teletext-Decoder/internal/pipeline"
	"github.com/fprisse/Teletext-Decoder/internal/streamsource"
)

// ReconnectDelay is the fixed pause between a closed/failed connection and
// the next attempt, per spec.md §4.I.
const ReconnectDelay = 5 * time.Second

// Run drives the reconnect loop until ctx is cancelled. On every iteration
// it resets p's per-connection state, opens a fresh upstream stream, pumps
// it through the pipeline until EOF/error, closes it, and sleeps
// ReconnectDelay before looping — exactly spec.md §4.I's "reset carry,
// reset PES accumulator, destroy and recreate Teletext demux+decoder, open
// HTTP stream, pump bytes... close the stream, sleep, loop."
//
// Run returns nil only when ctx is cancelled between iterations (clean
// shutdown); it never returns a non-nil error on its own, since all
// upstream failures are absorbed as "reconnect" per spec.md §7's
// propagation policy.
func Run(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		runOnce(ctx, cfg, p)

		if ctx.Err() != nil {
			return nil
		}

		metrics.Reconnects.Inc()
		log.Printf("supervisor: reconnecting in %s", ReconnectDelay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ReconnectDelay):
		}
	}
}

func runOnce(ctx context.Context, cfg *config.Config, p *pipeline.Pipeline) {
	if err := p.Reset(); err != nil {
		log.Printf("supervisor: reset pipeline: %v", err)
		return
	}

	stream, err := streamsource.Open(cfg.Host, cfg.Channel)
	if err != nil {
		log.Printf("supervisor: open stream: %v", err)
		return
	}
	defer stream.Close()

	metrics.Connected.Set(1)
	defer metrics.Connected.Set(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(stream); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("supervisor: stream ended: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		// Closing the socket unblocks the in-flight blocking Read in the
		// goroutine above; there is no read-timeout to rely on instead
		// (spec.md §5 Cancellation & timeouts: "the read has no
		// read-timeout... the next iteration observes the flag and exits").
		stream.Close()
		<-done
	case <-done:
	}
}
