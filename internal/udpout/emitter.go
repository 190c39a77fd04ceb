// Package udpout implements component H: delivery of one assembled page
// datagram per sendto, over a single unconnected UDP socket, to a fixed
// destination port on the loopback interface.
package udpout

import (
	"fmt"
	"log"
	"net"

	"github.com/fprisse/Teletext-Decoder/internal/metrics"
)

// Emitter owns one unconnected UDP socket for the lifetime of the process.
// It is not rebuilt on reconnect: the destination and local binding do not
// depend on the upstream stream's connection state.
type Emitter struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

// New opens one unconnected UDP socket and resolves the fixed loopback
// destination 127.0.0.1:port. spec.md §4.H: "bound implicitly" means the
// socket is not itself bound to the destination via Dial; every send names
// the destination explicitly via WriteToUDP.
func New(port int) (*Emitter, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("udpout: listen: %w", err)
	}
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	return &Emitter{conn: conn, dst: dst}, nil
}

// Send transmits one datagram. A send failure is logged and does not stop
// the pipeline (spec.md §4.H: "Send errors are logged and non-fatal").
func (e *Emitter) Send(datagram []byte) {
	if _, err := e.conn.WriteToUDP(datagram, e.dst); err != nil {
		metrics.UDPSendErrors.Inc()
		log.Printf("udpout: send to %s failed: %v", e.dst, err)
	}
}

// Close releases the socket.
func (e *Emitter) Close() error {
	return e.conn.Close()
}
