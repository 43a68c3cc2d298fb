// Package nic provides simulated link drivers. Frames are delivered
// synchronously on the transmitting goroutine, which is why the transport
// never transmits while holding a registry lock.
package nic

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ethrdma/ethrdma/pkg/types"
)

// Port is one end of a simulated link.
type Port struct {
	mac [6]byte

	mu      sync.Mutex
	peer    *Port
	handler types.FrameHandler
}

// NewCrossover wires two ports back to back, like a crossover cable
// between two hosts.
func NewCrossover(macA, macB [6]byte) (*Port, *Port) {
	a := &Port{mac: macA}
	b := &Port{mac: macB}
	a.peer = b
	b.peer = a
	return a, b
}

// NewLoopback returns a port whose transmissions are delivered back to
// its own handler.
func NewLoopback(mac [6]byte) *Port {
	p := &Port{mac: mac}
	p.peer = p
	return p
}

// Attach registers the receive callback for frames arriving at this port.
func (p *Port) Attach(h types.FrameHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// LocalMAC returns the port's link-layer address.
func (p *Port) LocalMAC() [6]byte {
	return p.mac
}

// Transmit delivers the frame to the peer port's handler on the calling
// goroutine. Frames arriving at a port with no handler are dropped, as a
// NIC with no receive path would.
func (p *Port) Transmit(frame []byte) error {
	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		return errors.New("port has no link")
	}

	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler == nil {
		logrus.Debugf("Dropping frame of %d bytes: no handler attached", len(frame))
		return nil
	}

	// Hand the receiver its own copy; the sender may reuse the buffer.
	delivered := make([]byte, len(frame))
	copy(delivered, frame)
	handler.HandleFrame(delivered, p.mac)
	return nil
}

// Discard is a NIC that drops everything it is asked to transmit. Useful
// for hosts that only ever run in loopback mode.
type Discard struct {
	MAC [6]byte
}

func (d *Discard) Transmit(frame []byte) error { return nil }

func (d *Discard) LocalMAC() [6]byte { return d.MAC }
