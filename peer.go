package peerlink

import "github.com/outofforest/peerlink/wire"

// PeerState is the lifecycle state of the connection to a peer.
type PeerState int

// Peer connection states.
const (
	Disconnected PeerState = iota
	Connecting
	Connected
)

func (s PeerState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Peer is the remote peer known to the transport.
type Peer struct {
	ID wire.PeerID

	// Address is the transport-specific address used to reach the peer, if it is needed.
	Address string
}

type peer struct {
	state     PeerState
	outbound  bool
	retries   int
	sendQueue []chan<- error
}

func (p *peer) delivered() {
	if len(p.sendQueue) == 0 {
		return
	}
	p.sendQueue[0] <- nil
	p.sendQueue = p.sendQueue[1:]
}

func (p *peer) abort(err error) {
	for _, ch := range p.sendQueue {
		ch <- err
	}
	p.sendQueue = nil
}
