package peerlink

import "github.com/outofforest/peerlink/wire"

// Transport is implemented by backends. Engine calls its methods from a single goroutine and they
// must not block. Results are reported back through Sink.
type Transport interface {
	// StartService starts advertising the local peer and accepting connections. Sink.ServiceStarted
	// or Sink.ServiceFailed reports the outcome.
	StartService()

	// StopService stops advertising. Sink.ServiceStopped reports the outcome.
	StopService()

	// StartDiscovery starts looking for advertising peers. Sink.PeerDiscovered and Sink.PeerLost
	// report what is found.
	StartDiscovery()

	// StopDiscovery stops looking for peers.
	StopDiscovery()

	// Connect initiates connection to the peer. Sink.PeerConnected or Sink.PeerDisconnected
	// reports the outcome.
	Connect(peer Peer)

	// Disconnect closes connection to the peer.
	Disconnect(peerID wire.PeerID)

	// MaxChunkSize returns the maximum number of bytes accepted by a single write to the peer.
	MaxChunkSize(peerID wire.PeerID) int

	// WriteChunk writes chunk to the peer. Sink.WriteConfirmed or Sink.WriteFailed reports the outcome.
	WriteChunk(peerID wire.PeerID, chunk []byte)
}

// Sink receives callbacks from the transport. Methods may be called from any goroutine. They
// block only until engine accepts the callback.
type Sink interface {
	ServiceStarted()
	ServiceStopped()
	ServiceFailed(err error)

	PeerDiscovered(peer Peer)
	PeerLost(peerID wire.PeerID)

	PeerConnecting(peerID wire.PeerID)
	PeerConnected(peerID wire.PeerID)
	PeerDisconnected(peerID wire.PeerID, err error)

	FragmentArrived(peerID wire.PeerID, fragment []byte)
	WriteConfirmed(peerID wire.PeerID)
	WriteFailed(peerID wire.PeerID, err error)

	// WriteReady is reported by transports which rejected the offered chunk because their transmit
	// buffer was full, once there is room again. The rejected chunk is offered again.
	WriteReady(peerID wire.PeerID)
}
