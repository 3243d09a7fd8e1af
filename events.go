package peerlink

import "github.com/outofforest/peerlink/wire"

// PeerConnected is emitted when connection to the peer is ready for data transfer.
type PeerConnected struct {
	PeerID wire.PeerID
}

// PeerFailedToConnect is emitted when connection to the peer failed, either while connecting or
// after it had been established.
type PeerFailedToConnect struct {
	PeerID wire.PeerID
	Err    error
}

// PeerDisconnected is emitted when connection to the peer was closed.
type PeerDisconnected struct {
	PeerID wire.PeerID
}

// MessageReceived is emitted for each complete message received from the peer.
type MessageReceived struct {
	PeerID  wire.PeerID
	Payload []byte
}

// ServiceStateChanged is emitted when service activity state changes.
type ServiceStateChanged struct {
	State ServiceState
}

// PeerDiscovered is emitted when advertising peer is found or its address changes.
type PeerDiscovered struct {
	Peer Peer
}

// PeerLost is emitted when discovered peer stops advertising.
type PeerLost struct {
	PeerID wire.PeerID
}
