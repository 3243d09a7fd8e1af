package wire

import "github.com/google/uuid"

// PeerID identifies a peer within a single backend instance.
type PeerID string

// NewPeerID generates random peer ID.
func NewPeerID() PeerID {
	return PeerID(uuid.NewString())
}

// Hello is the message exchanged between peers when connecting.
type Hello struct {
	PeerID       PeerID
	MaxChunkSize uint64
}
