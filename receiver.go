package peerlink

import "github.com/outofforest/peerlink/wire"

// ChunkReceiver reassembles fragments received from peers into complete messages.
// It is not safe for concurrent use.
type ChunkReceiver struct {
	sentinel  Sentinel
	buffers   map[wire.PeerID][]byte
	completed map[wire.PeerID][]byte
}

// NewChunkReceiver creates chunk receiver.
func NewChunkReceiver(sentinel Sentinel) *ChunkReceiver {
	return &ChunkReceiver{
		sentinel:  sentinel,
		buffers:   map[wire.PeerID][]byte{},
		completed: map[wire.PeerID][]byte{},
	}
}

// Receive appends fragment to the buffer of the peer and returns true if it completed the message.
// Completed message with empty payload is not stored, so TakeCompleted returns nothing for it.
func (r *ChunkReceiver) Receive(peerID wire.PeerID, fragment []byte) bool {
	delete(r.completed, peerID)

	buf := append(r.buffers[peerID], fragment...)
	if !r.sentinel.Terminates(buf) {
		r.buffers[peerID] = buf
		return false
	}

	delete(r.buffers, peerID)
	if payload := buf[:len(buf)-len(r.sentinel)]; len(payload) > 0 {
		r.completed[peerID] = payload
	}
	return true
}

// TakeCompleted returns the last completed message of the peer.
func (r *ChunkReceiver) TakeCompleted(peerID wire.PeerID) ([]byte, bool) {
	msg, exists := r.completed[peerID]
	return msg, exists
}

// Forget drops everything received from the peer.
func (r *ChunkReceiver) Forget(peerID wire.PeerID) {
	delete(r.buffers, peerID)
	delete(r.completed, peerID)
}
