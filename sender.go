package peerlink

import (
	"github.com/pkg/errors"

	"github.com/outofforest/peerlink/wire"
)

// SizeFunc returns the current maximum chunk size accepted by the transport for a peer.
type SizeFunc func() int

// WriteFunc passes chunk to the transport. Write is confirmed asynchronously.
type WriteFunc func(chunk []byte)

type sendQueue struct {
	messages [][]byte
	sizeFn   SizeFunc
	writeFn  WriteFunc

	// inFlight is the length of the chunk offered to the transport and not confirmed yet.
	inFlight int
	offered  bool
}

// ChunkSender splits outgoing messages into chunks and keeps exactly one chunk in flight per peer.
// It is not safe for concurrent use.
type ChunkSender struct {
	sentinel Sentinel
	queues   map[wire.PeerID]*sendQueue
}

// NewChunkSender creates chunk sender.
func NewChunkSender(sentinel Sentinel) *ChunkSender {
	return &ChunkSender{
		sentinel: sentinel,
		queues:   map[wire.PeerID]*sendQueue{},
	}
}

// Enqueue appends framed message to the queue of the peer and binds the transport functions used to
// write its chunks.
func (s *ChunkSender) Enqueue(peerID wire.PeerID, message []byte, sizeFn SizeFunc, writeFn WriteFunc) {
	q, exists := s.queues[peerID]
	if !exists {
		q = &sendQueue{}
		s.queues[peerID] = q
	}
	q.messages = append(q.messages, s.sentinel.Frame(message))
	q.sizeFn = sizeFn
	q.writeFn = writeFn
}

// SendNext offers the next chunk of the head message to the transport.
// It does nothing if there is nothing queued for the peer or previous chunk is still in flight.
func (s *ChunkSender) SendNext(peerID wire.PeerID) error {
	q, exists := s.queues[peerID]
	if !exists || q.offered || len(q.messages) == 0 {
		return nil
	}

	size := q.sizeFn()
	if size < len(s.sentinel) {
		return errors.Wrapf(ErrTransmissionUnitTooSmall, "chunk size %d, sentinel size %d", size,
			len(s.sentinel))
	}

	head := q.messages[0]
	chunk := head[:min(size, len(head))]
	q.inFlight = len(chunk)
	q.offered = true
	q.writeFn(chunk)

	return nil
}

// Confirm marks the chunk in flight as written and returns true if there are more bytes to send.
func (s *ChunkSender) Confirm(peerID wire.PeerID) bool {
	q, exists := s.queues[peerID]
	if !exists || !q.offered {
		return false
	}

	q.offered = false
	q.messages[0] = q.messages[0][q.inFlight:]
	q.inFlight = 0
	if len(q.messages[0]) == 0 {
		q.messages[0] = nil
		q.messages = q.messages[1:]
	}

	if len(q.messages) == 0 {
		s.CleanUp(peerID)
		return false
	}
	return true
}

// Rewind returns the chunk in flight to the queue so it is offered again by SendNext.
func (s *ChunkSender) Rewind(peerID wire.PeerID) {
	if q, exists := s.queues[peerID]; exists {
		q.offered = false
		q.inFlight = 0
	}
}

// InFlight reports whether a chunk offered to the peer waits for confirmation.
func (s *ChunkSender) InFlight(peerID wire.PeerID) bool {
	q, exists := s.queues[peerID]
	return exists && q.offered
}

// Queued returns the number of messages waiting for the peer, including the one being written.
func (s *ChunkSender) Queued(peerID wire.PeerID) int {
	if q, exists := s.queues[peerID]; exists {
		return len(q.messages)
	}
	return 0
}

// CleanUp drops everything queued for the peer.
func (s *ChunkSender) CleanUp(peerID wire.PeerID) {
	delete(s.queues, peerID)
}
