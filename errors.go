package peerlink

import "github.com/pkg/errors"

var (
	// ErrNoConnection is returned when message is sent to a peer without live connection.
	ErrNoConnection = errors.New("no connection to peer")

	// ErrDisconnected is returned for messages which were not fully written before peer was disconnected.
	ErrDisconnected = errors.New("peer disconnected")

	// ErrTransmissionUnitTooSmall is reported when the negotiated chunk size cannot carry the sentinel.
	ErrTransmissionUnitTooSmall = errors.New("transmission unit is smaller than sentinel")

	// ErrWriteFailed is reported when transport repeatedly failed to write the same chunk.
	ErrWriteFailed = errors.New("chunk write failed")

	// ErrServiceAlreadyStarted is returned when service is started while it is active or starting.
	ErrServiceAlreadyStarted = errors.New("service already started")

	// ErrServiceFailed is returned when service is started while it is in error state.
	ErrServiceFailed = errors.New("service is in error state")

	// ErrEngineStopped is returned when engine is not running anymore.
	ErrEngineStopped = errors.New("engine stopped")
)
