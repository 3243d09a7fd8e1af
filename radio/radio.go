// Package radio emulates a low-throughput radio link: every write carries at most one negotiated
// transmission unit, writes are confirmed by the receiving side and all transmissions share one
// half-duplex channel.
package radio

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/wire"
)

var (
	// ErrPeerNotFound is reported when connecting to a peer which is not advertising.
	ErrPeerNotFound = errors.New("peer not found")

	// ErrNotConnected is reported when writing to a peer without link.
	ErrNotConnected = errors.New("not connected")

	// ErrChunkTooLarge is reported when chunk exceeds transmission unit of the link.
	ErrChunkTooLarge = errors.New("chunk exceeds transmission unit")

	// ErrInterference is reported for writes failed on purpose by FailWrites.
	ErrInterference = errors.New("interference")
)

var _ peerlink.Transport = &Endpoint{}

// Medium is the channel shared by endpoints. Transmissions are carried one at a time.
type Medium struct {
	mu        sync.Mutex
	endpoints map[wire.PeerID]*Endpoint
	air       []func()
	wakeCh    chan struct{}
}

// NewMedium creates medium.
func NewMedium() *Medium {
	return &Medium{
		endpoints: map[wire.PeerID]*Endpoint{},
		wakeCh:    make(chan struct{}, 1),
	}
}

// Run carries transmissions until context is canceled.
func (m *Medium) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		air := m.air
		m.air = nil
		m.mu.Unlock()

		for _, fn := range air {
			fn()
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-m.wakeCh:
		}
	}
}

func (m *Medium) schedule(fn func()) {
	m.mu.Lock()
	m.air = append(m.air, fn)
	m.mu.Unlock()

	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// Config is the configuration of the endpoint.
type Config struct {
	PeerID wire.PeerID

	// MTU is the largest write accepted by the endpoint. Transmission unit of a link is the smaller
	// MTU of its two endpoints.
	MTU int

	// TxBufferSize is the number of transmissions the endpoint may have pending on the medium.
	// Zero means unlimited. Writes above the limit are rejected and Sink.WriteReady is reported
	// when the buffer drains.
	TxBufferSize int
}

// Endpoint is the radio of a single peer.
type Endpoint struct {
	medium *Medium
	config Config
	sink   peerlink.Sink

	// Fields below are guarded by medium.mu.
	advertising     bool
	discovering     bool
	registrationErr error
	links           map[wire.PeerID]*Endpoint
	pending         int
	waiting         []wire.PeerID
	failures        map[wire.PeerID]int
}

// NewEndpoint attaches new endpoint to the medium.
func (m *Medium) NewEndpoint(config Config, sink peerlink.Sink) (*Endpoint, error) {
	if config.PeerID == "" {
		return nil, errors.New("peer ID is empty")
	}
	if config.MTU <= 0 {
		return nil, errors.Errorf("MTU must be positive, got %d", config.MTU)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[config.PeerID]; exists {
		return nil, errors.Errorf("endpoint %s already exists", config.PeerID)
	}

	e := &Endpoint{
		medium:   m,
		config:   config,
		sink:     sink,
		links:    map[wire.PeerID]*Endpoint{},
		failures: map[wire.PeerID]int{},
	}
	m.endpoints[config.PeerID] = e
	return e, nil
}

// PeerID returns ID of the endpoint.
func (e *Endpoint) PeerID() wire.PeerID {
	return e.config.PeerID
}

// FailRegistration causes next service start to fail with err.
func (e *Endpoint) FailRegistration(err error) {
	e.medium.mu.Lock()
	defer e.medium.mu.Unlock()

	e.registrationErr = err
}

// FailWrites causes next n writes to the peer to fail.
func (e *Endpoint) FailWrites(peerID wire.PeerID, n int) {
	e.medium.mu.Lock()
	defer e.medium.mu.Unlock()

	e.failures[peerID] = n
}

// Break drops the service registration of the endpoint, reporting err to its sink.
func (e *Endpoint) Break(err error) {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		listeners := e.setAdvertising(false)
		e.medium.mu.Unlock()

		e.announce(listeners, false)
		e.sink.ServiceFailed(err)
	})
}

// setAdvertising returns endpoints which must be told about the change.
func (e *Endpoint) setAdvertising(advertising bool) []*Endpoint {
	if e.advertising == advertising {
		return nil
	}
	e.advertising = advertising

	var listeners []*Endpoint
	for _, l := range e.medium.endpoints {
		if l != e && l.discovering {
			listeners = append(listeners, l)
		}
	}
	return listeners
}

func (e *Endpoint) announce(listeners []*Endpoint, advertising bool) {
	for _, l := range listeners {
		if advertising {
			l.sink.PeerDiscovered(peerlink.Peer{ID: e.config.PeerID})
		} else {
			l.sink.PeerLost(e.config.PeerID)
		}
	}
}

// StartDiscovery implements peerlink.Transport.
func (e *Endpoint) StartDiscovery() {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		e.discovering = true
		var found []wire.PeerID
		for peerID, remote := range e.medium.endpoints {
			if remote != e && remote.advertising {
				found = append(found, peerID)
			}
		}
		e.medium.mu.Unlock()

		slices.Sort(found)
		for _, peerID := range found {
			e.sink.PeerDiscovered(peerlink.Peer{ID: peerID})
		}
	})
}

// StopDiscovery implements peerlink.Transport.
func (e *Endpoint) StopDiscovery() {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		e.discovering = false
		e.medium.mu.Unlock()
	})
}

// StartService implements peerlink.Transport.
func (e *Endpoint) StartService() {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		err := e.registrationErr
		e.registrationErr = nil
		listeners := e.setAdvertising(err == nil)
		e.medium.mu.Unlock()

		if err != nil {
			e.sink.ServiceFailed(err)
			return
		}
		e.sink.ServiceStarted()
		e.announce(listeners, true)
	})
}

// StopService implements peerlink.Transport.
func (e *Endpoint) StopService() {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		listeners := e.setAdvertising(false)
		e.medium.mu.Unlock()

		e.announce(listeners, false)
		e.sink.ServiceStopped()
	})
}

// Connect implements peerlink.Transport.
func (e *Endpoint) Connect(peer peerlink.Peer) {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		remote, exists := e.medium.endpoints[peer.ID]
		if !exists || !remote.advertising || remote == e {
			e.medium.mu.Unlock()

			e.sink.PeerDisconnected(peer.ID, errors.Wrapf(ErrPeerNotFound, "peer %s", peer.ID))
			return
		}
		e.links[remote.config.PeerID] = remote
		remote.links[e.config.PeerID] = e
		e.medium.mu.Unlock()

		remote.sink.PeerConnecting(e.config.PeerID)
		remote.sink.PeerConnected(e.config.PeerID)
		e.sink.PeerConnected(remote.config.PeerID)
	})
}

// Disconnect implements peerlink.Transport.
func (e *Endpoint) Disconnect(peerID wire.PeerID) {
	e.medium.schedule(func() {
		e.medium.mu.Lock()
		remote, exists := e.links[peerID]
		if exists {
			delete(e.links, peerID)
			delete(remote.links, e.config.PeerID)
		}
		e.medium.mu.Unlock()

		if exists {
			remote.sink.PeerDisconnected(e.config.PeerID, nil)
		}
	})
}

// MaxChunkSize implements peerlink.Transport.
func (e *Endpoint) MaxChunkSize(peerID wire.PeerID) int {
	e.medium.mu.Lock()
	defer e.medium.mu.Unlock()

	return e.maxChunkSize(peerID)
}

func (e *Endpoint) maxChunkSize(peerID wire.PeerID) int {
	if remote, exists := e.links[peerID]; exists {
		return min(e.config.MTU, remote.config.MTU)
	}
	return e.config.MTU
}

// WriteChunk implements peerlink.Transport.
func (e *Endpoint) WriteChunk(peerID wire.PeerID, chunk []byte) {
	e.medium.mu.Lock()
	if e.config.TxBufferSize > 0 && e.pending >= e.config.TxBufferSize {
		e.waiting = append(e.waiting, peerID)
		e.medium.mu.Unlock()
		return
	}
	e.pending++
	e.medium.mu.Unlock()

	chunk = bytes.Clone(chunk)
	e.medium.schedule(func() {
		e.transmit(peerID, chunk)
	})
}

func (e *Endpoint) transmit(peerID wire.PeerID, chunk []byte) {
	e.medium.mu.Lock()
	remote, exists := e.links[peerID]
	var err error
	switch {
	case !exists:
		err = errors.Wrapf(ErrNotConnected, "peer %s", peerID)
	case len(chunk) > e.maxChunkSize(peerID):
		err = errors.Wrapf(ErrChunkTooLarge, "chunk size %d, transmission unit %d", len(chunk),
			e.maxChunkSize(peerID))
	case e.failures[peerID] > 0:
		e.failures[peerID]--
		err = errors.WithStack(ErrInterference)
	}

	e.pending--
	waiting := e.waiting
	e.waiting = nil
	e.medium.mu.Unlock()

	if err != nil {
		e.sink.WriteFailed(peerID, err)
	} else {
		remote.sink.FragmentArrived(e.config.PeerID, chunk)
		e.sink.WriteConfirmed(peerID)
	}

	for _, peerID := range waiting {
		e.sink.WriteReady(peerID)
	}
}
