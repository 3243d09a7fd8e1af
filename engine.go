package peerlink

import (
	"bytes"
	"context"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink/wire"
)

var _ Sink = &Engine{}

// Engine runs the message transfer protocol on top of a transport. All the state is owned by the
// goroutine executing Run, public methods and transport callbacks are queued to it.
type Engine struct {
	config   Config
	metrics  *Metrics
	receiver *ChunkReceiver
	sender   *ChunkSender
	activity *Activity

	queueCh chan func(ctx context.Context)
	eventCh chan any
	doneCh  chan struct{}

	transport    Transport
	peers        map[wire.PeerID]*peer
	stateChanges []ServiceState
	discovering  bool
	available    map[wire.PeerID]Peer
}

// New creates engine. Events are delivered to the returned channel which is closed when Run exits.
func New(config Config) (*Engine, <-chan any, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, nil, err
	}

	e := &Engine{
		config:    config,
		metrics:   config.Metrics,
		receiver:  NewChunkReceiver(config.Sentinel),
		sender:    NewChunkSender(config.Sentinel),
		queueCh:   make(chan func(ctx context.Context), config.QueueSize),
		eventCh:   make(chan any, config.EventBufferSize),
		doneCh:    make(chan struct{}),
		peers:     map[wire.PeerID]*peer{},
		available: map[wire.PeerID]Peer{},
	}
	e.activity = NewActivity(func(state ServiceState) {
		e.stateChanges = append(e.stateChanges, state)
	})
	return e, e.eventCh, nil
}

// Sentinel returns the sentinel used by the engine.
func (e *Engine) Sentinel() Sentinel {
	return e.config.Sentinel
}

// Run processes requests and transport callbacks until context is canceled.
func (e *Engine) Run(ctx context.Context, transport Transport) error {
	defer close(e.eventCh)
	defer func() {
		close(e.doneCh)
		for _, p := range e.peers {
			p.abort(errors.WithStack(ErrEngineStopped))
		}
	}()

	e.transport = transport

	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case fn := <-e.queueCh:
			fn(ctx)
			e.flushStateChanges(ctx)
		}
	}
}

// StartDiscovery requests transport to look for advertising peers. Found peers are reported by
// PeerDiscovered events and listed by AvailablePeers.
func (e *Engine) StartDiscovery(ctx context.Context) error {
	return e.post(ctx, func(ctx context.Context) {
		if e.discovering {
			return
		}
		logger.Get(ctx).Info("Discovering peers")
		e.discovering = true
		e.transport.StartDiscovery()
	})
}

// StopDiscovery stops looking for peers and forgets the discovered ones.
func (e *Engine) StopDiscovery(ctx context.Context) error {
	return e.post(ctx, func(ctx context.Context) {
		if !e.discovering {
			return
		}
		logger.Get(ctx).Info("Discovery stopped")
		e.discovering = false
		clear(e.available)
		e.transport.StopDiscovery()
	})
}

// AvailablePeers returns peers found by discovery, sorted by ID.
func (e *Engine) AvailablePeers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	if err := e.do(ctx, func(ctx context.Context) error {
		peers = lo.Values(e.available)
		slices.SortFunc(peers, func(a, b Peer) int {
			return strings.Compare(string(a.ID), string(b.ID))
		})
		return nil
	}); err != nil {
		return nil, err
	}
	return peers, nil
}

// Connect initiates connection to the peer. Outcome is reported by PeerConnected or
// PeerFailedToConnect event.
func (e *Engine) Connect(ctx context.Context, remote Peer) error {
	return e.post(ctx, func(ctx context.Context) {
		if _, exists := e.peers[remote.ID]; exists {
			logger.Get(ctx).Debug("Peer already known", zap.String("peerID", string(remote.ID)))
			return
		}

		logger.Get(ctx).Info("Connecting to peer", zap.String("peerID", string(remote.ID)),
			zap.String("address", remote.Address))
		e.peers[remote.ID] = &peer{state: Connecting, outbound: true}
		e.transport.Connect(remote)
	})
}

// Send sends message to the peer. It returns when the whole message is written or it is known that
// it can't be.
func (e *Engine) Send(ctx context.Context, peerID wire.PeerID, payload []byte) error {
	resultCh := make(chan error, 1)
	if err := e.post(ctx, func(ctx context.Context) {
		p, exists := e.peers[peerID]
		if !exists || p.state != Connected {
			resultCh <- errors.Wrapf(ErrNoConnection, "peer %s", peerID)
			return
		}

		logger.Get(ctx).Debug("Queueing message", zap.String("peerID", string(peerID)),
			zap.Int("bytes", len(payload)))

		p.sendQueue = append(p.sendQueue, resultCh)
		e.sender.Enqueue(peerID, payload,
			func() int {
				return e.transport.MaxChunkSize(peerID)
			},
			func(chunk []byte) {
				e.transport.WriteChunk(peerID, chunk)
			},
		)
		e.sendNext(ctx, peerID)
	}); err != nil {
		return err
	}

	return e.wait(ctx, resultCh)
}

// Disconnect closes connection to the peer.
func (e *Engine) Disconnect(ctx context.Context, peerID wire.PeerID) error {
	return e.post(ctx, func(ctx context.Context) {
		if _, exists := e.peers[peerID]; !exists {
			logger.Get(ctx).Debug("No connection to close", zap.String("peerID", string(peerID)))
			return
		}
		e.disconnect(ctx, peerID, nil)
	})
}

// DisconnectAll closes connections to all the peers.
func (e *Engine) DisconnectAll(ctx context.Context) error {
	return e.post(ctx, e.disconnectAll)
}

// ConnectedPeers returns IDs of the connected peers.
func (e *Engine) ConnectedPeers(ctx context.Context) ([]wire.PeerID, error) {
	var peers []wire.PeerID
	if err := e.do(ctx, func(ctx context.Context) error {
		peers = lo.Keys(lo.PickBy(e.peers, func(_ wire.PeerID, p *peer) bool {
			return p.state == Connected
		}))
		slices.Sort(peers)
		return nil
	}); err != nil {
		return nil, err
	}
	return peers, nil
}

// PeerState returns connection state of the peer.
func (e *Engine) PeerState(ctx context.Context, peerID wire.PeerID) (PeerState, error) {
	state := Disconnected
	if err := e.do(ctx, func(ctx context.Context) error {
		if p, exists := e.peers[peerID]; exists {
			state = p.state
		}
		return nil
	}); err != nil {
		return Disconnected, err
	}
	return state, nil
}

// State returns service activity state.
func (e *Engine) State(ctx context.Context) (ServiceState, error) {
	var state ServiceState
	if err := e.do(ctx, func(ctx context.Context) error {
		state = e.activity.State()
		return nil
	}); err != nil {
		return ServiceState{}, err
	}
	return state, nil
}

// StartService requests transport to start discovery or advertising. Service becomes active when
// transport confirms it, ServiceStateChanged event is emitted then.
func (e *Engine) StartService(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context) error {
		if err := e.activity.RequestStart(); err != nil {
			return err
		}
		e.transport.StartService()
		return nil
	})
}

// StopService requests transport to stop discovery or advertising. Nothing happens if service is
// not active.
func (e *Engine) StopService(ctx context.Context) error {
	return e.post(ctx, func(ctx context.Context) {
		if e.activity.RequestStop() {
			e.transport.StopService()
		}
	})
}

// RestartService starts service again after failure.
func (e *Engine) RestartService(ctx context.Context) error {
	return e.do(ctx, func(ctx context.Context) error {
		e.activity.Reset()
		if err := e.activity.RequestStart(); err != nil {
			return err
		}
		e.transport.StartService()
		return nil
	})
}

// ServiceStarted implements Sink.
func (e *Engine) ServiceStarted() {
	e.callback(func(ctx context.Context) {
		logger.Get(ctx).Info("Service started")
		e.activity.Started()
	})
}

// ServiceStopped implements Sink.
func (e *Engine) ServiceStopped() {
	e.callback(func(ctx context.Context) {
		logger.Get(ctx).Info("Service stopped")
		e.activity.Stopped()
	})
}

// ServiceFailed implements Sink.
func (e *Engine) ServiceFailed(err error) {
	e.callback(func(ctx context.Context) {
		logger.Get(ctx).Error("Service failed", zap.Error(err))
		e.activity.Fail(err)
		e.flushStateChanges(ctx)
		e.disconnectAll(ctx)
	})
}

// PeerDiscovered implements Sink.
func (e *Engine) PeerDiscovered(remote Peer) {
	e.callback(func(ctx context.Context) {
		if !e.discovering {
			logger.Get(ctx).Debug("Ignoring peer discovered after discovery stopped",
				zap.String("peerID", string(remote.ID)))
			return
		}
		if known, exists := e.available[remote.ID]; exists && known == remote {
			return
		}

		logger.Get(ctx).Info("Peer discovered", zap.String("peerID", string(remote.ID)),
			zap.String("address", remote.Address))
		e.available[remote.ID] = remote
		e.emit(ctx, PeerDiscovered{Peer: remote})
	})
}

// PeerLost implements Sink.
func (e *Engine) PeerLost(peerID wire.PeerID) {
	e.callback(func(ctx context.Context) {
		if _, exists := e.available[peerID]; !exists {
			return
		}

		logger.Get(ctx).Info("Peer lost", zap.String("peerID", string(peerID)))
		delete(e.available, peerID)
		e.emit(ctx, PeerLost{PeerID: peerID})
	})
}

// PeerConnecting implements Sink.
func (e *Engine) PeerConnecting(peerID wire.PeerID) {
	e.callback(func(ctx context.Context) {
		if _, exists := e.peers[peerID]; exists {
			return
		}
		logger.Get(ctx).Info("Peer connecting", zap.String("peerID", string(peerID)))
		e.peers[peerID] = &peer{state: Connecting}
	})
}

// PeerConnected implements Sink.
func (e *Engine) PeerConnected(peerID wire.PeerID) {
	e.callback(func(ctx context.Context) {
		p, exists := e.peers[peerID]
		if !exists {
			p = &peer{}
			e.peers[peerID] = p
		}
		if p.state == Connected {
			return
		}

		logger.Get(ctx).Info("Peer connected", zap.String("peerID", string(peerID)))

		p.state = Connected
		e.receiver.Forget(peerID)
		e.sender.CleanUp(peerID)
		if e.metrics != nil {
			e.metrics.ConnectedPeers.Inc()
		}
		e.emit(ctx, PeerConnected{PeerID: peerID})
	})
}

// PeerDisconnected implements Sink.
func (e *Engine) PeerDisconnected(peerID wire.PeerID, err error) {
	e.callback(func(ctx context.Context) {
		if _, exists := e.peers[peerID]; !exists {
			logger.Get(ctx).Debug("Ignoring disconnection of unknown peer", zap.String("peerID", string(peerID)))
			return
		}
		e.teardown(ctx, peerID, err)
	})
}

// FragmentArrived implements Sink.
func (e *Engine) FragmentArrived(peerID wire.PeerID, fragment []byte) {
	fragment = bytes.Clone(fragment)
	e.callback(func(ctx context.Context) {
		p, exists := e.peers[peerID]
		if !exists || p.state != Connected {
			logger.Get(ctx).Debug("Ignoring fragment from unknown peer", zap.String("peerID", string(peerID)))
			return
		}

		if e.metrics != nil {
			e.metrics.BytesReceived.Add(float64(len(fragment)))
		}

		if !e.receiver.Receive(peerID, fragment) {
			return
		}
		payload, exists := e.receiver.TakeCompleted(peerID)
		if !exists {
			return
		}

		logger.Get(ctx).Debug("Message received", zap.String("peerID", string(peerID)),
			zap.Int("bytes", len(payload)))
		if e.metrics != nil {
			e.metrics.MessagesReceived.Inc()
		}
		e.emit(ctx, MessageReceived{PeerID: peerID, Payload: payload})
	})
}

// WriteConfirmed implements Sink.
func (e *Engine) WriteConfirmed(peerID wire.PeerID) {
	e.callback(func(ctx context.Context) {
		p, exists := e.peers[peerID]
		if !exists {
			logger.Get(ctx).Debug("Ignoring write confirmation of unknown peer", zap.String("peerID", string(peerID)))
			return
		}
		if !e.sender.InFlight(peerID) {
			logger.Get(ctx).Debug("Ignoring write confirmation without chunk in flight",
				zap.String("peerID", string(peerID)))
			return
		}

		p.retries = 0
		queued := e.sender.Queued(peerID)
		more := e.sender.Confirm(peerID)
		if e.metrics != nil {
			e.metrics.ChunksWritten.Inc()
		}
		if e.sender.Queued(peerID) < queued {
			p.delivered()
			if e.metrics != nil {
				e.metrics.MessagesSent.Inc()
			}
		}
		if more {
			e.sendNext(ctx, peerID)
		}
	})
}

// WriteFailed implements Sink.
func (e *Engine) WriteFailed(peerID wire.PeerID, err error) {
	e.callback(func(ctx context.Context) {
		p, exists := e.peers[peerID]
		if !exists {
			logger.Get(ctx).Debug("Ignoring write failure of unknown peer", zap.String("peerID", string(peerID)))
			return
		}

		log := logger.Get(ctx).With(zap.String("peerID", string(peerID)))
		if e.metrics != nil {
			e.metrics.WriteFailures.Inc()
		}

		p.retries++
		if p.retries > e.config.MaxWriteRetries {
			log.Error("Writing chunk failed, disconnecting", zap.Int("attempts", p.retries), zap.Error(err))
			e.disconnect(ctx, peerID, errors.Wrapf(ErrWriteFailed, "%d attempts, last error: %s", p.retries, err))
			return
		}

		log.Warn("Writing chunk failed, retrying", zap.Int("attempt", p.retries), zap.Error(err))
		e.sender.Rewind(peerID)
		e.sendNext(ctx, peerID)
	})
}

// WriteReady implements Sink.
func (e *Engine) WriteReady(peerID wire.PeerID) {
	e.callback(func(ctx context.Context) {
		if _, exists := e.peers[peerID]; !exists {
			return
		}
		e.sender.Rewind(peerID)
		e.sendNext(ctx, peerID)
	})
}

func (e *Engine) sendNext(ctx context.Context, peerID wire.PeerID) {
	if err := e.sender.SendNext(peerID); err != nil {
		logger.Get(ctx).Error("Sending chunk failed", zap.String("peerID", string(peerID)), zap.Error(err))
		e.disconnect(ctx, peerID, err)
	}
}

func (e *Engine) disconnectAll(ctx context.Context) {
	peerIDs := lo.Keys(e.peers)
	slices.Sort(peerIDs)
	for _, peerID := range peerIDs {
		if _, exists := e.peers[peerID]; exists {
			e.disconnect(ctx, peerID, nil)
		}
	}
}

func (e *Engine) disconnect(ctx context.Context, peerID wire.PeerID, cause error) {
	e.transport.Disconnect(peerID)
	e.teardown(ctx, peerID, cause)
}

func (e *Engine) teardown(ctx context.Context, peerID wire.PeerID, cause error) {
	p := e.peers[peerID]
	delete(e.peers, peerID)
	e.receiver.Forget(peerID)
	e.sender.CleanUp(peerID)

	if p.state == Connected && e.metrics != nil {
		e.metrics.ConnectedPeers.Dec()
	}

	log := logger.Get(ctx).With(zap.String("peerID", string(peerID)), zap.Bool("outbound", p.outbound))
	if cause != nil {
		log.Warn("Peer failed", zap.Stringer("state", p.state), zap.Error(cause))
		p.abort(errors.Wrap(ErrDisconnected, cause.Error()))
		if e.metrics != nil {
			e.metrics.PeerFailures.Inc()
		}
		e.emit(ctx, PeerFailedToConnect{PeerID: peerID, Err: cause})
		return
	}

	log.Info("Peer disconnected", zap.Stringer("state", p.state))
	p.abort(errors.WithStack(ErrDisconnected))
	e.emit(ctx, PeerDisconnected{PeerID: peerID})
}

func (e *Engine) flushStateChanges(ctx context.Context) {
	for _, state := range e.stateChanges {
		e.emit(ctx, ServiceStateChanged{State: state})
	}
	e.stateChanges = e.stateChanges[:0]
}

func (e *Engine) emit(ctx context.Context, event any) {
	select {
	case <-ctx.Done():
	case e.eventCh <- event:
	}
}

func (e *Engine) post(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-e.doneCh:
		return errors.WithStack(ErrEngineStopped)
	case e.queueCh <- fn:
		return nil
	}
}

func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	resultCh := make(chan error, 1)
	if err := e.post(ctx, func(ctx context.Context) {
		resultCh <- fn(ctx)
	}); err != nil {
		return err
	}
	return e.wait(ctx, resultCh)
}

func (e *Engine) wait(ctx context.Context, resultCh <-chan error) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case err := <-resultCh:
		return err
	case <-e.doneCh:
		select {
		case err := <-resultCh:
			return err
		default:
			return errors.WithStack(ErrEngineStopped)
		}
	}
}

func (e *Engine) callback(fn func(ctx context.Context)) {
	select {
	case <-e.doneCh:
	case e.queueCh <- fn:
	}
}
