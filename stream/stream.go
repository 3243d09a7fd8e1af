// Package stream carries chunks over framed TCP connections. Every chunk written by the engine is
// sent as a single frame. Peers exchange wire.Hello after connecting to learn each other's ID and
// agree on the transmission unit.
package stream

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/internal/seeds"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/resonance"
)

var (
	// ErrSelfConnection is reported when peer connects to itself.
	ErrSelfConnection = wire.ErrSelfConnection

	// ErrUnexpectedPeer is reported when dialed address is served by another peer than expected.
	ErrUnexpectedPeer = errors.New("unexpected peer")

	// ErrDuplicatedConnection is reported when peer is already connected.
	ErrDuplicatedConnection = errors.New("peer already connected")

	// ErrDialTimeout is reported when connection is not established within Config.DialTimeout.
	ErrDialTimeout = errors.New("dial timeout")

	// ErrNotConnected is reported when chunk is written to a peer without established connection.
	ErrNotConnected = errors.New("not connected")

	// ErrBusy is reported when chunk is written before the previous one is sent.
	ErrBusy = errors.New("previous chunk is still being sent")
)

var _ peerlink.Transport = &Transport{}

// Config is the configuration of the stream transport.
type Config struct {
	PeerID wire.PeerID

	// ListenAddr is the address the service listens on for incoming connections.
	ListenAddr string

	// MaxChunkSize is the largest chunk accepted from and sent to peers.
	MaxChunkSize uint64

	// DialTimeout limits the time of establishing outgoing connection, including handshake.
	DialTimeout time.Duration

	// Seeds are the addresses checked for listening peers while discovery is running.
	Seeds []string

	// ScanInterval is the pause between rounds of checking seeds.
	ScanInterval time.Duration
}

// DefaultConfig is the default configuration of the stream transport.
var DefaultConfig = Config{
	ListenAddr:   "localhost:0",
	MaxChunkSize: 16 * 1024,
	DialTimeout:  10 * time.Second,
	ScanInterval: time.Second,
}

type conn struct {
	cancel       context.CancelCauseFunc
	maxChunkSize uint64
	ready        bool
	writeCh      chan []byte
}

// Transport connects peers using TCP.
type Transport struct {
	config     Config
	sink       peerlink.Sink
	connConfig resonance.Config

	mu            sync.Mutex
	commands      []func(ctx context.Context, spawn parallel.SpawnFn)
	wakeCh        chan struct{}
	conns         map[wire.PeerID]*conn
	listener      net.Listener
	stopListening context.CancelFunc
	stopDiscovery context.CancelFunc
}

// New creates stream transport reporting to sink.
func New(config Config, sink peerlink.Sink) (*Transport, error) {
	if config.PeerID == "" {
		return nil, errors.New("peer ID is empty")
	}
	if config.MaxChunkSize == 0 {
		return nil, errors.New("max chunk size must be positive")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultConfig.ListenAddr
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultConfig.DialTimeout
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultConfig.ScanInterval
	}

	return &Transport{
		config: config,
		sink:   sink,
		connConfig: resonance.Config{
			MaxMessageSize: max(config.MaxChunkSize, wire.HelloSize),
		},
		wakeCh: make(chan struct{}, 1),
		conns:  map[wire.PeerID]*conn{},
	}, nil
}

// PeerID returns ID of the local peer.
func (t *Transport) PeerID() wire.PeerID {
	return t.config.PeerID
}

// Addr returns address the service listens on. It is nil if service is not active.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Run executes requests of the engine until context is canceled.
func (t *Transport) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("commands", parallel.Fail, func(ctx context.Context) error {
			for {
				t.mu.Lock()
				commands := t.commands
				t.commands = nil
				t.mu.Unlock()

				for _, cmd := range commands {
					cmd(ctx, spawn)
				}

				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-t.wakeCh:
				}
			}
		})
		return nil
	})
}

// StartService implements peerlink.Transport.
func (t *Transport) StartService() {
	t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
		t.mu.Lock()
		listening := t.listener != nil
		t.mu.Unlock()

		if listening {
			t.sink.ServiceStarted()
			return
		}

		ls, err := net.Listen("tcp", t.config.ListenAddr)
		if err != nil {
			t.sink.ServiceFailed(errors.WithStack(err))
			return
		}

		serviceCtx, cancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.listener = ls
		t.stopListening = cancel
		t.mu.Unlock()

		logger.Get(ctx).Info("Listening for peers", zap.String("peerID", string(t.config.PeerID)),
			zap.Stringer("address", ls.Addr()))
		t.sink.ServiceStarted()

		spawn("listener", parallel.Continue, func(ctx context.Context) error {
			defer cancel()

			err := resonance.RunServer(serviceCtx, ls, t.connConfig,
				func(connCtx context.Context, c *resonance.Connection) error {
					t.runInbound(ctx, connCtx, c)
					return nil
				})
			_ = ls.Close()

			t.mu.Lock()
			t.listener = nil
			t.stopListening = nil
			t.mu.Unlock()

			switch {
			case ctx.Err() != nil:
			case serviceCtx.Err() != nil:
				t.sink.ServiceStopped()
			default:
				if err == nil {
					err = errors.New("listener exited")
				}
				logger.Get(ctx).Error("Listener failed", zap.Error(err))
				t.sink.ServiceFailed(err)
			}
			return nil
		})
	})
}

// StopService implements peerlink.Transport.
func (t *Transport) StopService() {
	t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
		t.mu.Lock()
		stop := t.stopListening
		t.mu.Unlock()

		if stop == nil {
			t.sink.ServiceStopped()
			return
		}
		stop()
	})
}

// StartDiscovery implements peerlink.Transport.
func (t *Transport) StartDiscovery() {
	t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.stopDiscovery != nil {
			return
		}

		discoveryCtx, cancel := context.WithCancel(ctx)
		t.stopDiscovery = cancel
		spawn("discovery", parallel.Continue, func(ctx context.Context) error {
			defer cancel()

			seeds.Watch(discoveryCtx, t.config.Seeds, t.config.ScanInterval, t.query, t.sink)
			return nil
		})
	})
}

// StopDiscovery implements peerlink.Transport.
func (t *Transport) StopDiscovery() {
	t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.stopDiscovery != nil {
			t.stopDiscovery()
			t.stopDiscovery = nil
		}
	})
}

// Connect implements peerlink.Transport.
func (t *Transport) Connect(peer peerlink.Peer) {
	t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
		connCtx, cancel := context.WithCancelCause(ctx)
		cn := &conn{
			cancel:  cancel,
			writeCh: make(chan []byte, 1),
		}

		t.mu.Lock()
		if _, exists := t.conns[peer.ID]; exists {
			t.mu.Unlock()
			cancel(nil)
			return
		}
		t.conns[peer.ID] = cn
		t.mu.Unlock()

		spawn("dial", parallel.Continue, func(ctx context.Context) error {
			defer cancel(nil)

			timer := time.AfterFunc(t.config.DialTimeout, func() {
				cancel(errors.WithStack(ErrDialTimeout))
			})
			defer timer.Stop()

			err := resonance.RunClient(connCtx, peer.Address, t.connConfig,
				func(ctx context.Context, c *resonance.Connection) error {
					hello, err := t.handshake(c)
					if err != nil {
						return err
					}
					if hello.IsQuery() {
						return errors.Errorf("peer %s declared zero chunk size", hello.PeerID)
					}
					if hello.PeerID != peer.ID {
						return errors.Wrapf(ErrUnexpectedPeer, "expected %s, got %s", peer.ID, hello.PeerID)
					}
					if !timer.Stop() {
						return errors.WithStack(context.Cause(connCtx))
					}
					if !t.establish(peer.ID, cn, hello) {
						return errors.WithStack(context.Canceled)
					}

					t.sink.PeerConnected(peer.ID)
					return t.runConn(ctx, c, peer.ID, cn)
				})
			if cause := context.Cause(connCtx); errors.Is(cause, ErrDialTimeout) {
				err = cause
			}
			t.release(ctx, peer.ID, cn, err)
			return nil
		})
	})
}

// Disconnect implements peerlink.Transport.
func (t *Transport) Disconnect(peerID wire.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cn, exists := t.conns[peerID]; exists {
		delete(t.conns, peerID)
		cn.cancel(nil)
	}
}

// MaxChunkSize implements peerlink.Transport.
func (t *Transport) MaxChunkSize(peerID wire.PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cn, exists := t.conns[peerID]; exists && cn.ready {
		return int(cn.maxChunkSize)
	}
	return int(t.config.MaxChunkSize)
}

// WriteChunk implements peerlink.Transport.
func (t *Transport) WriteChunk(peerID wire.PeerID, chunk []byte) {
	t.mu.Lock()
	cn, exists := t.conns[peerID]
	ready := exists && cn.ready
	t.mu.Unlock()

	if !ready {
		t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
			t.sink.WriteFailed(peerID, errors.Wrapf(ErrNotConnected, "peer %s", peerID))
		})
		return
	}

	select {
	case cn.writeCh <- chunk:
	default:
		t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
			t.sink.WriteFailed(peerID, errors.WithStack(ErrBusy))
		})
	}
}

func (t *Transport) schedule(cmd func(ctx context.Context, spawn parallel.SpawnFn)) {
	t.mu.Lock()
	t.commands = append(t.commands, cmd)
	t.mu.Unlock()

	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// runInbound serves incoming connection. Its context is canceled when service stops, ctx is the
// context of the transport.
func (t *Transport) runInbound(ctx, serviceCtx context.Context, c *resonance.Connection) {
	log := logger.Get(ctx)

	hello, err := t.handshake(c)
	if err != nil {
		log.Error("Handshake with incoming peer failed", zap.Error(err))
		return
	}
	if hello.IsQuery() {
		log.Debug("Peer checked the service", zap.String("peerID", string(hello.PeerID)))
		return
	}

	connCtx, cancel := context.WithCancelCause(serviceCtx)
	defer cancel(nil)

	cn := &conn{
		cancel:       cancel,
		maxChunkSize: min(t.config.MaxChunkSize, hello.MaxChunkSize),
		ready:        true,
		writeCh:      make(chan []byte, 1),
	}

	t.mu.Lock()
	_, exists := t.conns[hello.PeerID]
	if !exists {
		t.conns[hello.PeerID] = cn
	}
	t.mu.Unlock()

	if exists {
		log.Error("Rejecting incoming connection", zap.String("peerID", string(hello.PeerID)),
			zap.Error(ErrDuplicatedConnection))
		return
	}

	t.sink.PeerConnecting(hello.PeerID)
	t.sink.PeerConnected(hello.PeerID)

	t.release(ctx, hello.PeerID, cn, t.runConn(connCtx, c, hello.PeerID, cn))
}

func (t *Transport) handshake(c *resonance.Connection) (*wire.Hello, error) {
	return wire.Exchange(c, &wire.Hello{
		PeerID:       t.config.PeerID,
		MaxChunkSize: t.config.MaxChunkSize,
	})
}

// query returns ID of the peer listening on addr. Zero chunk size sent in hello tells the remote
// peer that connection is closed right after the handshake.
func (t *Transport) query(ctx context.Context, addr string) (wire.PeerID, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()

	var peerID wire.PeerID
	err := resonance.RunClient(ctx, addr, t.connConfig, func(ctx context.Context, c *resonance.Connection) error {
		hello, err := wire.Exchange(c, &wire.Hello{PeerID: t.config.PeerID})
		if err != nil {
			return err
		}
		peerID = hello.PeerID
		return nil
	})
	if err != nil {
		return "", err
	}
	return peerID, nil
}

// establish marks outgoing connection as ready. It returns false if connection has been
// disconnected in the meantime.
func (t *Transport) establish(peerID wire.PeerID, cn *conn, hello *wire.Hello) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conns[peerID] != cn {
		return false
	}
	cn.maxChunkSize = min(t.config.MaxChunkSize, hello.MaxChunkSize)
	cn.ready = true
	return true
}

// release removes connection and reports disconnection if it hasn't been requested by the engine.
func (t *Transport) release(ctx context.Context, peerID wire.PeerID, cn *conn, err error) {
	t.mu.Lock()
	owned := t.conns[peerID] == cn
	if owned {
		delete(t.conns, peerID)
	}
	t.mu.Unlock()

	if !owned || ctx.Err() != nil {
		return
	}

	if closedByPeer(err) {
		err = nil
	}
	if err != nil {
		logger.Get(ctx).Error("Connection failed", zap.String("peerID", string(peerID)), zap.Error(err))
	}
	t.sink.PeerDisconnected(peerID, err)
}

func (t *Transport) runConn(ctx context.Context, c *resonance.Connection, peerID wire.PeerID, cn *conn) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				fragment, err := c.ReceiveBytes()
				if err != nil {
					return err
				}
				t.sink.FragmentArrived(peerID, fragment)
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer c.Close()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case chunk := <-cn.writeCh:
					if err := c.SendBytes(chunk); err != nil {
						t.sink.WriteFailed(peerID, err)
						return err
					}
					t.sink.WriteConfirmed(peerID)
				}
			}
		})

		return nil
	})
}

func closedByPeer(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
