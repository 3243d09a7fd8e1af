// Package mesh connects peers with QUIC sessions. Each session carries one bidirectional stream
// framed by resonance: peers exchange wire.Hello first, then every chunk is sent as a single frame.
package mesh

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/internal/seeds"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/resonance"
)

const (
	closeNormal  quic.ApplicationErrorCode = 0
	closeFailure quic.ApplicationErrorCode = 1
)

var (
	// ErrSelfConnection is reported when peer connects to itself.
	ErrSelfConnection = wire.ErrSelfConnection

	// ErrUnexpectedPeer is reported when dialed address is served by another peer than expected.
	ErrUnexpectedPeer = errors.New("unexpected peer")

	// ErrNotConnected is reported when chunk is written to a peer without established session.
	ErrNotConnected = errors.New("not connected")

	// ErrBusy is reported when chunk is written before the previous one is sent.
	ErrBusy = errors.New("previous chunk is still being sent")
)

var _ peerlink.Transport = &Transport{}

// Config is the configuration of the mesh transport.
type Config struct {
	PeerID wire.PeerID

	// ListenAddr is the UDP address the service listens on for incoming sessions.
	ListenAddr string

	// MaxChunkSize is the largest chunk accepted from and sent to peers.
	MaxChunkSize uint64

	// DialTimeout limits the time of establishing outgoing session, including handshake.
	DialTimeout time.Duration

	// Seeds are the addresses checked for listening peers while discovery is running.
	Seeds []string

	// ScanInterval is the pause between rounds of checking seeds.
	ScanInterval time.Duration
}

// DefaultConfig is the default configuration of the mesh transport.
var DefaultConfig = Config{
	ListenAddr:   "localhost:0",
	MaxChunkSize: 1200,
	DialTimeout:  10 * time.Second,
	ScanInterval: time.Second,
}

type session struct {
	cancel       context.CancelFunc
	maxChunkSize uint64
	ready        bool
	writeCh      chan []byte
}

// Transport connects peers using QUIC.
type Transport struct {
	config     Config
	sink       peerlink.Sink
	serverTLS  *tls.Config
	clientTLS  *tls.Config
	quicConfig *quic.Config
	connConfig resonance.Config

	mu            sync.Mutex
	commands      []func(ctx context.Context, spawn parallel.SpawnFn)
	wakeCh        chan struct{}
	sessions      map[wire.PeerID]*session
	listener      *quic.Listener
	stopListening context.CancelFunc
	stopDiscovery context.CancelFunc
}

// New creates mesh transport reporting to sink.
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

	serverTLS, clientTLS, err := sessionTLS(config.PeerID)
	if err != nil {
		return nil, err
	}

	return &Transport{
		config:    config,
		sink:      sink,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConfig: &quic.Config{
			HandshakeIdleTimeout: config.DialTimeout,
			KeepAlivePeriod:      5 * time.Second,
		},
		connConfig: resonance.Config{
			MaxMessageSize: max(config.MaxChunkSize, wire.HelloSize),
		},
		wakeCh:   make(chan struct{}, 1),
		sessions: map[wire.PeerID]*session{},
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

		ln, err := quic.ListenAddr(t.config.ListenAddr, t.serverTLS, t.quicConfig)
		if err != nil {
			t.sink.ServiceFailed(errors.WithStack(err))
			return
		}

		serviceCtx, cancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.listener = ln
		t.stopListening = cancel
		t.mu.Unlock()

		logger.Get(ctx).Info("Listening for sessions", zap.String("peerID", string(t.config.PeerID)),
			zap.Stringer("address", ln.Addr()))
		t.sink.ServiceStarted()

		spawn("listener", parallel.Continue, func(ctx context.Context) error {
			defer cancel()

			var err error
			for {
				var conn quic.Connection
				conn, err = ln.Accept(serviceCtx)
				if err != nil {
					break
				}
				spawn("inbound", parallel.Continue, func(ctx context.Context) error {
					t.runInbound(ctx, serviceCtx, conn)
					return nil
				})
			}
			_ = ln.Close()

			t.mu.Lock()
			t.listener = nil
			t.stopListening = nil
			t.mu.Unlock()

			switch {
			case ctx.Err() != nil:
			case serviceCtx.Err() != nil:
				t.sink.ServiceStopped()
			default:
				logger.Get(ctx).Error("Listener failed", zap.Error(err))
				t.sink.ServiceFailed(errors.WithStack(err))
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
		sessionCtx, cancel := context.WithCancel(ctx)
		s := &session{
			cancel:  cancel,
			writeCh: make(chan []byte, 1),
		}

		t.mu.Lock()
		if _, exists := t.sessions[peer.ID]; exists {
			t.mu.Unlock()
			cancel()
			return
		}
		t.sessions[peer.ID] = s
		t.mu.Unlock()

		spawn("dial", parallel.Continue, func(ctx context.Context) error {
			defer cancel()

			t.release(ctx, peer.ID, s, t.dial(sessionCtx, peer, s))
			return nil
		})
	})
}

// Disconnect implements peerlink.Transport.
func (t *Transport) Disconnect(peerID wire.PeerID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, exists := t.sessions[peerID]; exists {
		delete(t.sessions, peerID)
		s.cancel()
	}
}

// MaxChunkSize implements peerlink.Transport.
func (t *Transport) MaxChunkSize(peerID wire.PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, exists := t.sessions[peerID]; exists && s.ready {
		return int(s.maxChunkSize)
	}
	return int(t.config.MaxChunkSize)
}

// WriteChunk implements peerlink.Transport.
func (t *Transport) WriteChunk(peerID wire.PeerID, chunk []byte) {
	t.mu.Lock()
	s, exists := t.sessions[peerID]
	ready := exists && s.ready
	t.mu.Unlock()

	if !ready {
		t.schedule(func(ctx context.Context, spawn parallel.SpawnFn) {
			t.sink.WriteFailed(peerID, errors.Wrapf(ErrNotConnected, "peer %s", peerID))
		})
		return
	}

	select {
	case s.writeCh <- chunk:
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

// open dials the peer and opens the session stream.
func (t *Transport) open(ctx context.Context, addr string) (quic.Connection, quic.Stream, error) {
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, t.quicConfig)
	if err != nil {
		return nil, nil, errors.WithStack(err)
	}

	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeFailure, "opening stream failed")
		return nil, nil, errors.WithStack(err)
	}
	return conn, str, nil
}

func (t *Transport) dial(ctx context.Context, peer peerlink.Peer, s *session) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()

	conn, str, err := t.open(dialCtx, peer.Address)
	if err != nil {
		return err
	}

	c := resonance.NewConnection(str, t.connConfig)
	hello, err := t.handshake(str, c, t.config.MaxChunkSize)
	if err == nil && hello.IsQuery() {
		err = errors.Errorf("peer %s declared zero chunk size", hello.PeerID)
	}
	if err == nil && hello.PeerID != peer.ID {
		err = errors.Wrapf(ErrUnexpectedPeer, "expected %s, got %s", peer.ID, hello.PeerID)
	}
	if err == nil && !t.establish(peer.ID, s, hello) {
		err = errors.WithStack(context.Canceled)
	}
	if err != nil {
		_ = conn.CloseWithError(closeFailure, err.Error())
		return err
	}

	t.sink.PeerConnected(peer.ID)
	return t.runSession(ctx, conn, c, peer.ID, s)
}

// query returns ID of the peer listening on addr.
func (t *Transport) query(ctx context.Context, addr string) (wire.PeerID, error) {
	ctx, cancel := context.WithTimeout(ctx, t.config.DialTimeout)
	defer cancel()

	conn, str, err := t.open(ctx, addr)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = conn.CloseWithError(closeNormal, "")
	}()

	hello, err := t.handshake(str, resonance.NewConnection(str, t.connConfig), 0)
	if err != nil {
		return "", err
	}
	return hello.PeerID, nil
}

// runInbound serves incoming session. Its context is canceled when service stops, ctx is the
// context of the transport.
func (t *Transport) runInbound(ctx, serviceCtx context.Context, conn quic.Connection) {
	log := logger.Get(ctx)

	handshakeCtx, cancel := context.WithTimeout(serviceCtx, t.config.DialTimeout)
	defer cancel()

	str, err := conn.AcceptStream(handshakeCtx)
	if err != nil {
		log.Error("Accepting stream failed", zap.Error(err))
		_ = conn.CloseWithError(closeFailure, "accepting stream failed")
		return
	}

	c := resonance.NewConnection(str, t.connConfig)
	hello, err := t.handshake(str, c, t.config.MaxChunkSize)
	if err != nil {
		log.Error("Handshake with incoming peer failed", zap.Error(err))
		_ = conn.CloseWithError(closeFailure, err.Error())
		return
	}
	if hello.IsQuery() {
		log.Debug("Peer checked the service", zap.String("peerID", string(hello.PeerID)))

		// Remote side closes the session once it reads our hello.
		select {
		case <-conn.Context().Done():
		case <-handshakeCtx.Done():
		}
		_ = conn.CloseWithError(closeNormal, "")
		return
	}

	sessionCtx, cancelSession := context.WithCancel(serviceCtx)
	defer cancelSession()

	s := &session{
		cancel:       cancelSession,
		maxChunkSize: min(t.config.MaxChunkSize, hello.MaxChunkSize),
		ready:        true,
		writeCh:      make(chan []byte, 1),
	}

	t.mu.Lock()
	_, exists := t.sessions[hello.PeerID]
	if !exists {
		t.sessions[hello.PeerID] = s
	}
	t.mu.Unlock()

	if exists {
		log.Error("Rejecting duplicated session", zap.String("peerID", string(hello.PeerID)))
		_ = conn.CloseWithError(closeFailure, "peer already connected")
		return
	}

	t.sink.PeerConnecting(hello.PeerID)
	t.sink.PeerConnected(hello.PeerID)

	t.release(ctx, hello.PeerID, s, t.runSession(sessionCtx, conn, c, hello.PeerID, s))
}

func (t *Transport) handshake(str quic.Stream, c *resonance.Connection, maxChunkSize uint64) (*wire.Hello, error) {
	if err := str.SetDeadline(time.Now().Add(t.config.DialTimeout)); err != nil {
		return nil, errors.WithStack(err)
	}

	hello, err := wire.Exchange(c, &wire.Hello{
		PeerID:       t.config.PeerID,
		MaxChunkSize: maxChunkSize,
	})
	if err != nil {
		return nil, err
	}
	return hello, errors.WithStack(str.SetDeadline(time.Time{}))
}

// establish marks outgoing session as ready. It returns false if session has been disconnected in
// the meantime.
func (t *Transport) establish(peerID wire.PeerID, s *session, hello *wire.Hello) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions[peerID] != s {
		return false
	}
	s.maxChunkSize = min(t.config.MaxChunkSize, hello.MaxChunkSize)
	s.ready = true
	return true
}

// release removes session and reports disconnection if it hasn't been requested by the engine.
func (t *Transport) release(ctx context.Context, peerID wire.PeerID, s *session, err error) {
	t.mu.Lock()
	owned := t.sessions[peerID] == s
	if owned {
		delete(t.sessions, peerID)
	}
	t.mu.Unlock()

	if !owned || ctx.Err() != nil {
		return
	}

	if closedByPeer(err) {
		err = nil
	}
	if err != nil {
		logger.Get(ctx).Error("Session failed", zap.String("peerID", string(peerID)), zap.Error(err))
	}
	t.sink.PeerDisconnected(peerID, err)
}

func (t *Transport) runSession(
	ctx context.Context,
	conn quic.Connection,
	c *resonance.Connection,
	peerID wire.PeerID,
	s *session,
) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				fragment, err := c.ReceiveBytes()
				if err != nil {
					return errors.WithStack(err)
				}
				t.sink.FragmentArrived(peerID, fragment)
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer func() {
				_ = conn.CloseWithError(closeNormal, "")
			}()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case chunk := <-s.writeCh:
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
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == closeNormal
}
