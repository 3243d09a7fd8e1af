package stream_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/stream"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/qa"
)

type node struct {
	engine    *peerlink.Engine
	events    <-chan any
	transport *stream.Transport
}

func (n *node) peer() peerlink.Peer {
	return peerlink.Peer{
		ID:      n.transport.PeerID(),
		Address: n.transport.Addr().String(),
	}
}

func newNode(ctx context.Context, requireT *require.Assertions, group *parallel.Group, peerID wire.PeerID,
	maxChunkSize uint64,
) *node {
	return start(ctx, requireT, group, stream.Config{
		PeerID:       peerID,
		ListenAddr:   "localhost:0",
		MaxChunkSize: maxChunkSize,
		DialTimeout:  5 * time.Second,
	})
}

func start(ctx context.Context, requireT *require.Assertions, group *parallel.Group, config stream.Config) *node {
	engine, events, err := peerlink.New(peerlink.DefaultConfig)
	requireT.NoError(err)

	transport, err := stream.New(config, engine)
	requireT.NoError(err)

	group.Spawn("transport-"+string(config.PeerID), parallel.Fail, transport.Run)
	group.Spawn("engine-"+string(config.PeerID), parallel.Fail, func(ctx context.Context) error {
		return engine.Run(ctx, transport)
	})

	return &node{
		engine:    engine,
		events:    events,
		transport: transport,
	}
}

func freeAddr(requireT *require.Assertions) string {
	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	defer ls.Close()

	return ls.Addr().String()
}

func next(ctx context.Context, requireT *require.Assertions, n *node) any {
	select {
	case <-ctx.Done():
		requireT.Fail("context canceled")
	case <-time.After(10 * time.Second):
		requireT.Fail("timeout")
	case ev := <-n.events:
		return ev
	}
	return nil
}

func expect(ctx context.Context, requireT *require.Assertions, n *node, expected any) {
	requireT.Equal(expected, next(ctx, requireT, n))
}

func expectGone(ctx context.Context, requireT *require.Assertions, n *node, peerID wire.PeerID) {
	switch ev := next(ctx, requireT, n).(type) {
	case peerlink.PeerDisconnected:
		requireT.Equal(peerID, ev.PeerID)
	case peerlink.PeerFailedToConnect:
		requireT.Equal(peerID, ev.PeerID)
	default:
		requireT.Failf("unexpected event", "%#v", ev)
	}
}

func listen(ctx context.Context, requireT *require.Assertions, n *node) {
	requireT.NoError(n.engine.StartService(ctx))
	expect(ctx, requireT, n, peerlink.ServiceStateChanged{State: peerlink.ServiceState{Kind: peerlink.Active}})
	requireT.NotNil(n.transport.Addr())
}

func connect(ctx context.Context, requireT *require.Assertions, a, b *node) {
	requireT.NoError(a.engine.Connect(ctx, b.peer()))
	expect(ctx, requireT, a, peerlink.PeerConnected{PeerID: b.transport.PeerID()})
	expect(ctx, requireT, b, peerlink.PeerConnected{PeerID: a.transport.PeerID()})
}

func TestExchangeMessages(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	a := newNode(ctx, requireT, group, "a", 7)
	b := newNode(ctx, requireT, group, "b", 1024)

	listen(ctx, requireT, b)
	connect(ctx, requireT, a, b)

	requireT.Equal(7, a.transport.MaxChunkSize("b"))
	requireT.Equal(7, b.transport.MaxChunkSize("a"))

	msgs := [][]byte{
		[]byte("Hello World"),
		bytes.Repeat([]byte{0x01, 0x02, 0x03}, 1000),
		[]byte("bye"),
	}

	group.Spawn("sender", parallel.Continue, func(ctx context.Context) error {
		for _, msg := range msgs {
			if err := b.engine.Send(ctx, "a", msg); err != nil {
				return err
			}
		}
		return nil
	})
	for _, msg := range msgs {
		requireT.NoError(a.engine.Send(ctx, "b", msg))
	}

	for _, msg := range msgs {
		expect(ctx, requireT, a, peerlink.MessageReceived{PeerID: "b", Payload: msg})
		expect(ctx, requireT, b, peerlink.MessageReceived{PeerID: "a", Payload: msg})
	}
}

func TestManyPeers(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	hub := newNode(ctx, requireT, group, "hub", 16)
	listen(ctx, requireT, hub)

	peers := []wire.PeerID{"a", "b", "c"}
	nodes := make([]*node, 0, len(peers))
	for _, peerID := range peers {
		n := newNode(ctx, requireT, group, peerID, 16)
		connect(ctx, requireT, n, hub)
		nodes = append(nodes, n)
	}

	connected, err := hub.engine.ConnectedPeers(ctx)
	requireT.NoError(err)
	requireT.Equal(peers, connected)

	for i, n := range nodes {
		requireT.NoError(hub.engine.Send(ctx, peers[i], []byte("to "+string(peers[i]))))
		expect(ctx, requireT, n, peerlink.MessageReceived{PeerID: "hub", Payload: []byte("to " + string(peers[i]))})
	}

	requireT.NoError(hub.engine.DisconnectAll(ctx))
	for range peers {
		_, ok := next(ctx, requireT, hub).(peerlink.PeerDisconnected)
		requireT.True(ok)
	}
	for i, n := range nodes {
		expectGone(ctx, requireT, n, "hub")
		requireT.ErrorIs(n.engine.Send(ctx, "hub", []byte("late")), peerlink.ErrNoConnection)
		requireT.ErrorIs(hub.engine.Send(ctx, peers[i], []byte("late")), peerlink.ErrNoConnection)
	}
}

func TestDisconnect(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	a := newNode(ctx, requireT, group, "a", 64)
	b := newNode(ctx, requireT, group, "b", 64)

	listen(ctx, requireT, b)
	connect(ctx, requireT, a, b)

	requireT.NoError(a.engine.Disconnect(ctx, "b"))
	expect(ctx, requireT, a, peerlink.PeerDisconnected{PeerID: "b"})
	expectGone(ctx, requireT, b, "a")

	connect(ctx, requireT, a, b)
	requireT.NoError(a.engine.Send(ctx, "b", []byte("reconnected")))
	expect(ctx, requireT, b, peerlink.MessageReceived{PeerID: "a", Payload: []byte("reconnected")})
}

func TestConnectToWrongPeer(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	a := newNode(ctx, requireT, group, "a", 64)
	b := newNode(ctx, requireT, group, "b", 64)
	listen(ctx, requireT, b)

	requireT.NoError(a.engine.Connect(ctx, peerlink.Peer{ID: "c", Address: b.transport.Addr().String()}))
	ev, ok := next(ctx, requireT, a).(peerlink.PeerFailedToConnect)
	requireT.True(ok)
	requireT.Equal(wire.PeerID("c"), ev.PeerID)
	requireT.ErrorIs(ev.Err, stream.ErrUnexpectedPeer)
}

func TestConnectToMyself(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	a := newNode(ctx, requireT, group, "a", 64)
	listen(ctx, requireT, a)

	requireT.NoError(a.engine.Connect(ctx, a.peer()))
	ev, ok := next(ctx, requireT, a).(peerlink.PeerFailedToConnect)
	requireT.True(ok)
	requireT.ErrorIs(ev.Err, stream.ErrSelfConnection)
}

func TestConnectionRefused(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)
	addr := ls.Addr().String()
	requireT.NoError(ls.Close())

	a := newNode(ctx, requireT, group, "a", 64)
	requireT.NoError(a.engine.Connect(ctx, peerlink.Peer{ID: "b", Address: addr}))

	ev, ok := next(ctx, requireT, a).(peerlink.PeerFailedToConnect)
	requireT.True(ok)
	requireT.Equal(wire.PeerID("b"), ev.PeerID)
	requireT.Error(ev.Err)
}

func TestServiceLifecycle(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	a := newNode(ctx, requireT, group, "a", 64)
	listen(ctx, requireT, a)

	requireT.NoError(a.engine.StopService(ctx))
	expect(ctx, requireT, a, peerlink.ServiceStateChanged{State: peerlink.ServiceState{Kind: peerlink.Inactive}})
	requireT.Nil(a.transport.Addr())

	listen(ctx, requireT, a)
}

func TestConfigValidation(t *testing.T) {
	requireT := require.New(t)

	_, err := stream.New(stream.Config{MaxChunkSize: 10}, nil)
	requireT.Error(err)

	_, err = stream.New(stream.Config{PeerID: "a"}, nil)
	requireT.Error(err)

	transport, err := stream.New(stream.Config{PeerID: "a", MaxChunkSize: 10}, nil)
	requireT.NoError(err)
	requireT.Nil(transport.Addr())
	requireT.Equal(10, transport.MaxChunkSize("b"))
}

func TestDiscovery(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	addr := freeAddr(requireT)
	b := start(ctx, requireT, group, stream.Config{
		PeerID:       "b",
		ListenAddr:   addr,
		MaxChunkSize: 100,
	})
	a := start(ctx, requireT, group, stream.Config{
		PeerID:       "a",
		MaxChunkSize: 100,
		DialTimeout:  time.Second,
		Seeds:        []string{addr},
		ScanInterval: 100 * time.Millisecond,
	})

	listen(ctx, requireT, b)
	requireT.NoError(a.engine.StartDiscovery(ctx))
	expect(ctx, requireT, a, peerlink.PeerDiscovered{Peer: peerlink.Peer{ID: "b", Address: addr}})

	available, err := a.engine.AvailablePeers(ctx)
	requireT.NoError(err)
	requireT.Equal([]peerlink.Peer{{ID: "b", Address: addr}}, available)

	// Checking the seed does not connect peers.
	connected, err := b.engine.ConnectedPeers(ctx)
	requireT.NoError(err)
	requireT.Empty(connected)
	requireT.Empty(b.events)

	requireT.NoError(b.engine.StopService(ctx))
	expect(ctx, requireT, b, peerlink.ServiceStateChanged{State: peerlink.ServiceState{Kind: peerlink.Inactive}})
	expect(ctx, requireT, a, peerlink.PeerLost{PeerID: "b"})

	requireT.NoError(a.engine.StopDiscovery(ctx))
	available, err = a.engine.AvailablePeers(ctx)
	requireT.NoError(err)
	requireT.Empty(available)
}
