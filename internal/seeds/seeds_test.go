package seeds_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/parallel"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/internal/seeds"
	"github.com/outofforest/peerlink/wire"
	"github.com/outofforest/qa"
)

type report struct {
	Lost bool
	Peer peerlink.Peer
}

type sink struct {
	peerlink.Sink

	ch chan report
}

func (s *sink) PeerDiscovered(peer peerlink.Peer) {
	s.ch <- report{Peer: peer}
}

func (s *sink) PeerLost(peerID wire.PeerID) {
	s.ch <- report{Lost: true, Peer: peerlink.Peer{ID: peerID}}
}

type network struct {
	mu        sync.Mutex
	listeners map[string]wire.PeerID
}

func (n *network) set(addr string, peerID wire.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if peerID == "" {
		delete(n.listeners, addr)
		return
	}
	n.listeners[addr] = peerID
}

func (n *network) query(ctx context.Context, addr string) (wire.PeerID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	peerID, exists := n.listeners[addr]
	if !exists {
		return "", errors.New("connection refused")
	}
	return peerID, nil
}

func next(ctx context.Context, requireT *require.Assertions, s *sink) report {
	select {
	case <-ctx.Done():
		requireT.Fail("context canceled")
	case <-time.After(5 * time.Second):
		requireT.Fail("timeout")
	case r := <-s.ch:
		return r
	}
	return report{}
}

func TestWatch(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)
	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	n := &network{listeners: map[string]wire.PeerID{"addr1": "a"}}
	s := &sink{ch: make(chan report, 10)}

	group.Spawn("watch", parallel.Continue, func(ctx context.Context) error {
		seeds.Watch(ctx, []string{"addr1", "addr2"}, 10*time.Millisecond, n.query, s)
		return nil
	})

	requireT.Equal(report{Peer: peerlink.Peer{ID: "a", Address: "addr1"}}, next(ctx, requireT, s))

	n.set("addr2", "b")
	requireT.Equal(report{Peer: peerlink.Peer{ID: "b", Address: "addr2"}}, next(ctx, requireT, s))

	n.set("addr1", "")
	requireT.Equal(report{Lost: true, Peer: peerlink.Peer{ID: "a"}}, next(ctx, requireT, s))

	n.set("addr2", "c")
	requireT.Equal(report{Lost: true, Peer: peerlink.Peer{ID: "b"}}, next(ctx, requireT, s))
	requireT.Equal(report{Peer: peerlink.Peer{ID: "c", Address: "addr2"}}, next(ctx, requireT, s))
}
