// Package seeds discovers peers by asking known addresses who is listening on them.
package seeds

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/peerlink"
	"github.com/outofforest/peerlink/wire"
)

// QueryFunc returns ID of the peer listening on addr.
type QueryFunc func(ctx context.Context, addr string) (wire.PeerID, error)

// Watch queries addresses every interval until context is canceled. Peer found on an address is
// reported by sink.PeerDiscovered, sink.PeerLost is reported once the address stops answering or
// another peer takes it over.
func Watch(ctx context.Context, addrs []string, interval time.Duration, query QueryFunc, sink peerlink.Sink) {
	log := logger.Get(ctx)
	found := map[string]wire.PeerID{}
	for {
		for _, addr := range addrs {
			peerID, err := query(ctx, addr)
			if ctx.Err() != nil {
				return
			}

			previous, known := found[addr]
			switch {
			case err != nil:
				log.Debug("Seed is not available", zap.String("address", addr), zap.Error(err))
				if known {
					delete(found, addr)
					sink.PeerLost(previous)
				}
			case !known || previous != peerID:
				if known {
					sink.PeerLost(previous)
				}
				found[addr] = peerID
				sink.PeerDiscovered(peerlink.Peer{ID: peerID, Address: addr})
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
