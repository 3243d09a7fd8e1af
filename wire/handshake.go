package wire

import (
	"github.com/pkg/errors"

	"github.com/outofforest/resonance"
)

// HelloSize is the upper bound of marshalled Hello, connections must accept messages of this size.
const HelloSize = 1024

// ErrSelfConnection is returned when peer connects to itself.
var ErrSelfConnection = errors.New("connected to myself")

// IsQuery reports whether hello comes from a peer which only asks who is listening.
// Such peers declare zero chunk size and close the connection after the handshake.
func (h *Hello) IsQuery() bool {
	return h.MaxChunkSize == 0
}

// Exchange sends local hello and returns the one received from the remote peer.
func Exchange(c *resonance.Connection, local *Hello) (*Hello, error) {
	m := NewMarshaller()

	if err := c.SendProton(local, m); err != nil {
		return nil, err
	}

	msg, err := c.ReceiveProton(m)
	if err != nil {
		return nil, err
	}

	hello, ok := msg.(*Hello)
	if !ok {
		return nil, errors.New("hello message expected")
	}
	if hello.PeerID == local.PeerID {
		return nil, errors.WithStack(ErrSelfConnection)
	}
	return hello, nil
}
