package wire

import (
	"reflect"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id0 uint64 = iota + 1
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Hello{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Hello:
		return id0, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Hello:
		return size0(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return id0, marshal0(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id0:
		msg := &Hello{}
		return msg, unmarshal0(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Hello:
		return id0, makePatch0(msg2, msgSrc.(*Hello), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Hello:
		return applyPatch0(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Hello) uint64 {
	var n uint64 = 2
	{
		// PeerID

		{
			l := uint64(len(m.PeerID))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	{
		// MaxChunkSize

		helpers.UInt64Size(m.MaxChunkSize, &n)
	}
	return n
}

func marshal0(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// PeerID

		{
			l := uint64(len(m.PeerID))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.PeerID)
			o += l
		}
	}
	{
		// MaxChunkSize

		helpers.UInt64Marshal(m.MaxChunkSize, b, &o)
	}

	return o
}

func unmarshal0(m *Hello, b []byte) uint64 {
	var o uint64
	{
		// PeerID

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.PeerID = PeerID(b[o:o+l])
				o += l
			}
		}
	}
	{
		// MaxChunkSize

		helpers.UInt64Unmarshal(&m.MaxChunkSize, b, &o)
	}

	return o
}

func makePatch0(m, mSrc *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		if reflect.DeepEqual(m.PeerID, mSrc.PeerID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			{
				l := uint64(len(m.PeerID))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.PeerID)
				o += l
			}
		}
	}
	{
		// MaxChunkSize

		if reflect.DeepEqual(m.MaxChunkSize, mSrc.MaxChunkSize) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.MaxChunkSize, b, &o)
		}
	}

	return o
}

func applyPatch0(m *Hello, b []byte) uint64 {
	var o uint64 = 1
	{
		// PeerID

		if b[0]&0x01 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.PeerID = PeerID(b[o:o+l])
					o += l
				}
			}
		}
	}
	{
		// MaxChunkSize

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.MaxChunkSize, b, &o)
		}
	}

	return o
}
