package peerlink

import (
	"bytes"

	"github.com/pkg/errors"
)

// DefaultSentinel is the end-of-message marker used when none is configured.
var DefaultSentinel = Sentinel("\x00EOM\x00")

// Sentinel is the byte sequence terminating each message on the wire.
// It is not escaped, so payload must not contain it.
type Sentinel []byte

// Validate checks that sentinel may be used for framing.
func (s Sentinel) Validate() error {
	if len(s) == 0 {
		return errors.New("sentinel must not be empty")
	}
	return nil
}

// Frame returns copy of the message followed by the sentinel.
func (s Sentinel) Frame(message []byte) []byte {
	framed := make([]byte, 0, len(message)+len(s))
	framed = append(framed, message...)
	return append(framed, s...)
}

// Terminates reports whether buf ends with the sentinel.
func (s Sentinel) Terminates(buf []byte) bool {
	return bytes.HasSuffix(buf, s)
}
