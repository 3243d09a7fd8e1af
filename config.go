package peerlink

import "github.com/pkg/errors"

// Config is the configuration of the engine.
type Config struct {
	// Sentinel terminates each message. DefaultSentinel is used if nil.
	Sentinel Sentinel

	// MaxWriteRetries is the number of times the same chunk is offered again after failed write
	// before the peer is disconnected.
	MaxWriteRetries int

	// QueueSize is the capacity of the queue of requests and transport callbacks.
	QueueSize int

	// EventBufferSize is the capacity of the channel delivering events.
	EventBufferSize int

	// Metrics collects engine metrics, it is optional.
	Metrics *Metrics
}

// DefaultConfig is the default engine configuration.
var DefaultConfig = Config{
	Sentinel:        DefaultSentinel,
	MaxWriteRetries: 3,
	QueueSize:       100,
	EventBufferSize: 10,
}

func (c Config) withDefaults() (Config, error) {
	if c.Sentinel == nil {
		c.Sentinel = DefaultSentinel
	}
	if err := c.Sentinel.Validate(); err != nil {
		return Config{}, err
	}
	if c.MaxWriteRetries < 0 {
		return Config{}, errors.Errorf("max write retries must not be negative, got %d", c.MaxWriteRetries)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultConfig.QueueSize
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultConfig.EventBufferSize
	}
	return c, nil
}
