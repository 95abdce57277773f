package client

import (
	"time"

	"github.com/snackerengine/serp/internal/reliable"
)

// Default timing constants, spec §3/§4.B/§4.D.
const (
	// DefaultPollTimeout is the client socket's recv timeout: short enough
	// that the update loop stays responsive to ticks and sends.
	DefaultPollTimeout = time.Millisecond
	// DefaultIncomingTimeout bounds how long an IncomingPartial or SafeSeen
	// entry survives without completing.
	DefaultIncomingTimeout = 10 * time.Second
	// DefaultDialTimeout bounds how long Dial waits for ADVERTISEMENT/OK.
	DefaultDialTimeout = 5 * time.Second
	// DefaultDialRetryInterval is how often Dial re-sends ADVERTISEMENT/REQUEST
	// while waiting for a reply.
	DefaultDialRetryInterval = 500 * time.Millisecond
	// DefaultUpdateInterval is how often the background loop runs ticks and
	// timeout sweeps between socket polls.
	DefaultUpdateInterval = 20 * time.Millisecond
)

// Config controls a Client's timing and rate limits. Zero values are
// replaced by defaults in Dial.
type Config struct {
	PollTimeout       time.Duration
	IncomingTimeout   time.Duration
	DialTimeout       time.Duration
	DialRetryInterval time.Duration
	UpdateInterval    time.Duration
	// BudgetRate is the reliable-send token bucket's rate in bytes/second.
	BudgetRate float64
}

// DefaultConfig returns the constants above.
func DefaultConfig() Config {
	return Config{
		PollTimeout:       DefaultPollTimeout,
		IncomingTimeout:   DefaultIncomingTimeout,
		DialTimeout:       DefaultDialTimeout,
		DialRetryInterval: DefaultDialRetryInterval,
		UpdateInterval:    DefaultUpdateInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollTimeout == 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.IncomingTimeout == 0 {
		c.IncomingTimeout = d.IncomingTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.DialRetryInterval == 0 {
		c.DialRetryInterval = d.DialRetryInterval
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = d.UpdateInterval
	}
	if c.BudgetRate == 0 {
		c.BudgetRate = reliable.DefaultBudgetRate
	}
	return c
}
