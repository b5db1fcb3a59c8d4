package delivery

import "time"

const (
	// MaxContentChars is the maximum message length in characters (runes), after trimming.
	MaxContentChars = 5000

	// DefaultCatchUpLimit caps a single catch-up batch.
	DefaultCatchUpLimit = 500

	// DefaultHeartbeatTimeout is how long a connection may stay silent before it is Idle.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultSendQueueSize bounds each connection's outbound queue.
	DefaultSendQueueSize = 256

	// DefaultAppendRetries bounds store retries at the Sequencer boundary.
	DefaultAppendRetries = 3

	// DefaultAppendBackoff is the first retry delay; it doubles per attempt.
	DefaultAppendBackoff = 50 * time.Millisecond

	maxAppendBackoff = 2 * time.Second

	maxChatNameChars   = 120
	maxGroupSize       = 256
	maxClientMsgIDLen  = 128
	minSweepInterval   = 100 * time.Millisecond
	defaultSweepFactor = 3
)
