package realtime

import "time"

// Transport limits. Message content limits live in the delivery core.
const (
	// Max bytes per websocket frame read (hard limit). A 5000 rune message
	// plus envelope stays well below this.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max envelopes buffered for request replies (not pushes).
	defaultReplyQueue = 64
	minReplyQueue     = 8
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultHelloTimeout = 10 * time.Second
	defaultDrainGrace   = 5 * time.Second
	closeGrace          = 1 * time.Second

	// Pings must land well inside the registry heartbeat timeout.
	defaultPingInterval = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	maxPingFailures     = 3

	// Per-connection rate limits (events per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)

const (
	defaultOriginRequired = true
	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)
