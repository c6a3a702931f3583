package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Patch submissions can carry sheets.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Max operations in one socket patch submission.
	maxPatchOps = 512
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
