package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Picked up before any Client exists, so a process started with
	// DEBUG=true traces P2P state transitions from its very first Connect.
	InitFromEnv()
}

// Enabled reports whether verbose P2P wire-level logging is turned on.
// Client.wrapSenderEvents/wrapReceiverEvents gate their per-state-change
// log lines on this; the server can also flip it on mid-run via the
// negotiated capabilities.p2p.peerjsDebugLogging flag.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled turns verbose P2P logging on or off.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv seeds the flag from the process environment so a binary
// embedding this library can enable P2P tracing without a server round
// trip. DEBUG=true wins; LOG_LEVEL=debug is the fallback.
func InitFromEnv() {
	if os.Getenv("DEBUG") == "true" {
		SetEnabled(true)
		return
	}
	if os.Getenv("LOG_LEVEL") == "debug" {
		SetEnabled(true)
		return
	}
	SetEnabled(false)
}

// InitFromLogLevel initializes debug logging from a log level string.
// This will only set the flag if no environment variable is already set.
func InitFromLogLevel(logLevel string) {
	// Only override if environment variable is not set
	if os.Getenv("DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}

