package bridgetrace

import (
	"log"
	"time"
)

// LogTracer constructs a Tracer that emits human-oriented log entries
// into logger when trace events occur.
//
// The format of these log entries is not customizable and may change in
// future versions. For more control, construct a Tracer directly.
func LogTracer(logger *log.Logger) *Tracer {
	return &Tracer{
		SocketOpen: func(secure bool) {
			logger.Printf("socket open (secure=%v)", secure)
		},

		SocketClose: func(secure bool, err error) {
			if err != nil {
				logger.Printf("socket closed (secure=%v): %s", secure, err)
				return
			}
			logger.Printf("socket closed (secure=%v)", secure)
		},

		SocketSslError: func(err error) {
			logger.Printf("ssl error (not counted as a failed attempt): %s", err)
		},

		CertExchangeStep: func(step string, outcome string) {
			logger.Printf("certificate exchange step %q: %s", step, outcome)
		},

		Reconnecting: func(attempt int, delay time.Duration) {
			logger.Printf("reconnecting in %s (consecutive failures: %d)", delay, attempt)
		},

		PluginConnected: func(id string) {
			logger.Printf("plugin %q connected", id)
		},

		PluginDisconnected: func(id string) {
			logger.Printf("plugin %q disconnected", id)
		},

		MessageDropped: func(reason string, size int) {
			logger.Printf("dropped outbound message of %d bytes: %s", size, reason)
		},

		UnknownMethod: func(method string) {
			logger.Printf("received unknown method: %s", method)
		},

		PluginPanic: func(id string, reason string) {
			logger.Printf("plugin %q panicked: %s", id, reason)
		},
	}
}
