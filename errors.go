package devbridge

import "errors"

// Sentinel errors returned by the public API. Wrap with fmt.Errorf and
// "%w" at call sites that need to add context; callers can still match
// with errors.Is.
var (
	// ErrDuplicatePlugin is returned by Client.AddPlugin when a plugin
	// with the same identifier is already registered.
	ErrDuplicatePlugin = errors.New("devbridge: plugin already registered")

	// ErrPluginNotFound is returned when an operation references a
	// plugin identifier that is not registered.
	ErrPluginNotFound = errors.New("devbridge: plugin not found")

	// ErrOversizeMessage is returned (and logged, never sent) when a
	// caller attempts to send a message larger than maxMessageBytes.
	ErrOversizeMessage = errors.New("devbridge: message exceeds maximum payload size")

	// ErrNoRequiredFiles is returned by ContextStore operations that
	// require a fully-enrolled store (CA cert, client cert, key, config)
	// when one or more of those artefacts is missing.
	ErrNoRequiredFiles = errors.New("devbridge: context store is missing required files")

	// ErrNotStarted names the condition of a Client or ConnectionManager
	// that has not been started. No function in this package returns it:
	// Send on a manager that is not connected drops the message silently.
	ErrNotStarted = errors.New("devbridge: not started")

	// ErrSocketClosed names the condition of a Socket used after
	// Disconnect. The Socket implementations in this package do not
	// return it: a Send after Disconnect reports the transport's own
	// write error through its completion.
	ErrSocketClosed = errors.New("devbridge: socket is closed")
)
