package devbridge

// newInsecureSocket is the default Insecure SocketFactory (spec.md
// §4.3): a plain WebSocket, used only during certificate enrollment,
// before any client certificate exists.
func newInsecureSocket(endpoint ConnectionEndpoint, store *ContextStore) Socket {
	return newWsSocket(endpoint, store, nil)
}
