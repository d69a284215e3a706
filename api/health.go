package api

// Health reports whether the IPC links are usable.
type Health interface {
	// Live fails when a link faulted.
	Live() error
	// Ready fails until every link completed its handshake.
	Ready() error
}
