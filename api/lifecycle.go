package api

import "context"

// Lifecycle brings all links up and down.
type Lifecycle interface {
	// Start maps the region, plans the instances and connects every link.
	// Layout, init and handshake failures are returned as is.
	Start(ctx context.Context) error
	Stop() error
}
