// Package gateway defines the interface for runbox's network entry points.
package gateway

import "context"

// Gateway is a long-running request surface (HTTP API, NATS listener).
type Gateway interface {
	// Start serves requests and blocks until the gateway exits or the
	// context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight executions should reply before returning.
	Stop(ctx context.Context) error
}
