package api

// Lifecycle is implemented by components with an explicit start/stop cycle.
// Start and Stop are idempotent; Close is terminal.
type Lifecycle interface {
	Start() error
	Stop() error
	Close() error
}
