package api

// Health reports liveness and readiness of a running component. A nil
// error means healthy.
type Health interface {
	Liveness() error
	Readiness() error
}
