//go:build !unix

package poll

// New reports that readiness polling is unavailable on this platform.
func New() (Poller, error) {
	return nil, errUnsupported
}
