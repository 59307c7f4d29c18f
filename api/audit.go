package api

// Audit records runtime events for governance and troubleshooting.
type Audit interface {
	LogEvent(event string, details map[string]interface{}) error
}
