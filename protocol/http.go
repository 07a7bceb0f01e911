package protocol

// HTTP routes served by remote trainers.
const (
	MessagePath = "/message"
	HealthPath  = "/healthz"
)
