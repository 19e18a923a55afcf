package domain

// Job status constants
const (
	JobStatusScheduled = "scheduled"
	JobStatusSent      = "sent"
	JobStatusFailed    = "failed"
)

// IsTerminalStatus reports whether no further transition can happen from status
func IsTerminalStatus(status string) bool {
	return status == JobStatusSent || status == JobStatusFailed
}
