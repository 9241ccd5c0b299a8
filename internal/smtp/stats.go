package smtp

import (
	"sync"
	"time"
)

// ServerStats tracks process-wide counters for the supervisor. All mutation
// goes through the mutex; readers only ever get value snapshots.
type ServerStats struct {
	mu              sync.Mutex
	emailsReceived  uint64
	emailsProcessed uint64
	emailsFailed    uint64
	startTime       time.Time
}

// StatsSnapshot is an immutable copy of the counters at one point in time.
type StatsSnapshot struct {
	EmailsReceived  uint64    `json:"emails_received"`
	EmailsProcessed uint64    `json:"emails_processed"`
	EmailsFailed    uint64    `json:"emails_failed"`
	StartTime       time.Time `json:"start_time"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

// NewServerStats initializes counters with the given start time.
func NewServerStats(startTime time.Time) *ServerStats {
	return &ServerStats{startTime: startTime}
}

// IncReceived records one completed DATA phase.
func (s *ServerStats) IncReceived() {
	s.mu.Lock()
	s.emailsReceived++
	s.mu.Unlock()
}

// IncProcessed records one message accepted by the primary sink.
func (s *ServerStats) IncProcessed() {
	s.mu.Lock()
	s.emailsProcessed++
	s.mu.Unlock()
}

// IncFailed records one aborted or undeliverable transaction.
func (s *ServerStats) IncFailed() {
	s.mu.Lock()
	s.emailsFailed++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *ServerStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		EmailsReceived:  s.emailsReceived,
		EmailsProcessed: s.emailsProcessed,
		EmailsFailed:    s.emailsFailed,
		StartTime:       s.startTime,
		UptimeSeconds:   time.Since(s.startTime).Seconds(),
	}
}
