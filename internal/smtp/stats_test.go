package smtp

import (
	"sync"
	"testing"
	"time"
)

func TestServerStatsCounters(t *testing.T) {
	stats := NewServerStats(time.Now().UTC())

	stats.IncReceived()
	stats.IncReceived()
	stats.IncProcessed()
	stats.IncFailed()

	snap := stats.Snapshot()
	if snap.EmailsReceived != 2 {
		t.Errorf("EmailsReceived = %d, want 2", snap.EmailsReceived)
	}
	if snap.EmailsProcessed != 1 {
		t.Errorf("EmailsProcessed = %d, want 1", snap.EmailsProcessed)
	}
	if snap.EmailsFailed != 1 {
		t.Errorf("EmailsFailed = %d, want 1", snap.EmailsFailed)
	}
	if snap.UptimeSeconds < 0 {
		t.Errorf("UptimeSeconds = %f, want >= 0", snap.UptimeSeconds)
	}
}

func TestServerStatsConcurrent(t *testing.T) {
	stats := NewServerStats(time.Now().UTC())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats.IncReceived()
			stats.IncProcessed()
		}()
	}
	wg.Wait()

	snap := stats.Snapshot()
	if snap.EmailsReceived != 50 || snap.EmailsProcessed != 50 {
		t.Errorf("lost updates: received=%d processed=%d, want 50/50",
			snap.EmailsReceived, snap.EmailsProcessed)
	}
}
