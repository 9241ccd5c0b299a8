package admin

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mailpipe/mailpipe/internal/smtp"
)

type stubStats struct {
	snapshot smtp.StatsSnapshot
	active   int64
}

func (s *stubStats) Stats() smtp.StatsSnapshot { return s.snapshot }
func (s *stubStats) ActiveConnections() int64  { return s.active }

type stubCounter struct {
	count int64
	err   error
}

func (s *stubCounter) Count(ctx context.Context) (int64, error) { return s.count, s.err }

func testHandler(stats StatsSource, store MessageCounter) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", stats, store, logger).httpServer.Handler
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(testHandler(&stubStats{}, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStats(t *testing.T) {
	stats := &stubStats{
		snapshot: smtp.StatsSnapshot{
			EmailsReceived:  10,
			EmailsProcessed: 8,
			EmailsFailed:    2,
			StartTime:       time.Now().UTC(),
			UptimeSeconds:   12.5,
		},
		active: 3,
	}
	ts := httptest.NewServer(testHandler(stats, &stubCounter{count: 7}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		EmailsReceived    uint64 `json:"emails_received"`
		EmailsProcessed   uint64 `json:"emails_processed"`
		ActiveConnections int64  `json:"active_connections"`
		StoredMessages    *int64 `json:"stored_messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if body.EmailsReceived != 10 || body.EmailsProcessed != 8 {
		t.Errorf("counters = %+v", body)
	}
	if body.ActiveConnections != 3 {
		t.Errorf("active_connections = %d", body.ActiveConnections)
	}
	if body.StoredMessages == nil || *body.StoredMessages != 7 {
		t.Errorf("stored_messages = %v", body.StoredMessages)
	}
}

func TestStatsWithoutStore(t *testing.T) {
	ts := httptest.NewServer(testHandler(&stubStats{}, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, present := body["stored_messages"]; present {
		t.Error("stored_messages should be omitted without a database sink")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := httptest.NewServer(testHandler(&stubStats{}, nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
