package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookSinkDelivers(t *testing.T) {
	var received struct {
		From      string   `json:"from"`
		To        []string `json:"to"`
		MessageID string   `json:"message_id"`
	}
	var contentType string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	s := NewWebhookSink(ts.URL, time.Second, testLogger())
	if s.Name() != "webhook" {
		t.Errorf("Name() = %q", s.Name())
	}

	if got := s.Deliver(context.Background(), testMessage()); got != Delivered {
		t.Fatalf("Deliver() = %v", got)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if received.From != "a@b.com" || received.MessageID != "id1@mx.test" {
		t.Errorf("unexpected payload: %+v", received)
	}
}

func TestWebhookSinkServerErrorDeferred(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewWebhookSink(ts.URL, time.Second, testLogger())
	if got := s.Deliver(context.Background(), testMessage()); got != Deferred {
		t.Errorf("Deliver() = %v, want Deferred on 500", got)
	}
}

func TestWebhookSinkUnreachableDeferred(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listens here anymore

	s := NewWebhookSink(ts.URL, 500*time.Millisecond, testLogger())
	if got := s.Deliver(context.Background(), testMessage()); got != Deferred {
		t.Errorf("Deliver() = %v, want Deferred when unreachable", got)
	}
}

func TestWebhookSinkContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewWebhookSink(ts.URL, 5*time.Second, testLogger())
	if got := s.Deliver(ctx, testMessage()); got != Deferred {
		t.Errorf("Deliver() = %v, want Deferred on cancelled context", got)
	}
}
