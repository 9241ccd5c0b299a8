package sink

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mailpipe/mailpipe/internal/parser"
)

type stubSink struct {
	name    string
	outcome Outcome
	calls   int
}

func (s *stubSink) Name() string { return s.name }

func (s *stubSink) Deliver(ctx context.Context, msg *parser.EmailMessage) Outcome {
	s.calls++
	return s.outcome
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() *parser.EmailMessage {
	return &parser.EmailMessage{
		From:       "a@b.com",
		To:         []string{"c@d.com"},
		Subject:    "test",
		MessageID:  "id1@mx.test",
		Body:       "body",
		Size:       42,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestOutcomeString(t *testing.T) {
	tests := map[Outcome]string{
		Delivered:  "delivered",
		Deferred:   "deferred",
		Rejected:   "rejected",
		Outcome(9): "unknown",
	}
	for outcome, want := range tests {
		if got := outcome.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", outcome, got, want)
		}
	}
}

func TestFanoutPrimaryOutcomeWins(t *testing.T) {
	primary := &stubSink{name: "database", outcome: Deferred}
	secondary := &stubSink{name: "webhook", outcome: Delivered}

	f := NewFanout([]Sink{primary, secondary}, "database", testLogger())
	if got := f.Deliver(context.Background(), testMessage()); got != Deferred {
		t.Errorf("Deliver() = %v, want Deferred from the primary sink", got)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Errorf("every sink must be attempted: primary=%d secondary=%d",
			primary.calls, secondary.calls)
	}
}

func TestFanoutSecondaryFailureIgnored(t *testing.T) {
	primary := &stubSink{name: "database", outcome: Delivered}
	secondary := &stubSink{name: "webhook", outcome: Rejected}

	f := NewFanout([]Sink{primary, secondary}, "database", testLogger())
	if got := f.Deliver(context.Background(), testMessage()); got != Delivered {
		t.Errorf("Deliver() = %v, secondary failure must not affect the reply", got)
	}
}

func TestFanoutDefaultsToFirstSink(t *testing.T) {
	first := &stubSink{name: "file", outcome: Rejected}
	second := &stubSink{name: "webhook", outcome: Delivered}

	f := NewFanout([]Sink{first, second}, "", testLogger())
	if f.Primary() != "file" {
		t.Errorf("Primary() = %q, want the first sink", f.Primary())
	}
	if got := f.Deliver(context.Background(), testMessage()); got != Rejected {
		t.Errorf("Deliver() = %v, want Rejected", got)
	}
}

func TestFanoutEmpty(t *testing.T) {
	f := NewFanout(nil, "", testLogger())
	if !f.Empty() {
		t.Error("fanout without sinks should report Empty")
	}
	if got := f.Deliver(context.Background(), testMessage()); got != Delivered {
		t.Errorf("empty fanout must accept messages, got %v", got)
	}
}
