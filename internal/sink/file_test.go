package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSinkAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	s, err := NewFileSink(path, testLogger())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	defer s.Close()

	if s.Name() != "file" {
		t.Errorf("Name() = %q", s.Name())
	}

	first := testMessage()
	second := testMessage()
	second.MessageID = "id2@mx.test"

	if got := s.Deliver(context.Background(), first); got != Delivered {
		t.Fatalf("Deliver() = %v", got)
	}
	if got := s.Deliver(context.Background(), second); got != Delivered {
		t.Fatalf("Deliver() = %v", got)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		ids = append(ids, decoded.MessageID)
	}
	if len(ids) != 2 || ids[0] != "id1@mx.test" || ids[1] != "id2@mx.test" {
		t.Errorf("unexpected log contents: %v", ids)
	}
}

func TestFileSinkWriteFailureDeferred(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	s, err := NewFileSink(path, testLogger())
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	// A closed file makes every write fail, like a revoked handle would.
	s.Close()

	if got := s.Deliver(context.Background(), testMessage()); got != Deferred {
		t.Errorf("Deliver() after close = %v, want Deferred", got)
	}
}

func TestFileSinkOpenFailure(t *testing.T) {
	if _, err := NewFileSink(filepath.Join(t.TempDir(), "missing", "messages.jsonl"), testLogger()); err == nil {
		t.Error("expected error for unwritable path")
	}
}
