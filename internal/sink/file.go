package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/mailpipe/mailpipe/internal/parser"
)

// FileSink appends one JSON object per message to a log file (JSON Lines).
// Write failures are transient from the client's point of view: disk-full or
// permission errors return Deferred.
type FileSink struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the JSON Lines file in append mode.
func NewFileSink(path string, logger *slog.Logger) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		path:   path,
		logger: logger,
		file:   file,
	}, nil
}

// Name implements Sink.
func (s *FileSink) Name() string {
	return "file"
}

// Deliver appends the message as one JSON line. The mutex serializes
// concurrent sessions so lines never interleave.
func (s *FileSink) Deliver(ctx context.Context, msg *parser.EmailMessage) Outcome {
	line, err := json.Marshal(msg)
	if err != nil {
		// Metadata that cannot be serialized will never succeed here.
		return Rejected
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(line); err != nil {
		s.logger.Error("file sink write failed",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return Deferred
	}
	return Delivered
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
