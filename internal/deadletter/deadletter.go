// Package deadletter persists messages that could not be delivered through the
// normal publish path as newline-delimited JSON records, one per line.
package deadletter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Reason explains why a message ended up in the dead-letter file.
type Reason string

const (
	// ReasonQueueFull means retries failed and the local queue had no room.
	ReasonQueueFull Reason = "queue-full"
	// ReasonFlushRequeueFull means a flush resend failed and the queue had no room to take it back.
	ReasonFlushRequeueFull Reason = "flush-requeue-full"
	// ReasonShutdownUnflushed means the message was still queued after the final flush on shutdown.
	ReasonShutdownUnflushed Reason = "shutdown-unflushed"
)

// Constants for dead-letter file handling
const (
	// DefaultDirPermissions defines the permissions for auto-created parent directories
	DefaultDirPermissions = 0755
	// DefaultFilePermissions defines the permissions for the dead-letter file
	DefaultFilePermissions = 0644
	// TimestampFormat is ISO-8601 with millisecond precision, always UTC
	TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
	// maxLineBytes bounds a single record when reading the file back
	maxLineBytes = 16 * 1024 * 1024
)

// messageIDPaths are tried in order when extracting an id from a payload.
var messageIDPaths = []string{"messageId", "message_id", "id", "key.id", "message.messageId"}

// Record is one immutable dead-letter entry.
type Record struct {
	Timestamp string `json:"timestamp"`
	Reason    Reason `json:"reason"`
	Channel   string `json:"channel"`
	MessageID string `json:"messageId,omitempty"`
	Payload   string `json:"payload"`
}

// NewRecord builds the record for a payload, extracting its message id best-effort.
func NewRecord(now time.Time, channel string, payload []byte, reason Reason) Record {
	return Record{
		Timestamp: now.UTC().Format(TimestampFormat),
		Reason:    reason,
		Channel:   channel,
		MessageID: ExtractMessageID(payload),
		Payload:   string(payload),
	}
}

// ExtractMessageID reads an id-like field from a JSON payload.
// It returns "" for anything that is not JSON or has no usable id; it never fails.
func ExtractMessageID(payload []byte) string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return ""
	}
	for _, path := range messageIDPaths {
		r := gjson.GetBytes(payload, path)
		switch r.Type {
		case gjson.String:
			if r.Str != "" {
				return r.Str
			}
		case gjson.Number:
			return r.Raw
		}
	}
	return ""
}

// Sink appends records to a single file. One Sink per path per process;
// concurrent Write calls are serialized so records never interleave.
type Sink struct {
	path     string
	maxBytes int64
	now      func() time.Time
	logger   *slog.Logger

	mu sync.Mutex
}

// Option configures a Sink.
type Option func(*Sink)

// WithMaxBytes rotates the file before an append would push it past n bytes.
// Zero disables rotation.
func WithMaxBytes(n int64) Option {
	return func(s *Sink) { s.maxBytes = n }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// NewSink creates a Sink writing to path. Nothing touches the disk until the first Write.
func NewSink(path string, opts ...Option) *Sink {
	s := &Sink{
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the file the sink appends to.
func (s *Sink) Path() string {
	return s.path
}

// Write appends one record. Errors are returned to the caller, who is expected
// to log and continue.
func (s *Sink) Write(channel string, payload []byte, reason Reason) error {
	rec := NewRecord(s.now(), channel, payload, reason)
	line, err := encodeLine(rec)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create dead-letter directory %s: %w", dir, err)
	}

	if s.maxBytes > 0 {
		if err := s.rotateIfNeeded(int64(len(line))); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter file %s: %w", s.path, err)
	}
	// O_APPEND plus a single write keeps each record atomic for other appenders.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append dead-letter record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close dead-letter file: %w", err)
	}

	s.logger.Warn("Sink.Write: message dead-lettered", "path", s.path, "channel", channel, "reason", reason, "messageId", rec.MessageID, "bytes", len(payload))
	return nil
}

// rotateIfNeeded renames the current file aside when the next line would exceed maxBytes.
func (s *Sink) rotateIfNeeded(next int64) error {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat dead-letter file: %w", err)
	}
	if info.Size() == 0 || info.Size()+next <= s.maxBytes {
		return nil
	}
	rotated := fmt.Sprintf("%s.%s", s.path, s.now().UTC().Format("20060102T150405.000000000Z"))
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate dead-letter file: %w", err)
	}
	s.logger.Info("Sink.rotateIfNeeded: rotated dead-letter file", "path", s.path, "rotated", rotated, "size", info.Size())
	return nil
}

// Write appends a single record to path using a throwaway Sink.
func Write(path, channel string, payload []byte, reason Reason) error {
	return NewSink(path).Write(channel, payload, reason)
}

// ReadAll parses every record in a dead-letter file, for recovery tooling.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return records, fmt.Errorf("dead-letter line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("failed to read dead-letter file: %w", err)
	}
	return records, nil
}

func encodeLine(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
