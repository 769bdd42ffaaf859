// Package audit writes the custody trail for imaging objects: who connected,
// what was received, where it was staged, whether it reached the upstream and
// when the staged copy was purged. Entries are JSON lines, one per event.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// FileName is the audit trail written inside log_dir.
const FileName = "audit.log"

// Results recorded with every event.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultOK      = "ok"
	ResultFailed  = "failed"
)

// Object actions.
const (
	ActionReceived  = "received"
	ActionStored    = "stored"
	ActionForwarded = "forwarded"
)

// Logger records audit events. A nil *Logger discards everything, so callers
// never need to check whether auditing is enabled.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing through logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Open appends to the audit file at path, creating it and its directory as
// needed. Close the returned io.Closer when the relay stops.
func Open(path string) (*Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewLogger(zerolog.New(f).With().Timestamp().Logger()), f, nil
}

func levelFor(result string) zerolog.Level {
	switch result {
	case ResultDenied, ResultFailed:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// LogSession records a session admission decision for a calling peer.
// reason is empty for admitted sessions.
func (l *Logger) LogSession(peer, addr, result, reason string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "session").
		Str("peer", peer).
		Str("source_addr", addr).
		Str("result", result)
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("Session event")
}

// LogObject records one step of an object's journey through the relay.
// journey ties together the events of a single received object. details
// carries the staged path or the failure cause and may be empty.
func (l *Logger) LogObject(journey, action string, md proto.Metadata, result, details string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "object").
		Str("journey", journey).
		Str("action", action).
		Str("patient_id", md.PatientID).
		Str("study_uid", md.StudyUID).
		Str("series_uid", md.SeriesUID).
		Str("instance_uid", md.InstanceUID).
		Str("result", result)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Object event")
}

// LogPurge records the retention outcome for a staged file forwarded at
// forwardedAt.
func (l *Logger) LogPurge(path string, forwardedAt time.Time, result, details string) {
	if l == nil {
		return
	}
	event := l.logger.WithLevel(levelFor(result)).
		Str("event_type", "purge").
		Str("path", path).
		Time("forwarded_at", forwardedAt).
		Str("result", result)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg("Purge event")
}
