// Package audit records vault mutations that operators need to trace after
// the fact: backend changes, key material, file revisions and maintenance
// passes that free storage.
package audit

import (
	"github.com/rs/zerolog"
)

// Result values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Logger writes audit events as structured log entries tagged with
// event_type.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger on top of logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

func (l *Logger) level(err error) *zerolog.Event {
	if err != nil {
		return l.logger.Warn().Str("result", ResultFailed).Err(err)
	}
	return l.logger.Info().Str("result", ResultOK)
}

// LogBackend logs a backend registration or removal.
// action: "register" or "remove"
// source: "config" for backends declared in the configuration file, "cli"
// for operator commands
func (l *Logger) LogBackend(action, source, name string, tier int, backendType string, err error) {
	l.level(err).
		Str("event_type", "backend").
		Str("action", action).
		Str("source", source).
		Str("backend", name).
		Int("tier", tier).
		Str("type", backendType).
		Msg("Backend event")
}

// LogMasterKey logs creation of a master key file.
func (l *Logger) LogMasterKey(path string, err error) {
	l.level(err).
		Str("event_type", "master_key").
		Str("action", "generate").
		Str("path", path).
		Msg("Master key event")
}

// LogFileRevision logs a new revision of a logical file.
func (l *Logger) LogFileRevision(containerID int64, path string, fileID, blobID int64, newBlob bool) {
	l.logger.Info().
		Str("event_type", "file_revision").
		Int64("container_id", containerID).
		Str("path", path).
		Int64("file_id", fileID).
		Int64("blob_id", blobID).
		Bool("new_blob", newBlob).
		Msg("File revision")
}

// LogMaintenance logs the outcome of a maintenance pass that rewrites or
// frees storage.
// task: the job type that ran the pass
// counts: pass statistics keyed by name; empty counts are omitted
func (l *Logger) LogMaintenance(task string, counts map[string]int64, err error) {
	event := l.level(err).
		Str("event_type", "maintenance").
		Str("task", task)

	for name, n := range counts {
		if n != 0 {
			event = event.Int64(name, n)
		}
	}
	event.Msg("Maintenance pass")
}
