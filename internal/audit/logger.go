// Package audit persists API call metadata for auditing and reporting.
// The sink is fire-and-forget: write failures are logged and swallowed,
// never surfaced to the caller.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const maxFieldLength = 5000

// Entry describes one terminal API call attempt.
type Entry struct {
	Endpoint        string
	Method          string
	SessionID       string
	HTTPStatus      int
	Success         bool
	Duration        time.Duration
	ErrorMessage    string
	RequestPayload  string
	ResponseSummary string
	Context         map[string]string
}

// Recorder receives one entry per terminal API call attempt.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}

// Logger writes entries to the api_call_logs table.
type Logger struct {
	db       *sql.DB
	defaults map[string]string
	log      zerolog.Logger
}

// NewLogger builds a Logger. The defaults map is merged under each
// entry's own context; "job" identifies the invoking command.
func NewLogger(db *sql.DB, defaults map[string]string, logger zerolog.Logger) *Logger {
	return &Logger{
		db:       db,
		defaults: defaults,
		log:      logger.With().Str("component", "audit").Logger(),
	}
}

func (l *Logger) Record(ctx context.Context, e Entry) {
	merged := l.mergeContext(e.Context)

	var jobName, sessionID sql.NullString
	if v, ok := merged["job"]; ok {
		jobName = sql.NullString{String: v, Valid: true}
	}
	if e.SessionID != "" {
		sessionID = sql.NullString{String: e.SessionID, Valid: true}
	}

	contextJSON := ""
	if len(merged) > 0 {
		if b, err := json.Marshal(merged); err == nil {
			contextJSON = string(b)
		}
	}

	method := e.Method
	if method == "" {
		method = "POST"
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO api_call_logs (
			job_name, endpoint, http_method, session_id, http_status,
			success, execution_time_seconds, error_message,
			request_payload, response_summary, context_json
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		jobName,
		e.Endpoint,
		method,
		sessionID,
		sql.NullInt64{Int64: int64(e.HTTPStatus), Valid: e.HTTPStatus != 0},
		e.Success,
		e.Duration.Seconds(),
		nullable(clamp(e.ErrorMessage)),
		nullable(clamp(SanitizePayload(e.RequestPayload))),
		nullable(clamp(e.ResponseSummary)),
		nullable(clamp(contextJSON)),
	)
	if err != nil {
		l.log.Warn().Err(err).Str("endpoint", e.Endpoint).Msg("failed to persist api call log")
	}
}

func (l *Logger) mergeContext(additional map[string]string) map[string]string {
	if len(l.defaults) == 0 {
		return additional
	}
	merged := make(map[string]string, len(l.defaults)+len(additional))
	for k, v := range l.defaults {
		merged[k] = v
	}
	for k, v := range additional {
		merged[k] = v
	}
	return merged
}

var sensitiveKeys = map[string]struct{}{
	"password": {},
	"pwd":      {},
	"token":    {},
	"api_key":  {},
	"secret":   {},
}

// SanitizePayload redacts credential-like fields from a form-encoded
// request body and re-encodes the result as JSON. A payload that does
// not parse as a form is returned unchanged.
func SanitizePayload(payload string) string {
	if payload == "" {
		return ""
	}

	parsed, err := url.ParseQuery(payload)
	if err != nil || len(parsed) == 0 {
		return payload
	}

	flat := make(map[string]string, len(parsed))
	for key, values := range parsed {
		value := strings.Join(values, ",")
		if _, sensitive := sensitiveKeys[strings.ToLower(key)]; sensitive {
			value = "***REDACTED***"
		}
		flat[key] = value
	}

	encoded, err := json.Marshal(flat)
	if err != nil {
		return "[unserializable]"
	}
	return string(encoded)
}

func clamp(s string) string {
	if len(s) <= maxFieldLength {
		return s
	}
	return s[:maxFieldLength]
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
