package apiclient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the parsed three-line control response returned by the
// vendor's non-file endpoints:
//
//	["Status: OK", "MSG: <embedded json>", "<action or session id>"]
//
// All downstream code works with these named fields; raw index access
// into the decoded array stops at this boundary.
type Envelope struct {
	Status  string
	Message string
	Detail  string
}

// OK reports whether the status line signals success.
func (e Envelope) OK() bool {
	return e.Status == "Status: OK"
}

// EmbeddedJSON returns the JSON document carried in the message line,
// which follows a "<prefix>: " convention (usually "MSG: ..."). The
// split is on the first colon only; the embedded JSON may itself
// contain colons.
func (e Envelope) EmbeddedJSON() (string, error) {
	_, rest, found := strings.Cut(e.Message, ":")
	if !found {
		return "", fmt.Errorf("message line %q has no embedded payload", e.Message)
	}
	return strings.TrimSpace(rest), nil
}

// parseEnvelope maps a decoded control body onto an Envelope. The vendor
// returns an ordered array of strings; a short or non-array body is a
// protocol error.
func parseEnvelope(decoded any) (Envelope, error) {
	lines, ok := decoded.([]any)
	if !ok {
		return Envelope{}, fmt.Errorf("control response is not an array (got %T)", decoded)
	}
	if len(lines) < 2 {
		return Envelope{}, fmt.Errorf("control response has %d element(s), expected at least 2", len(lines))
	}

	env := Envelope{
		Status:  stringify(lines[0]),
		Message: stringify(lines[1]),
	}
	if len(lines) > 2 {
		env.Detail = stringify(lines[2])
	}
	return env, nil
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// CreateSessionResponse carries the token issued by the remote service.
type CreateSessionResponse struct {
	SessionID string
	Envelope  Envelope
}

// FileListResponse is the decoded result of a file-list query.
type FileListResponse struct {
	Files    []string
	Envelope Envelope
}

// LoanListResponse is the decoded result of a bulk loan-id query.
type LoanListResponse struct {
	LoanIDs  []string
	Envelope Envelope
}

// DocumentListResponse is the decoded result of a bulk document-name query.
type DocumentListResponse struct {
	Documents []string
	Envelope  Envelope
}

// FileDownloadResponse holds the opaque bytes of a successfully fetched
// file together with call metadata.
type FileDownloadResponse struct {
	Content    []byte
	HTTPStatus int
	Duration   time.Duration
}

// decodeStringList extracts the JSON string array embedded in an
// envelope's message line.
func decodeStringList(env Envelope, what string) ([]string, error) {
	raw, err := env.EmbeddedJSON()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", what, err)
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("decode %s from %q: %w", what, truncate(raw, 200), err)
	}
	return items, nil
}

// isSessionError applies the session-expiry heuristic: the uppercased
// textual form of the decoded body must mention a session identifier
// and an invalidity marker.
func isSessionError(decoded any) bool {
	if decoded == nil {
		return false
	}

	var flat string
	switch v := decoded.(type) {
	case string:
		flat = v
	case []any:
		parts := make([]string, 0, len(v))
		nested := false
		for _, item := range v {
			if _, ok := item.(string); !ok {
				nested = true
				break
			}
			parts = append(parts, item.(string))
		}
		if nested {
			flat = stringify(v)
		} else {
			flat = strings.Join(parts, " ")
		}
	default:
		flat = stringify(v)
	}

	upper := strings.ToUpper(flat)

	mentionsSession := strings.Contains(upper, "SESSION") || strings.Contains(upper, "SID")
	mentionsInvalid := strings.Contains(upper, "EXPIRED") ||
		strings.Contains(upper, "NOT FOUND") ||
		strings.Contains(upper, "INVALID")

	return mentionsSession && mentionsInvalid
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
