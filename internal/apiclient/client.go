// Package apiclient implements the transport layer for the remote
// document service. Every operation is a single form-encoded POST with
// transport-level retry for connection failures and HTTP 504, response
// classification (file content, control envelope, session expiry), and
// a terminal-attempt audit record.
package apiclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docfetch/internal/audit"
	"docfetch/internal/config"
)

// maxRetries is the number of additional transport attempts after the
// first, applied only to connection/timeout failures and HTTP 504.
const maxRetries = 3

const (
	endpointClearSession  = "/api/clear_session"
	endpointCreateSession = "/api/create_session"
	endpointQueryFiles    = "/api/query_files"
	endpointRequestLoans  = "/api/request_all_loans"
	endpointRequestDocs   = "/api/request_all_documents"
	endpointRequestFile   = "/api/request_file"
	endpointCloseSession  = "/api/close_session"
)

// Client talks to the remote document service. It holds the current
// session token; all authenticated operations require it to be set.
// Client is not safe for concurrent use; the pipeline is single-threaded
// per invocation.
type Client struct {
	baseURL   string
	username  string
	password  string
	userAgent string

	httpClient *http.Client
	recorder   audit.Recorder
	log        zerolog.Logger

	sessionID  string
	reqContext map[string]string

	sleep func(time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithSleep replaces the backoff sleep function. Used by tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithHTTPClient replaces the underlying HTTP client. Used by tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client from the API configuration. The connect timeout
// and total request timeout are configured independently.
func New(cfg config.APIConfig, recorder audit.Recorder, logger zerolog.Logger, opts ...Option) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if recorder == nil {
		recorder = audit.Nop{}
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		username:  cfg.Username,
		password:  cfg.Password,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		recorder: recorder,
		log:      logger.With().Str("component", "apiclient").Logger(),
		sleep:    time.Sleep,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the current session token, empty if none.
func (c *Client) SessionID() string { return c.sessionID }

// SetSessionID installs a session token, typically one restored from the
// session store by the coordinator.
func (c *Client) SetSessionID(id string) { c.sessionID = id }

// HasActiveSession reports whether a session token is set.
func (c *Client) HasActiveSession() bool { return c.sessionID != "" }

// SetRequestContext replaces the audit context attached to the next
// call. The context is cleared after each call regardless of outcome.
func (c *Client) SetRequestContext(ctx map[string]string) {
	c.reqContext = ctx
}

// MergeRequestContext merges additional audit context into the current
// set for the next call.
func (c *Client) MergeRequestContext(extra map[string]string) {
	if c.reqContext == nil {
		c.reqContext = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		c.reqContext[k] = v
	}
}

// ClearSession force-closes any session held by the remote side for our
// credentials. The local token is dropped regardless of the outcome.
func (c *Client) ClearSession(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	_, err := c.call(ctx, endpointClearSession, form, false)
	c.sessionID = ""
	return err
}

// CreateSession clears any existing session, then requests a new one.
// The issued token is kept on the client and returned to the caller.
func (c *Client) CreateSession(ctx context.Context) (*CreateSessionResponse, error) {
	// Session might not exist; a failed clear is not an error.
	if err := c.ClearSession(ctx); err != nil {
		c.log.Debug().Err(err).Msg("clear before create failed, continuing")
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	outcome, err := c.call(ctx, endpointCreateSession, form, false)
	if err != nil {
		return nil, err
	}

	env, err := parseEnvelope(outcome.decoded)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !env.OK() {
		return nil, fmt.Errorf("failed to create session: %s", env.Status)
	}
	if env.Detail == "" {
		return nil, fmt.Errorf("failed to create session: response carries no session id")
	}

	c.sessionID = env.Detail
	return &CreateSessionResponse{SessionID: env.Detail, Envelope: env}, nil
}

// QueryFiles returns the identifiers of all files currently available
// for download.
func (c *Client) QueryFiles(ctx context.Context) (*FileListResponse, error) {
	if !c.HasActiveSession() {
		return nil, ErrNoSession
	}

	form := url.Values{}
	form.Set("uid", c.username)
	form.Set("sid", c.sessionID)

	outcome, err := c.call(ctx, endpointQueryFiles, form, false)
	if err != nil {
		return nil, err
	}

	env, err := parseEnvelope(outcome.decoded)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}

	files, err := decodeStringList(env, "file list")
	if err != nil {
		return nil, err
	}
	return &FileListResponse{Files: files, Envelope: env}, nil
}

// RequestAllLoans returns every loan id known to the remote system.
func (c *Client) RequestAllLoans(ctx context.Context) (*LoanListResponse, error) {
	if !c.HasActiveSession() {
		return nil, ErrNoSession
	}

	form := url.Values{}
	form.Set("sid", c.sessionID)
	form.Set("uid", c.username)

	outcome, err := c.call(ctx, endpointRequestLoans, form, false)
	if err != nil {
		return nil, err
	}

	env, err := parseEnvelope(outcome.decoded)
	if err != nil {
		return nil, fmt.Errorf("request all loans: %w", err)
	}

	loans, err := decodeStringList(env, "loan id list")
	if err != nil {
		return nil, err
	}
	return &LoanListResponse{LoanIDs: loans, Envelope: env}, nil
}

// RequestAllDocuments returns every document name known to the remote
// system.
func (c *Client) RequestAllDocuments(ctx context.Context) (*DocumentListResponse, error) {
	if !c.HasActiveSession() {
		return nil, ErrNoSession
	}

	form := url.Values{}
	form.Set("sid", c.sessionID)
	form.Set("uid", c.username)

	outcome, err := c.call(ctx, endpointRequestDocs, form, false)
	if err != nil {
		return nil, err
	}

	env, err := parseEnvelope(outcome.decoded)
	if err != nil {
		return nil, fmt.Errorf("request all documents: %w", err)
	}
	if !env.OK() {
		return nil, fmt.Errorf("request all documents: api returned error status: %s", env.Status)
	}

	docs, err := decodeStringList(env, "document name list")
	if err != nil {
		return nil, err
	}
	return &DocumentListResponse{Documents: docs, Envelope: env}, nil
}

// RequestFile downloads one file. On success the raw bytes are returned
// untouched; a JSON body where file content was expected is classified
// as either a session expiry or a permanent API error.
func (c *Client) RequestFile(ctx context.Context, fileID string) (*FileDownloadResponse, error) {
	if !c.HasActiveSession() {
		return nil, ErrNoSession
	}

	form := url.Values{}
	form.Set("sid", c.sessionID)
	form.Set("uid", c.username)
	form.Set("fid", fileID)

	outcome, err := c.call(ctx, endpointRequestFile, form, true)
	if err != nil {
		return nil, err
	}

	return &FileDownloadResponse{
		Content:    outcome.raw,
		HTTPStatus: outcome.status,
		Duration:   outcome.duration,
	}, nil
}

// CloseSession closes the current session on the remote side and drops
// the local token.
func (c *Client) CloseSession(ctx context.Context) error {
	if !c.HasActiveSession() {
		return ErrNoSession
	}

	form := url.Values{}
	form.Set("sid", c.sessionID)

	if _, err := c.call(ctx, endpointCloseSession, form, false); err != nil {
		return err
	}

	c.sessionID = ""
	return nil
}

// callOutcome is the classified result of one logical API call.
type callOutcome struct {
	decoded  any
	raw      []byte
	status   int
	duration time.Duration
}

// call performs one logical API operation: a single POST, retried up to
// maxRetries extra times for connection failures and HTTP 504 with
// exponential backoff (1s, 2s, 4s) before each retry. The terminal
// attempt, successful or not, is reported to the audit sink; the request
// context is cleared afterwards either way.
func (c *Client) call(ctx context.Context, endpoint string, form url.Values, fileDownload bool) (*callOutcome, error) {
	body := form.Encode()

	var (
		outcome    *callOutcome
		lastErr    error
		httpStatus int
		duration   time.Duration
	)

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			c.log.Info().
				Str("endpoint", endpoint).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("retrying api call")
			c.sleep(delay)
		}

		start := time.Now()
		raw, status, err := c.post(ctx, endpoint, body)
		duration = time.Since(start)
		httpStatus = status

		if err != nil {
			// Connection and timeout failures are retryable.
			lastErr = &TransportError{Endpoint: endpoint, Err: err}
			if attempt < maxRetries {
				continue
			}
			break
		}

		if status != http.StatusOK {
			lastErr = &TransportError{Endpoint: endpoint, HTTPStatus: status}
			if status == http.StatusGatewayTimeout && attempt < maxRetries {
				continue
			}
			// Other HTTP error codes are terminal.
			break
		}

		outcome, lastErr = c.classify(raw, status, duration, fileDownload)
		break
	}

	c.audit(ctx, endpoint, body, httpStatus, duration, outcome, lastErr, fileDownload)
	c.reqContext = nil

	if lastErr != nil {
		return nil, lastErr
	}
	return outcome, nil
}

// classify interprets a 200-status body. Classification failures are
// not transport failures and are never retried here.
func (c *Client) classify(raw []byte, status int, duration time.Duration, fileDownload bool) (*callOutcome, error) {
	if fileDownload {
		// The service returns JSON error bodies with HTTP 200 where file
		// bytes were expected. A body that does not parse as JSON is
		// opaque file content.
		if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[') {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				if isSessionError(decoded) {
					return nil, &SessionExpiredError{Detail: truncate(string(raw), 200)}
				}
				return nil, &APIError{
					Message: fmt.Sprintf("api returned json instead of file: %s", truncate(string(raw), 200)),
					Payload: string(raw),
				}
			}
		}
		return &callOutcome{raw: raw, status: status, duration: duration}, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("json decode error: %w", err)
	}
	if isSessionError(decoded) {
		return nil, &SessionExpiredError{Detail: truncate(string(raw), 200)}
	}
	return &callOutcome{decoded: decoded, raw: raw, status: status, duration: duration}, nil
}

func (c *Client) post(ctx context.Context, endpoint, body string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func (c *Client) audit(ctx context.Context, endpoint, payload string, status int, duration time.Duration, outcome *callOutcome, callErr error, fileDownload bool) {
	entry := audit.Entry{
		Endpoint:       endpoint,
		Method:         http.MethodPost,
		SessionID:      c.sessionID,
		HTTPStatus:     status,
		Success:        callErr == nil,
		Duration:       duration,
		RequestPayload: payload,
		Context:        c.reqContext,
	}

	if callErr != nil {
		entry.ErrorMessage = callErr.Error()
	} else if fileDownload {
		summary, _ := json.Marshal(map[string]any{
			"type":  "file_download",
			"bytes": len(outcome.raw),
		})
		entry.ResponseSummary = string(summary)
	} else {
		entry.ResponseSummary = string(outcome.raw)
	}

	c.recorder.Record(ctx, entry)
}
