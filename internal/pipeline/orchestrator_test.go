package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docfetch/internal/apiclient"
	"docfetch/internal/config"
	"docfetch/internal/document"
	"docfetch/internal/queue"
	"docfetch/internal/resource"
	"docfetch/internal/session"
)

// memQueue is an in-memory queue.Store implementing the documented
// claim ordering and transition rules.
type memQueue struct {
	nextID int64
	jobs   map[int64]*queue.Job
	now    func() time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: make(map[int64]*queue.Job), now: time.Now}
}

func (q *memQueue) Add(_ context.Context, fileID string, priority int) error {
	for _, job := range q.jobs {
		if job.FileID != fileID {
			continue
		}
		if job.Status == queue.StatusCompleted {
			return nil
		}
		job.Status = queue.StatusPending
		job.Priority = priority
		job.Attempts = 0
		job.CreatedAt = q.now()
		job.StartedAt = nil
		job.CompletedAt = nil
		job.NextRetryAt = nil
		job.ErrorMessage = nil
		return nil
	}
	q.nextID++
	q.jobs[q.nextID] = &queue.Job{
		ID:          q.nextID,
		FileID:      fileID,
		Status:      queue.StatusPending,
		Priority:    priority,
		MaxAttempts: 5,
		CreatedAt:   q.now(),
	}
	return nil
}

func (q *memQueue) AddBatch(ctx context.Context, fileIDs []string, priority int) int {
	added := 0
	for _, id := range fileIDs {
		if q.Add(ctx, id, priority) == nil {
			added++
		}
	}
	return added
}

func (q *memQueue) NextBatch(_ context.Context, limit int, statuses []queue.Status) ([]queue.Job, error) {
	if len(statuses) == 0 {
		statuses = []queue.Status{queue.StatusPending}
	}
	wanted := make(map[queue.Status]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	var eligible []queue.Job
	now := q.now()
	for _, job := range q.jobs {
		if !wanted[job.Status] {
			continue
		}
		if job.NextRetryAt != nil && job.NextRetryAt.After(now) {
			continue
		}
		eligible = append(eligible, *job)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	if len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (q *memQueue) MarkProcessing(_ context.Context, id int64) error {
	job := q.jobs[id]
	job.Status = queue.StatusProcessing
	now := q.now()
	job.StartedAt = &now
	return nil
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	job := q.jobs[id]
	job.Status = queue.StatusCompleted
	now := q.now()
	job.CompletedAt = &now
	job.ErrorMessage = nil
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, errMsg string, allowRetry bool) error {
	job := q.jobs[id]
	job.Attempts++
	job.ErrorMessage = &errMsg
	if allowRetry && job.Attempts < job.MaxAttempts {
		job.Status = queue.StatusRetry
		at := q.now().Add(time.Duration(1<<job.Attempts) * time.Minute)
		job.NextRetryAt = &at
		return nil
	}
	job.Status = queue.StatusFailed
	now := q.now()
	job.CompletedAt = &now
	return nil
}

func (q *memQueue) ResetStuck(context.Context) (int64, error) {
	var n int64
	cutoff := q.now().Add(-30 * time.Minute)
	for _, job := range q.jobs {
		if job.Status == queue.StatusProcessing && job.StartedAt != nil && job.StartedAt.Before(cutoff) {
			job.Status = queue.StatusPending
			job.StartedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *memQueue) Stats(context.Context) (map[queue.Status]int, error) {
	stats := make(map[queue.Status]int, len(queue.AllStatuses))
	for _, s := range queue.AllStatuses {
		stats[s] = 0
	}
	for _, job := range q.jobs {
		stats[job.Status]++
	}
	return stats, nil
}

func (q *memQueue) byFileID(fileID string) *queue.Job {
	for _, job := range q.jobs {
		if job.FileID == fileID {
			return job
		}
	}
	return nil
}

// memDocs is an in-memory document.Store.
type memDocs struct {
	nextID   int64
	inserted []document.NewDocument
}

func (d *memDocs) Exists(_ context.Context, filename string) (bool, error) {
	for _, doc := range d.inserted {
		if doc.Filename == filename {
			return true, nil
		}
	}
	return false, nil
}

func (d *memDocs) Insert(_ context.Context, doc document.NewDocument) (int64, error) {
	d.nextID++
	d.inserted = append(d.inserted, doc)
	return d.nextID, nil
}

type fixedProbe struct {
	status resource.Status
	checks int
}

func (p *fixedProbe) Check() resource.Status {
	p.checks++
	return p.status
}

// memSessions is an in-memory session.Store for pipeline tests.
type memSessions struct {
	sessions []session.Session
	nextID   int64
}

func (m *memSessions) Active(context.Context) (*session.Session, error) {
	for i := len(m.sessions) - 1; i >= 0; i-- {
		if m.sessions[i].IsActive {
			copied := m.sessions[i]
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memSessions) Insert(_ context.Context, token string, expiresAt time.Time) (int64, error) {
	m.nextID++
	exp := expiresAt
	m.sessions = append(m.sessions, session.Session{
		ID: m.nextID, Token: token, CreatedAt: time.Now(), ExpiresAt: &exp, IsActive: true,
	})
	return m.nextID, nil
}

func (m *memSessions) TouchLastUsed(context.Context, string) error { return nil }

func (m *memSessions) Deactivate(_ context.Context, token string) error {
	for i := range m.sessions {
		if m.sessions[i].Token == token {
			m.sessions[i].IsActive = false
		}
	}
	return nil
}

func (m *memSessions) DeactivateAll(context.Context) error {
	for i := range m.sessions {
		m.sessions[i].IsActive = false
	}
	return nil
}

func (m *memSessions) DeactivateExpired(context.Context) (int64, error) { return 0, nil }

func (m *memSessions) ActiveOlderThan(context.Context, time.Duration) ([]string, error) {
	return nil, nil
}

// fileServer serves the remote API: create_session issues tokens,
// request_file serves per-file payloads, query_files lists them.
type fileServer struct {
	files      map[string][]byte
	created    int
	expireOnce map[string]bool
	fileCalls  map[string]int
}

func newFileServer() *fileServer {
	return &fileServer{
		files:      make(map[string][]byte),
		expireOnce: make(map[string]bool),
		fileCalls:  make(map[string]int),
	}
}

func (s *fileServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		switch r.URL.Path {
		case "/api/clear_session":
			writeLines(w, "Status: OK", "MSG: {}", "Action: Done")
		case "/api/create_session":
			s.created++
			writeLines(w, "Status: OK", "MSG: {}", fmt.Sprintf("sess-%d", s.created))
		case "/api/query_files":
			names := make([]string, 0, len(s.files))
			for name := range s.files {
				names = append(names, name)
			}
			sort.Strings(names)
			payload, _ := json.Marshal(names)
			writeLines(w, "Status: OK", "MSG: "+string(payload), "Action: Done")
		case "/api/request_file":
			fid := r.PostForm.Get("fid")
			s.fileCalls[fid]++
			if s.expireOnce[fid] {
				s.expireOnce[fid] = false
				w.Write([]byte(`["Status: ERROR", "SID not found"]`))
				return
			}
			content, ok := s.files[fid]
			if !ok {
				w.Write([]byte(`{"error": "no such file"}`))
				return
			}
			w.Write(content)
		case "/api/close_session":
			writeLines(w, "Status: OK", "MSG: {}", "Action: Done")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func writeLines(w http.ResponseWriter, lines ...string) {
	_ = json.NewEncoder(w).Encode(lines)
}

type pipelineFixture struct {
	orch   *Orchestrator
	queue  *memQueue
	docs   *memDocs
	server *fileServer
	probe  *fixedProbe
	sleeps *[]time.Duration
}

func newPipelineFixture(t *testing.T, cfg config.ProcessingConfig) *pipelineFixture {
	t.Helper()

	srv := newFileServer()
	httpServer := httptest.NewServer(srv.handler())
	t.Cleanup(httpServer.Close)

	client := apiclient.New(config.APIConfig{
		BaseURL:        httpServer.URL,
		Username:       "tester",
		Password:       "hunter2",
		Timeout:        5 * time.Second,
		ConnectTimeout: time.Second,
	}, nil, zerolog.Nop(), apiclient.WithSleep(func(time.Duration) {}))

	sessions := session.NewManager(&memSessions{}, client, nil, nil, zerolog.Nop())

	q := newMemQueue()
	docs := &memDocs{}
	probe := &fixedProbe{}
	var sleeps []time.Duration

	orch := New(sessions, q, docs, probe, cfg, zerolog.Nop(), WithSleep(func(d time.Duration) {
		sleeps = append(sleeps, d)
	}))

	return &pipelineFixture{orch: orch, queue: q, docs: docs, server: srv, probe: probe, sleeps: &sleeps}
}

func defaultProcessingConfig() config.ProcessingConfig {
	return config.ProcessingConfig{
		BatchSize:        30,
		LocalMaxAttempts: 3,
		ResourceInterval: 15,
		PauseDuration:    5 * time.Second,
	}
}

func TestRunBatchDownloadsAndStores(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	fx.server.files["LN1-W2-20260829.pdf"] = []byte("%PDF-1.7 w2 doc")
	fx.server.files["LN2-APPRAISAL-20260829.pdf"] = []byte("%PDF-1.7 appraisal")

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "LN1-W2-20260829.pdf", 5))
	require.NoError(t, fx.queue.Add(ctx, "LN2-APPRAISAL-20260829.pdf", 5))

	summary, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Claimed)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, summary.Stats[queue.StatusCompleted])

	require.Len(t, fx.docs.inserted, 2)
	assert.Equal(t, "LN1", fx.docs.inserted[0].LoanNumber)
	assert.Equal(t, "W2", fx.docs.inserted[0].DocumentType)

	assert.Equal(t, queue.StatusCompleted, fx.queue.byFileID("LN1-W2-20260829.pdf").Status)
}

func TestRunBatchClaimsByPriorityThenFIFO(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	fx.server.files["low.pdf"] = []byte("%PDF-1.7 a")
	fx.server.files["high.pdf"] = []byte("%PDF-1.7 b")

	ctx := context.Background()
	base := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	fx.queue.now = func() time.Time { return base }
	require.NoError(t, fx.queue.Add(ctx, "low.pdf", 1))
	fx.queue.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, fx.queue.Add(ctx, "high.pdf", 9))
	fx.queue.now = time.Now

	jobs, err := fx.queue.NextBatch(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "high.pdf", jobs[0].FileID)
	assert.Equal(t, "low.pdf", jobs[1].FileID)
}

func TestRunBatchRecoversFromSessionExpiryOnce(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	fx.server.files["LN1-W2.pdf"] = []byte("%PDF-1.7 doc")
	fx.server.expireOnce["LN1-W2.pdf"] = true

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "LN1-W2.pdf", 5))

	summary, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	// Initial session plus one refresh after the expiry signal.
	assert.Equal(t, 2, fx.server.created)
	assert.Equal(t, 2, fx.server.fileCalls["LN1-W2.pdf"])
}

func TestRunBatchRejectsNonPDFPermanently(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	fx.server.files["LN1-W2.pdf"] = []byte("<html>error page</html>")

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "LN1-W2.pdf", 5))

	summary, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	job := fx.queue.byFileID("LN1-W2.pdf")
	assert.Equal(t, queue.StatusFailed, job.Status)
	// One validation rejection, no local retries.
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 1, fx.server.fileCalls["LN1-W2.pdf"])
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "validation failed")
	assert.Empty(t, fx.docs.inserted)
}

func TestRunBatchRetriesLocallyThenFails(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	// Unknown file: the server answers with a generic JSON error every time.

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "LN1-MISSING.pdf", 5))

	summary, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, 3, fx.server.fileCalls["LN1-MISSING.pdf"])
	// Linear backoff between local attempts: 1s then 2s.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *fx.sleeps)

	job := fx.queue.byFileID("LN1-MISSING.pdf")
	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "no such file")
}

func TestRunBatchSkipsScheduledRetries(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "LN1-LATER.pdf", 5))
	job := fx.queue.byFileID("LN1-LATER.pdf")
	job.Status = queue.StatusRetry
	future := time.Now().Add(10 * time.Minute)
	job.NextRetryAt = &future

	cfg := defaultProcessingConfig()
	cfg.IncludeRetry = true
	fx.orch.cfg = cfg

	summary, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Claimed)
	assert.Equal(t, queue.StatusRetry, job.Status)
}

func TestRunBatchFatalWithoutSession(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.orch.RunBatch(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot obtain api session")
}

func TestFileDelayAppliedBetweenJobsOnly(t *testing.T) {
	cfg := defaultProcessingConfig()
	cfg.FileDelay = 500 * time.Millisecond
	fx := newPipelineFixture(t, cfg)
	fx.server.files["a.pdf"] = []byte("%PDF-1.7 a")
	fx.server.files["b.pdf"] = []byte("%PDF-1.7 b")

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "a.pdf", 5))
	require.NoError(t, fx.queue.Add(ctx, "b.pdf", 5))

	_, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)

	// No delay after the last job.
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, *fx.sleeps)
}

func TestResourcePausePolling(t *testing.T) {
	cfg := defaultProcessingConfig()
	cfg.ResourceInterval = 2
	cfg.PauseDuration = 3 * time.Second
	fx := newPipelineFixture(t, cfg)
	fx.probe.status = resource.Status{ShouldPause: true, Reasons: []string{"high memory usage: 91.0%"}}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("LN%d-W2.pdf", i)
		fx.server.files[name] = []byte("%PDF-1.7 doc")
		require.NoError(t, fx.queue.Add(ctx, name, 5))
	}

	_, err := fx.orch.RunBatch(ctx)
	require.NoError(t, err)

	// Jobs at index 1 and 3 hit the probe; the first job never does.
	assert.Equal(t, 2, fx.probe.checks)
	assert.Contains(t, *fx.sleeps, 3*time.Second)
}

func TestDiscoverFilesEnqueuesListing(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	fx.server.files["LN1-W2.pdf"] = []byte("%PDF-1.7 a")
	fx.server.files["LN2-TAX.pdf"] = []byte("%PDF-1.7 b")

	found, added, err := fx.orch.DiscoverFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, found)
	assert.Equal(t, 2, added)

	jobs, err := fx.queue.NextBatch(context.Background(), 10, nil)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestDiscoverFilesLeavesCompletedJobsAlone(t *testing.T) {
	fx := newPipelineFixture(t, defaultProcessingConfig())
	fx.server.files["LN1-W2.pdf"] = []byte("%PDF-1.7 a")

	ctx := context.Background()
	require.NoError(t, fx.queue.Add(ctx, "LN1-W2.pdf", 5))
	job := fx.queue.byFileID("LN1-W2.pdf")
	require.NoError(t, fx.queue.MarkProcessing(ctx, job.ID))
	require.NoError(t, fx.queue.MarkCompleted(ctx, job.ID))

	_, _, err := fx.orch.DiscoverFiles(ctx)
	require.NoError(t, err)

	assert.Equal(t, queue.StatusCompleted, job.Status)
}
