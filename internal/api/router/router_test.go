package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/api/dto"
	"github.com/cuongbtq/campaign-mailer/internal/api/handler"
	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/queue"
	"github.com/cuongbtq/campaign-mailer/internal/scheduler"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/cuongbtq/campaign-mailer/shared/database"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "owner@example.com"

type testServer struct {
	router *gin.Engine
	store  *storage.Storage
	queue  *queue.MemoryQueue
	checks map[string]handler.HealthChecker
}

type stubChecker struct {
	err error
}

func (s stubChecker) HealthCheck(ctx context.Context) error { return s.err }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := database.NewClient(&database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "jobs.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Migrate(context.Background()))

	store := storage.NewStorage(client.GetDB(), logger)
	q := queue.NewMemoryQueue()
	checks := map[string]handler.HealthChecker{"database": client}

	r := SetupRouter(&handler.Dependencies{
		Logger:      logger,
		ServiceName: "campaign-api",
		Scheduler: scheduler.NewScheduler(&scheduler.Config{
			Logger:        logger,
			Store:         store,
			Queue:         q,
			MaxRecipients: 1000,
		}),
		Storage:        store,
		HealthChecks:   checks,
		MaxUploadBytes: 1 << 20,
		MaxPageSize:    100,
	})

	return &testServer{router: r, store: store, queue: q, checks: checks}
}

func (s *testServer) do(req *http.Request, sender string) *httptest.ResponseRecorder {
	if sender != "" {
		req.Header.Set(DefaultSenderHeader, sender)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func csvRequest(t *testing.T, fields map[string]string, csvBody string) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if csvBody != "" {
		fw, err := mw.CreateFormFile("file", "recipients.csv")
		require.NoError(t, err)
		_, err = fw.Write([]byte(csvBody))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/schedule/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeJobs(t *testing.T, w *httptest.ResponseRecorder) []dto.JobDTO {
	t.Helper()
	var jobs []dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	return jobs
}

func TestScheduleCSV(t *testing.T) {
	srv := newTestServer(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	req := csvRequest(t, map[string]string{
		"subject":      "Spring launch",
		"body":         "hello",
		"startTime":    start.Format(time.RFC3339),
		"delaySeconds": "2",
		"hourlyLimit":  "",
	}, "email,name\na@example.com,Ann\n\nb@example.com,Bob\nc@example.com,Cy\n")

	w := srv.do(req, owner)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.ScheduleCampaignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Scheduled)
	assert.NotEmpty(t, resp.CampaignID)
	assert.Equal(t, 3, srv.queue.Len())

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/scheduled", nil), owner)
	require.Equal(t, http.StatusOK, w.Code)

	jobs := decodeJobs(t, w)
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, i, job.Sequence)
		assert.Equal(t, domain.JobStatusScheduled, job.Status)
		assert.Equal(t, start.Add(time.Duration(i)*2*time.Second).Format(dto.TimeLayout), job.SendAt)
		assert.Nil(t, job.SentAt)
	}
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"},
		[]string{jobs[0].Email, jobs[1].Email, jobs[2].Email})

	// other senders see nothing
	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/scheduled", nil), "other@example.com")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestScheduleCSV_Rejections(t *testing.T) {
	valid := map[string]string{
		"subject":      "Spring launch",
		"startTime":    "2026-03-01T09:00:00Z",
		"delaySeconds": "2",
	}

	tests := []struct {
		name     string
		override map[string]string
		csv      string
		wantCode int
	}{
		{"zero delay", map[string]string{"delaySeconds": "0"}, "a@example.com\n", http.StatusBadRequest},
		{"non-numeric delay", map[string]string{"delaySeconds": "soon"}, "a@example.com\n", http.StatusBadRequest},
		{"missing subject", map[string]string{"subject": ""}, "a@example.com\n", http.StatusBadRequest},
		{"bad start time", map[string]string{"startTime": "noon"}, "a@example.com\n", http.StatusBadRequest},
		{"missing file", nil, "", http.StatusBadRequest},
		{"header only", nil, "email\n", http.StatusBadRequest},
		{"invalid address", nil, "a@example.com\nnot an address\n", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)

			fields := map[string]string{}
			for k, v := range valid {
				fields[k] = v
			}
			for k, v := range tt.override {
				fields[k] = v
			}

			w := srv.do(csvRequest(t, fields, tt.csv), owner)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, 0, srv.queue.Len())

			jobs, err := srv.store.ListJobs(context.Background(), storage.JobFilter{Sender: owner, Status: domain.JobStatusScheduled})
			require.NoError(t, err)
			assert.Empty(t, jobs)
		})
	}
}

func TestAPI_RequiresSender(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/api/scheduled", "/api/sent", "/api/failed"} {
		w := srv.do(httptest.NewRequest(http.MethodGet, path, nil), "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	w := srv.do(csvRequest(t, map[string]string{"subject": "x"}, "a@example.com\n"), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScheduleJSON(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(dto.ScheduleCampaignRequest{
		Subject:      "Spring launch",
		StartTime:    time.Now().Add(-time.Minute).UTC().Format(time.RFC3339),
		DelaySeconds: 5,
		Recipients:   []string{"a@example.com", "Bob <b@example.com>"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := srv.do(req, owner)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp dto.ScheduleCampaignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Scheduled)

	jobs, err := srv.store.ListJobs(context.Background(), storage.JobFilter{Sender: owner, Status: domain.JobStatusScheduled})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "b@example.com", jobs[1].Email)

	empty, err := json.Marshal(dto.ScheduleCampaignRequest{
		Subject:      "x",
		StartTime:    "2026-03-01T09:00:00Z",
		DelaySeconds: 1,
		Recipients:   []string{},
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", bytes.NewReader(empty))
	req.Header.Set("Content-Type", "application/json")
	w = srv.do(req, owner)
	require.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, domain.ErrInvalidRequest.Error())
	assert.Contains(t, resp.Error, "at least one recipient is required")
}

// seedJobs creates n jobs for owner starting now, spaced one second apart
func seedJobs(t *testing.T, srv *testServer, n int) []*domain.Job {
	t.Helper()

	req := scheduler.Request{
		Sender:       owner,
		Subject:      "Spring launch",
		StartTime:    time.Now().UTC().Format(time.RFC3339Nano),
		DelaySeconds: 1,
	}
	for i := 0; i < n; i++ {
		req.Recipients = append(req.Recipients, string(rune('a'+i))+"@example.com")
	}

	sched := scheduler.NewScheduler(&scheduler.Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:  srv.store,
		Queue:  srv.queue,
	})
	_, err := sched.Schedule(context.Background(), req)
	require.NoError(t, err)

	jobs, err := srv.store.ListJobs(context.Background(), storage.JobFilter{Sender: owner, Status: domain.JobStatusScheduled})
	require.NoError(t, err)
	require.Len(t, jobs, n)

	out := make([]*domain.Job, n)
	for i := range jobs {
		out[i] = &jobs[i]
	}
	return out
}

func TestListSent_NewestFirst(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	jobs := seedJobs(t, srv, 3)
	for _, job := range jobs[:2] {
		_, err := srv.store.ClaimJob(ctx, job.ID, "w", time.Minute)
		require.NoError(t, err)
		_, err = srv.store.MarkJobSent(ctx, job.ID, "w")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	_, err := srv.store.ClaimJob(ctx, jobs[2].ID, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, srv.store.MarkJobFailed(ctx, jobs[2].ID, "w", "550 mailbox unavailable"))

	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/sent", nil), owner)
	require.Equal(t, http.StatusOK, w.Code)
	sent := decodeJobs(t, w)
	require.Len(t, sent, 2)
	assert.Equal(t, jobs[1].ID, sent[0].ID)
	assert.Equal(t, jobs[0].ID, sent[1].ID)
	for _, job := range sent {
		assert.Equal(t, domain.JobStatusSent, job.Status)
		require.NotNil(t, job.SentAt)
	}

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/scheduled", nil), owner)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeJobs(t, w))

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/failed", nil), owner)
	require.Equal(t, http.StatusOK, w.Code)
	failed := decodeJobs(t, w)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, "550 mailbox unavailable", *failed[0].Error)
}

func TestListScheduled_Pagination(t *testing.T) {
	srv := newTestServer(t)
	jobs := seedJobs(t, srv, 5)

	var seen []string
	cursor := ""
	for page := 0; page < 5; page++ {
		url := "/api/scheduled?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		w := srv.do(httptest.NewRequest(http.MethodGet, url, nil), owner)
		require.Equal(t, http.StatusOK, w.Code)

		for _, job := range decodeJobs(t, w) {
			seen = append(seen, job.ID)
		}
		cursor = w.Header().Get(handler.NextCursorHeader)
		if cursor == "" {
			break
		}
	}

	require.Len(t, seen, 5)
	for i, job := range jobs {
		assert.Equal(t, job.ID, seen[i])
	}

	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/scheduled?limit=1000", nil), owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/scheduled?cursor=bm90LWEtY3Vyc29y", nil), owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob(t *testing.T) {
	srv := newTestServer(t)
	job := seedJobs(t, srv, 1)[0]

	w := srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil), owner)
	require.Equal(t, http.StatusOK, w.Code)
	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Email, got.Email)

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+job.ID, nil), "other@example.com")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = srv.do(httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-a-uuid", nil), owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	srv.checks["rabbitmq"] = stubChecker{err: errors.New("not connected to RabbitMQ")}
	w = srv.do(httptest.NewRequest(http.MethodGet, "/health", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not connected to RabbitMQ")
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)

	w := srv.do(httptest.NewRequest(http.MethodOptions, "/api/scheduled", nil), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), DefaultSenderHeader)
}
