package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuongbtq/campaign-mailer/internal/domain"
	"github.com/cuongbtq/campaign-mailer/internal/mailer"
	"github.com/cuongbtq/campaign-mailer/internal/queue"
	"github.com/cuongbtq/campaign-mailer/internal/storage"
	"github.com/cuongbtq/campaign-mailer/shared/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Send(ctx context.Context, msg mailer.Message) error {
	return m.Called(ctx, msg).Error(0)
}

type testEnv struct {
	worker *Worker
	store  *storage.Storage
	queue  *queue.MemoryQueue
}

func newTestEnv(t *testing.T, transport mailer.Transport, concurrency int) *testEnv {
	t.Helper()

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

	w := NewWorker(&Config{
		Logger:         logger,
		Store:          store,
		Queue:          q,
		Transport:      transport,
		WorkerID:       "worker-test",
		Concurrency:    concurrency,
		JobTimeout:     time.Second,
		ClaimTTL:       time.Minute,
		EarlyTolerance: time.Second,
		From:           mailer.FromHeader("Campaigns", "noreply@example.com"),
		FallbackBody:   "fallback text",
		SweepGrace:     time.Minute,
	})

	return &testEnv{worker: w, store: store, queue: q}
}

// run starts the worker and stops it when the test ends
func (e *testEnv) run(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		e.worker.Stop()
		assert.NoError(t, <-done)
	})
}

func (e *testEnv) createJob(t *testing.T, body string, sendAt time.Time) *domain.Job {
	t.Helper()

	job := &domain.Job{
		ID:         uuid.NewString(),
		CampaignID: uuid.NewString(),
		Email:      "a@example.com",
		Subject:    "Spring launch",
		Body:       body,
		Sender:     "owner@example.com",
		SendAt:     sendAt,
	}
	require.NoError(t, e.store.CreateJob(context.Background(), job))
	return job
}

func (e *testEnv) enqueue(t *testing.T, job *domain.Job) {
	t.Helper()
	_, err := e.queue.Enqueue(context.Background(), domain.QueueItem{JobID: job.ID, Sender: job.Sender}, 0)
	require.NoError(t, err)
}

func (e *testEnv) waitForStatus(t *testing.T, jobID, status string) *domain.Job {
	t.Helper()

	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.GetJobByID(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func (e *testEnv) waitForDrain(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.queue.Len() == 0 && e.queue.InFlight() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorker_DeliversDueJob(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Send", mock.Anything, mailer.Message{
		From:    `"Campaigns" <noreply@example.com>`,
		To:      "a@example.com",
		Subject: "Spring launch",
		Text:    "fallback text",
	}).Return(nil).Once()

	env := newTestEnv(t, transport, 2)
	job := env.createJob(t, "", time.Now())
	env.enqueue(t, job)
	env.run(t)

	got := env.waitForStatus(t, job.ID, domain.JobStatusSent)
	require.True(t, got.SentAt.Valid)
	assert.False(t, got.LastError.Valid)
	env.waitForDrain(t)
	transport.AssertExpectations(t)
}

func TestWorker_TransportFailureMarksFailed(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Return(errors.New("550 mailbox unavailable"))

	env := newTestEnv(t, transport, 2)
	job := env.createJob(t, "hello", time.Now())
	env.enqueue(t, job)
	env.run(t)

	got := env.waitForStatus(t, job.ID, domain.JobStatusFailed)
	assert.False(t, got.SentAt.Valid)
	assert.Contains(t, got.LastError.String, "550 mailbox unavailable")

	// acknowledged, not redelivered
	env.waitForDrain(t)
	time.Sleep(50 * time.Millisecond)
	transport.AssertNumberOfCalls(t, "Send", 1)
}

func TestWorker_DuplicateDeliveriesSendOnce(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { time.Sleep(30 * time.Millisecond) }).
		Return(nil)

	env := newTestEnv(t, transport, 4)
	job := env.createJob(t, "hello", time.Now())
	for i := 0; i < 5; i++ {
		env.enqueue(t, job)
	}
	env.run(t)

	env.waitForStatus(t, job.ID, domain.JobStatusSent)
	env.waitForDrain(t)
	transport.AssertNumberOfCalls(t, "Send", 1)
}

func TestWorker_SkipsMissingAndMalformedItems(t *testing.T) {
	transport := &mockTransport{}
	env := newTestEnv(t, transport, 1)

	_, err := env.queue.Enqueue(context.Background(), domain.QueueItem{JobID: uuid.NewString(), Sender: "owner@example.com"}, 0)
	require.NoError(t, err)
	_, err = env.queue.Enqueue(context.Background(), domain.QueueItem{JobID: "not-a-uuid", Sender: "owner@example.com"}, 0)
	require.NoError(t, err)
	env.run(t)

	env.waitForDrain(t)
	transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestWorker_SkipsTerminalJob(t *testing.T) {
	transport := &mockTransport{}
	env := newTestEnv(t, transport, 1)
	ctx := context.Background()

	job := env.createJob(t, "hello", time.Now())
	_, err := env.store.ClaimJob(ctx, job.ID, "someone-else", time.Minute)
	require.NoError(t, err)
	_, err = env.store.MarkJobSent(ctx, job.ID, "someone-else")
	require.NoError(t, err)

	require.NoError(t, env.worker.processJob(ctx, &JobMessage{JobID: job.ID, Sender: job.Sender}))
	transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestWorker_RejectsForeignSender(t *testing.T) {
	env := newTestEnv(t, &mockTransport{}, 1)

	job := env.createJob(t, "hello", time.Now())
	err := env.worker.processJob(context.Background(), &JobMessage{JobID: job.ID, Sender: "intruder@example.com"})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	assert.False(t, shouldRequeueJob(err))
}

func TestWorker_DefersEarlyArrival(t *testing.T) {
	transport := &mockTransport{}
	env := newTestEnv(t, transport, 1)

	now := time.Now()
	env.worker.now = func() time.Time { return now }
	job := env.createJob(t, "hello", now.Add(time.Hour))

	require.NoError(t, env.worker.processJob(context.Background(), &JobMessage{JobID: job.ID, Sender: job.Sender}))

	assert.Equal(t, 1, env.queue.Len())
	got, err := env.store.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, got.Status)
	assert.False(t, got.ClaimedBy.Valid)
	transport.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestWorker_TransportTimeout(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)

	env := newTestEnv(t, transport, 1)
	env.worker.jobTimeout = 50 * time.Millisecond
	job := env.createJob(t, "hello", time.Now())

	require.NoError(t, env.worker.processJob(context.Background(), &JobMessage{JobID: job.ID, Sender: job.Sender}))

	got, err := env.store.GetJobByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
}

func TestWorker_Sweep(t *testing.T) {
	env := newTestEnv(t, &mockTransport{}, 1)
	ctx := context.Background()

	now := time.Now()
	env.worker.now = func() time.Time { return now }
	stale := env.createJob(t, "hello", now.Add(-time.Hour))
	env.createJob(t, "hello", now.Add(time.Hour))

	requeued, err := env.worker.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	deliveries, err := env.queue.Consume(ctx, "sweep-check")
	require.NoError(t, err)
	select {
	case d := <-deliveries:
		item, err := queue.DecodeItem(d.Body)
		require.NoError(t, err)
		assert.Equal(t, stale.ID, item.JobID)
		assert.Equal(t, stale.Sender, item.Sender)
	case <-time.After(time.Second):
		t.Fatal("requeued job was not delivered")
	}
}

func TestWorker_SweepSkipsRecentlyRequeued(t *testing.T) {
	env := newTestEnv(t, &mockTransport{}, 1)
	ctx := context.Background()

	now := time.Now()
	env.worker.now = func() time.Time { return now }
	env.createJob(t, "hello", now.Add(-time.Hour))

	requeued, err := env.worker.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	// still waiting in the queue backlog
	requeued, err = env.worker.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, env.queue.Len())

	env.worker.now = func() time.Time { return now.Add(2 * env.worker.sweepGrace) }
	requeued, err = env.worker.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
}

// flakySentStore fails the first MarkJobSent calls with a transient error
type flakySentStore struct {
	*storage.Storage
	failures int
	calls    int
}

func (s *flakySentStore) MarkJobSent(ctx context.Context, jobID, workerID string) (time.Time, error) {
	s.calls++
	if s.calls <= s.failures {
		return time.Time{}, errors.New("database is locked")
	}
	return s.Storage.MarkJobSent(ctx, jobID, workerID)
}

func TestWorker_RetriesSentStatusUnderClaim(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil)

	env := newTestEnv(t, transport, 1)
	store := &flakySentStore{Storage: env.store, failures: 1}
	env.worker.storage = store
	env.worker.markBackoff = time.Millisecond
	ctx := context.Background()

	now := time.Now()
	env.worker.now = func() time.Time { return now }
	job := env.createJob(t, "hello", now)

	require.NoError(t, env.worker.processJob(ctx, &JobMessage{JobID: job.ID, Sender: job.Sender}))
	assert.Equal(t, 2, store.calls)

	got, err := env.store.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSent, got.Status)

	// well past the lease, the sweep has nothing to resend
	env.worker.now = func() time.Time { return now.Add(2 * env.worker.claimTTL) }
	requeued, err := env.worker.sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	transport.AssertNumberOfCalls(t, "Send", 1)
}

func TestWorker_SentStatusRetriesAreBounded(t *testing.T) {
	transport := &mockTransport{}
	transport.On("Send", mock.Anything, mock.Anything).Return(nil)

	env := newTestEnv(t, transport, 1)
	store := &flakySentStore{Storage: env.store, failures: 100}
	env.worker.storage = store
	env.worker.markBackoff = time.Millisecond

	job := env.createJob(t, "hello", time.Now())

	require.NoError(t, env.worker.processJob(context.Background(), &JobMessage{JobID: job.ID, Sender: job.Sender}))
	assert.Equal(t, env.worker.markAttempts, store.calls)
	transport.AssertNumberOfCalls(t, "Send", 1)
}

func TestWorker_StartRejectsBadSweepSchedule(t *testing.T) {
	env := newTestEnv(t, &mockTransport{}, 1)
	env.worker.sweepSchedule = "every now and then"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := env.worker.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid sweep schedule")
	cancel()
	env.worker.Stop()
}

type failingStore struct {
	JobStore
}

func (failingStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return nil, errors.New("database is locked")
}

func TestWorker_StoreOutageRequeues(t *testing.T) {
	env := newTestEnv(t, &mockTransport{}, 1)
	env.worker.storage = failingStore{}

	err := env.worker.processJob(context.Background(), &JobMessage{JobID: uuid.NewString()})
	require.Error(t, err)
	assert.True(t, shouldRequeueJob(err))
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable", domain.NewRetryableError(errors.New("timeout")), true},
		{"wrapped retryable", fmt.Errorf("load: %w", domain.NewRetryableError(errors.New("timeout"))), true},
		{"invalid payload", fmt.Errorf("%w: bad", domain.ErrInvalidPayload), false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}
