package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/feedsync/app/database"
	"github.com/lysyi3m/feedsync/app/feed"
	"github.com/lysyi3m/feedsync/app/writer"
)

type sliceSource struct {
	items []writer.Item
}

func (s *sliceSource) GetItemsForBatch(ctx context.Context, batchNumber, batchSize int, filters []string) ([]writer.Item, error) {
	start := batchNumber * batchSize
	if start >= len(s.items) {
		return nil, nil
	}
	return s.items[start:min(start+batchSize, len(s.items))], nil
}

type memoryRecorder struct {
	mu   sync.Mutex
	runs map[string][]database.JobRun
}

func (r *memoryRecorder) SaveJobRun(ctx context.Context, run database.JobRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = make(map[string][]database.JobRun)
	}
	r.runs[run.ID] = append(r.runs[run.ID], run)
	return nil
}

func (r *memoryRecorder) last(id string) (database.JobRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := r.runs[id]
	if len(runs) == 0 {
		return database.JobRun{}, false
	}
	return runs[len(runs)-1], true
}

func (r *memoryRecorder) statuses(id string) []database.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var statuses []database.JobStatus
	for _, run := range r.runs[id] {
		statuses = append(statuses, run.Status)
	}
	return statuses
}

type fakeLocker struct {
	mu       sync.Mutex
	deny     bool
	steal    bool
	held     map[string]string
	unlocked []string
	renewed  int
}

func (l *fakeLocker) Lock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny {
		return "", false, nil
	}
	if l.held == nil {
		l.held = make(map[string]string)
	}
	token := "token-" + name
	l.held[name] = token
	return token, true, nil
}

func (l *fakeLocker) Unlock(ctx context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] == token {
		delete(l.held, name)
		l.unlocked = append(l.unlocked, name)
	}
	return nil
}

// Refresh hands the lock to another holder when steal is set.
func (l *fakeLocker) Refresh(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.steal {
		l.held[name] = "token-other"
	}
	if l.held[name] != token {
		return false, nil
	}
	l.renewed++
	return true, nil
}

func itemsN(n int) []writer.Item {
	items := make([]writer.Item, n)
	for i := range items {
		items[i] = writer.Item{"offer_id": fmt.Sprintf("o%d", i+1)}
	}
	return items
}

func newCSVGenerator(t *testing.T, dir string, source feed.ItemSource, opts ...feed.GeneratorOption) (*feed.Generator, writer.FileWriter) {
	t.Helper()
	w := writer.NewCSVWriter(dir, writer.SecretNaming{FeedType: "promotions", Secret: "s3cr3t", Extension: "csv"},
		[]writer.Column{{Name: "offer_id"}}, writer.DefaultCSVOptions())
	return feed.NewGenerator(feed.Promotions, w, source, nil, opts...), w
}

func newTestScheduler(opts Options) *Scheduler {
	opts.RetryBaseDelay = time.Millisecond
	opts.MaxRetryDelay = 5 * time.Millisecond
	return NewScheduler(opts)
}

func waitForStatus(t *testing.T, recorder *memoryRecorder, id string, status database.JobStatus) database.JobRun {
	t.Helper()
	var run database.JobRun
	require.Eventually(t, func() bool {
		last, ok := recorder.last(id)
		run = last
		return ok && last.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestGenerationJobRunsAllSteps(t *testing.T) {
	recorder := &memoryRecorder{}
	s := newTestScheduler(Options{WorkerCount: 2, Recorder: recorder})
	s.Start()
	defer s.Stop()

	dir := t.TempDir()
	g, w := newCSVGenerator(t, dir, &sliceSource{items: itemsN(3)})

	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	id := job.(*GenerationJob).ID
	run := waitForStatus(t, recorder, id, database.JobStatusCompleted)
	assert.Equal(t, "promotions_feed_generator", run.Name)
	assert.Equal(t, "promotions", run.FeedType)
	assert.Equal(t, string(StepDone), run.Step)
	// start, three batches, the empty batch and end
	assert.Equal(t, 6, run.Attempts)
	assert.NotNil(t, run.FinishedAt)

	data, err := os.ReadFile(w.FilePath())
	require.NoError(t, err)
	assert.Equal(t, "offer_id\no1\no2\no3\n", string(data))
	assert.NoFileExists(t, w.TempFilePath())

	assert.Empty(t, s.ActiveJobs())
	assert.Equal(t, database.JobStatusQueued, recorder.statuses(id)[0])
}

func TestCreateJobIsSingleFlight(t *testing.T) {
	s := newTestScheduler(Options{})
	dir := t.TempDir()

	g, _ := newCSVGenerator(t, dir, &sliceSource{})
	first, err := s.CreateJob(g, nil)
	require.NoError(t, err)

	_, err = s.CreateJob(g, nil)
	assert.True(t, errors.Is(err, ErrJobActive))
	assert.Equal(t, []string{"promotions_feed_generator"}, s.ActiveJobs())

	other := feed.NewGenerator(feed.NavigationMenu, writer.NewJSONWriter(dir, writer.SecretNaming{FeedType: "navigation_menu", Secret: "x", Extension: "json"}), &sliceSource{}, nil)
	_, err = s.CreateJob(other, nil)
	require.NoError(t, err)

	// Finishing the first job frees its name.
	first.(*GenerationJob).Finish(context.Background(), nil)
	_, err = s.CreateJob(g, nil)
	assert.NoError(t, err)
}

func TestCreateJobRespectsSharedLock(t *testing.T) {
	locker := &fakeLocker{deny: true}
	s := newTestScheduler(Options{Locker: locker})
	g, _ := newCSVGenerator(t, t.TempDir(), &sliceSource{})

	_, err := s.CreateJob(g, nil)
	assert.True(t, errors.Is(err, ErrJobActive))
	assert.Empty(t, s.ActiveJobs())
}

func TestSharedLockReleasedOnCompletion(t *testing.T) {
	locker := &fakeLocker{}
	recorder := &memoryRecorder{}
	s := newTestScheduler(Options{Locker: locker, Recorder: recorder})
	s.Start()
	defer s.Stop()

	g, _ := newCSVGenerator(t, t.TempDir(), &sliceSource{items: itemsN(1)})
	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	waitForStatus(t, recorder, job.(*GenerationJob).ID, database.JobStatusCompleted)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, []string{"promotions_feed_generator"}, locker.unlocked)
	assert.Empty(t, locker.held)
	// renewed before each of the start, batch, empty batch and end steps
	assert.Equal(t, 4, locker.renewed)
}

func TestSharedLockIsQualifiedByPluginName(t *testing.T) {
	locker := &fakeLocker{}
	s := newTestScheduler(Options{Locker: locker})
	g, _ := newCSVGenerator(t, t.TempDir(), &sliceSource{}, feed.WithPluginName("feedsync"))

	assert.Equal(t, "feedsync:promotions_feed_generator", JobLockName(g))

	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"promotions_feed_generator"}, s.ActiveJobs())

	locker.mu.Lock()
	assert.Equal(t, "token-feedsync:promotions_feed_generator", locker.held["feedsync:promotions_feed_generator"])
	locker.mu.Unlock()

	job.(*GenerationJob).Finish(context.Background(), nil)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, []string{"feedsync:promotions_feed_generator"}, locker.unlocked)
}

func TestLostLockAbandonsJob(t *testing.T) {
	locker := &fakeLocker{steal: true}
	recorder := &memoryRecorder{}
	s := newTestScheduler(Options{Locker: locker, Recorder: recorder})
	s.Start()
	defer s.Stop()

	g, w := newCSVGenerator(t, t.TempDir(), &sliceSource{items: itemsN(1)})
	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	run := waitForStatus(t, recorder, job.(*GenerationJob).ID, database.JobStatusFailed)
	assert.Equal(t, 1, run.Attempts)
	assert.Contains(t, run.Error, ErrLockLost.Error())
	assert.NotContains(t, recorder.statuses(job.(*GenerationJob).ID), database.JobStatusRetrying)
	assert.NoFileExists(t, w.TempFilePath())
	assert.Empty(t, s.ActiveJobs())

	// The new holder keeps its lock.
	locker.mu.Lock()
	defer locker.mu.Unlock()
	assert.Equal(t, "token-other", locker.held["promotions_feed_generator"])
	assert.Empty(t, locker.unlocked)
}

func TestStopFinishesQueuedJobs(t *testing.T) {
	locker := &fakeLocker{}
	recorder := &memoryRecorder{}
	// Never started, so the job stays in the queue until Stop.
	s := newTestScheduler(Options{Locker: locker, Recorder: recorder})

	g, _ := newCSVGenerator(t, t.TempDir(), &sliceSource{items: itemsN(1)})
	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	s.Stop()

	id := job.(*GenerationJob).ID
	run, ok := recorder.last(id)
	require.True(t, ok)
	assert.Equal(t, database.JobStatusFailed, run.Status)
	assert.Contains(t, run.Error, ErrSchedulerStopped.Error())
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, s.ActiveJobs())

	locker.mu.Lock()
	assert.Empty(t, locker.held)
	assert.Equal(t, []string{"promotions_feed_generator"}, locker.unlocked)
	locker.mu.Unlock()

	assert.True(t, errors.Is(s.EnqueueTask(job.(*GenerationJob)), context.Canceled))
}

func TestDispatchOnFullQueueReleasesJob(t *testing.T) {
	s := newTestScheduler(Options{QueueSize: 1})
	require.NoError(t, s.EnqueueTask(&GenerationJob{}))

	g, _ := newCSVGenerator(t, t.TempDir(), &sliceSource{})
	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)

	err = job.Dispatch()
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Empty(t, s.ActiveJobs())
}

func TestFailedBatchRewindsToStart(t *testing.T) {
	recorder := &memoryRecorder{}
	s := newTestScheduler(Options{Recorder: recorder})
	s.Start()
	defer s.Stop()

	var failures atomic.Int32
	dir := t.TempDir()
	g, w := newCSVGenerator(t, dir, &sliceSource{items: itemsN(3)}, feed.WithItemProcessor(func(ctx context.Context, item writer.Item, filters []string) error {
		if item["offer_id"] == "o2" && failures.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	}))

	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	id := job.(*GenerationJob).ID
	waitForStatus(t, recorder, id, database.JobStatusCompleted)
	assert.Contains(t, recorder.statuses(id), database.JobStatusRetrying)

	// The first, partial run is discarded instead of continued.
	data, err := os.ReadFile(w.FilePath())
	require.NoError(t, err)
	assert.Equal(t, "offer_id\no1\no2\no3\n", string(data))
}

func TestPermanentBatchFailureIsAbandoned(t *testing.T) {
	recorder := &memoryRecorder{}
	s := newTestScheduler(Options{Recorder: recorder})
	s.Start()
	defer s.Stop()

	g, w := newCSVGenerator(t, t.TempDir(), &sliceSource{items: itemsN(2)}, feed.WithItemProcessor(func(ctx context.Context, item writer.Item, filters []string) error {
		return errors.New("always")
	}))

	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	run := waitForStatus(t, recorder, job.(*GenerationJob).ID, database.JobStatusFailed)
	assert.Contains(t, run.Error, "always")
	assert.NoFileExists(t, w.FilePath())
	assert.Empty(t, s.ActiveJobs())
}

func TestFailedStartKeepsPublicFile(t *testing.T) {
	recorder := &memoryRecorder{}
	s := newTestScheduler(Options{Recorder: recorder})
	s.Start()
	defer s.Stop()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	g, _ := newCSVGenerator(t, filepath.Join(blocker, "promotions"), &sliceSource{})

	job, err := s.CreateJob(g, nil)
	require.NoError(t, err)
	require.NoError(t, job.Dispatch())

	run := waitForStatus(t, recorder, job.(*GenerationJob).ID, database.JobStatusFailed)
	assert.Equal(t, string(StepStart), run.Step)
	assert.Equal(t, DefaultMaxRetries+1, run.Attempts)
	assert.True(t, strings.Contains(run.Error, "feed directory"))
}

func TestPeriodicRunsAtStart(t *testing.T) {
	var calls atomic.Int32
	s := newTestScheduler(Options{
		Interval: time.Hour,
		Periodic: func(ctx context.Context) error {
			calls.Add(1)
			return errors.New("one feed failed")
		},
	})
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetryDelayIsCapped(t *testing.T) {
	s := NewScheduler(Options{RetryBaseDelay: time.Second, MaxRetryDelay: 30 * time.Second})

	assert.Equal(t, time.Second, s.retryDelay(1))
	assert.Equal(t, 2*time.Second, s.retryDelay(2))
	assert.Equal(t, 16*time.Second, s.retryDelay(5))
	assert.Equal(t, 30*time.Second, s.retryDelay(6))
	assert.Equal(t, 30*time.Second, s.retryDelay(80))
}
