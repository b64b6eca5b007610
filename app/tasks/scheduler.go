package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrJobActive = errors.New("job is already active")
	// ErrLockLost means another holder took the job's shared lock. The job
	// is abandoned instead of retried.
	ErrLockLost         = errors.New("job lock lost")
	ErrSchedulerStopped = errors.New("scheduler stopped")
)

type Options struct {
	WorkerCount int
	QueueSize   int
	// RetryBaseDelay doubles with every retry, capped at MaxRetryDelay.
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	TaskTimeout    time.Duration

	// Periodic runs once at Start and then every Interval.
	Interval time.Duration
	Periodic func(ctx context.Context) error

	// Locker is renewed for LockTTL before every step of a job.
	Locker   Locker
	LockTTL  time.Duration
	Recorder JobRecorder
}

type Scheduler struct {
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	taskQueue chan TaskInterface
	// queueMu orders sends against the drain in Stop.
	queueMu sync.RWMutex

	mu     sync.Mutex
	active map[string]struct{}
}

func NewScheduler(opts Options) *Scheduler {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 300
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		taskQueue: make(chan TaskInterface, opts.QueueSize),
		active:    make(map[string]struct{}),
	}
}

func (s *Scheduler) Start() {
	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if s.opts.Periodic == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.runPeriodic()

		if s.opts.Interval <= 0 {
			return
		}

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.runPeriodic()
			}
		}
	}()
}

// Stop cancels running work, waits for the workers and finishes every task
// still queued, so their job names and shared locks are released.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()

	s.queueMu.Lock()
	var pending []TaskInterface
	for len(s.taskQueue) > 0 {
		pending = append(pending, <-s.taskQueue)
	}
	s.queueMu.Unlock()

	for _, task := range pending {
		slog.Warn("Dropping queued task on shutdown", "type", string(task.GetType()), "name", task.GetName(), "id", task.GetID())
		s.finish(task, ErrSchedulerStopped)
	}
}

func (s *Scheduler) EnqueueTask(task TaskInterface) error {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()

	if err := s.ctx.Err(); err != nil {
		return err
	}

	select {
	case s.taskQueue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// ActiveJobs lists the names of jobs created and not yet finished.
func (s *Scheduler) ActiveJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.active))
	for name := range s.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// acquire reserves name for one job. It returns the token of the shared
// lock held under lockName, if a Locker is configured.
func (s *Scheduler) acquire(name, lockName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[name]; ok {
		return "", ErrJobActive
	}

	var token string
	if s.opts.Locker != nil {
		t, ok, err := s.opts.Locker.Lock(s.ctx, lockName, s.opts.LockTTL)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrJobActive
		}
		token = t
	}

	s.active[name] = struct{}{}
	return token, nil
}

func (s *Scheduler) release(name, lockName, token string) {
	s.mu.Lock()
	delete(s.active, name)
	s.mu.Unlock()

	if s.opts.Locker != nil && token != "" {
		// The scheduler context may already be cancelled during shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.opts.Locker.Unlock(ctx, lockName, token); err != nil {
			slog.Warn("Failed to release job lock", "lock", lockName, "error", err)
		}
	}
}

// refresh extends the shared lock before a job step. It returns ErrLockLost
// when the lock expired and someone else holds it now.
func (s *Scheduler) refresh(ctx context.Context, lockName, token string) error {
	if s.opts.Locker == nil || token == "" {
		return nil
	}

	ok, err := s.opts.Locker.Refresh(ctx, lockName, token, s.opts.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}

func (s *Scheduler) runPeriodic() {
	if err := s.opts.Periodic(s.ctx); err != nil {
		slog.Warn("Periodic run finished with errors", "error", err)
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			if err := s.ctx.Err(); err != nil {
				s.finish(task, err)
				continue
			}
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.opts.TaskTimeout)
	defer cancel()

	err := task.Execute(taskCtx)

	if err == nil {
		slog.Debug("Task step completed", "worker_id", workerID, "type", string(task.GetType()), "name", task.GetName(), "id", task.GetID(), "duration", task.GetDuration().String())

		if c, ok := task.(Continuer); ok && !c.Done() {
			task.ResetRetryCount()
			if enqueueErr := s.EnqueueTask(task); enqueueErr != nil {
				slog.Error("Failed to re-enqueue task", "type", string(task.GetType()), "name", task.GetName(), "id", task.GetID(), "error", enqueueErr)
				s.finish(task, enqueueErr)
			}
			return
		}

		s.finish(task, nil)
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "name", task.GetName(), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if errors.Is(err, ErrLockLost) {
		s.finish(task, err)
		return
	}

	if !task.CanRetry() {
		slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "name", task.GetName(), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		s.finish(task, err)
		return
	}

	task.IncrementRetryCount()
	retryDelay := s.retryDelay(task.GetRetryCount())

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "name", task.GetName(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", retryDelay.String())

	if r, ok := task.(interface{ Retrying(error) }); ok {
		r.Retrying(err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(retryDelay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			slog.Debug("Scheduler stopped, skipping task retry", "type", string(task.GetType()), "id", task.GetID())
			s.finish(task, s.ctx.Err())
		case <-timer.C:
			if retryErr := s.EnqueueTask(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
				s.finish(task, retryErr)
			}
		}
	}()
}

func (s *Scheduler) retryDelay(retryCount int) time.Duration {
	delay := s.opts.RetryBaseDelay << uint(retryCount-1)
	if delay <= 0 || delay > s.opts.MaxRetryDelay {
		delay = s.opts.MaxRetryDelay
	}
	return delay
}

func (s *Scheduler) finish(task TaskInterface, err error) {
	if f, ok := task.(Finisher); ok {
		f.Finish(context.Background(), err)
	}
}
