package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/feedsync/app/database"
	"github.com/lysyi3m/feedsync/app/feed"
)

var _ feed.Scheduler = (*Scheduler)(nil)

type Step string

const (
	StepStart Step = "start"
	StepBatch Step = "batch"
	StepEnd   Step = "end"
	StepDone  Step = "done"
)

// GenerationJob regenerates one feed file, running a single generator step
// per Execute. A failed batch rewinds the job to StepStart so a partially
// appended temp file is never continued.
type GenerationJob struct {
	Task
	scheduler *Scheduler
	generator *feed.Generator
	filters   []string
	lockName  string
	lockToken string

	step     Step
	batch    int
	attempts int
	rewinds  int
	started  time.Time
	finished bool
}

// CreateJob reserves the generator's job name. It fails with ErrJobActive
// while another job of the same name is queued or running.
func (s *Scheduler) CreateJob(generator *feed.Generator, filters []string) (feed.Job, error) {
	lockName := JobLockName(generator)
	token, err := s.acquire(generator.Name(), lockName)
	if err != nil {
		return nil, err
	}

	job := &GenerationJob{
		Task:      NewTask(TaskTypeGenerateFeed, generator.Name()),
		scheduler: s,
		generator: generator,
		filters:   filters,
		lockName:  lockName,
		lockToken: token,
		step:      StepStart,
		started:   time.Now().UTC(),
	}
	job.record(context.Background(), database.JobStatusQueued, nil)

	return job, nil
}

// JobLockName is the shared lock name of a generator's jobs, qualified by
// its plugin name so unrelated deployments on one Redis never collide.
func JobLockName(generator *feed.Generator) string {
	if plugin := generator.PluginName(); plugin != "" {
		return plugin + ":" + generator.Name()
	}
	return generator.Name()
}

// Dispatch queues the job's first step. If the queue refuses it the job
// name is released again.
func (j *GenerationJob) Dispatch() error {
	if err := j.scheduler.EnqueueTask(j); err != nil {
		j.Finish(context.Background(), err)
		return err
	}
	return nil
}

func (j *GenerationJob) Step() Step {
	return j.step
}

func (j *GenerationJob) Batch() int {
	return j.batch
}

// ResetRetryCount keeps rewinds charged against the retry budget, so a batch
// that always fails cannot restart the generation forever.
func (j *GenerationJob) ResetRetryCount() {
	j.RetryCount = j.rewinds
}

func (j *GenerationJob) Done() bool {
	return j.step == StepDone
}

func (j *GenerationJob) Execute(ctx context.Context) error {
	j.attempts++
	j.record(ctx, database.JobStatusRunning, nil)

	if err := j.scheduler.refresh(ctx, j.lockName, j.lockToken); err != nil {
		return fmt.Errorf("failed to renew lock of job %s: %w", j.Name, err)
	}

	switch j.step {
	case StepStart:
		if err := j.generator.HandleStart(ctx); err != nil {
			return err
		}
		j.step = StepBatch
		j.batch = 0

	case StepBatch:
		items, err := j.generator.GetItemsForBatch(ctx, j.batch, j.filters)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			j.step = StepEnd
			return nil
		}

		if err := j.generator.ProcessItems(ctx, items, j.filters); err != nil {
			failed := j.batch
			j.rewinds++
			j.step = StepStart
			j.batch = 0
			return fmt.Errorf("batch %d failed, restarting generation: %w", failed, err)
		}
		j.batch++

	case StepEnd:
		if err := j.generator.HandleEnd(ctx); err != nil {
			return err
		}
		j.step = StepDone

	default:
		return fmt.Errorf("job %s has no step to run", j.Name)
	}

	return nil
}

func (j *GenerationJob) Retrying(err error) {
	j.record(context.Background(), database.JobStatusRetrying, err)
}

func (j *GenerationJob) Finish(ctx context.Context, err error) {
	if j.finished {
		return
	}
	j.finished = true

	if err != nil {
		j.record(ctx, database.JobStatusFailed, err)
		slog.Error("Feed generation job aborted", "job", j.Name, "id", j.ID, "step", string(j.step), "batch", j.batch, "error", err)
	} else {
		j.record(ctx, database.JobStatusCompleted, nil)
		slog.Info("Feed generation job completed", "job", j.Name, "id", j.ID, "steps", j.attempts, "duration", time.Since(j.started).String())
	}

	j.scheduler.release(j.Name, j.lockName, j.lockToken)
}

func (j *GenerationJob) record(ctx context.Context, status database.JobStatus, err error) {
	recorder := j.scheduler.opts.Recorder
	if recorder == nil {
		return
	}

	now := time.Now().UTC()
	run := database.JobRun{
		ID:        j.ID,
		Name:      j.Name,
		FeedType:  string(j.generator.FeedType()),
		Status:    status,
		Step:      string(j.step),
		Batch:     j.batch,
		Attempts:  j.attempts,
		StartedAt: j.started,
		UpdatedAt: now,
	}
	if err != nil {
		run.Error = err.Error()
	}
	if status == database.JobStatusCompleted || status == database.JobStatusFailed {
		run.FinishedAt = &now
	}

	if saveErr := recorder.SaveJobRun(ctx, run); saveErr != nil {
		slog.Warn("Failed to record job run", "job", j.Name, "id", j.ID, "error", saveErr)
	}
}
