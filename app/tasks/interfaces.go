package tasks

import (
	"context"
	"time"

	"github.com/lysyi3m/feedsync/app/database"
)

// TaskSchedulerInterface defines the interface for task scheduling operations.
// Used by the main application to manage background task processing.
// Example usage:
//
//	scheduler := NewScheduler(Options{WorkerCount: 4, Recorder: jobRepo})
//	scheduler.Start()
//	defer scheduler.Stop()
//	job, err := scheduler.CreateJob(generator, nil)
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

// Locker is a lock shared between processes, keyed by job name. Refresh
// extends a held lock and reports false once token no longer holds it.
type Locker interface {
	Lock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, name, token string) error
	Refresh(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
}

type JobRecorder interface {
	SaveJobRun(ctx context.Context, run database.JobRun) error
}
