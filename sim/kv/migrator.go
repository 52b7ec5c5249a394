package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxMigrationAttempts bounds how often a failing task is re-queued.
const maxMigrationAttempts = 8

// Task asks for one logical block of Owner to move to Target. Tasks name the
// logical index rather than a handle, so a block that moved in the meantime
// is still found.
type Task struct {
	Owner    string
	Index    int
	Target   Tier
	Attempts int
}

// Migrator runs queued migrations in the background. Each migration takes
// the manager's allocation lock, so migrations never race with allocation.
type Migrator struct {
	manager     *Manager
	concurrency int64

	mu      sync.Mutex
	queue   []Task
	running int // tasks taken by a Drain that has not finished them
}

// NewMigrator creates a Migrator that runs at most concurrency migrations at once.
func NewMigrator(m *Manager, concurrency int) *Migrator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Migrator{manager: m, concurrency: int64(concurrency)}
}

// Schedule queues tasks for the next Drain.
func (mg *Migrator) Schedule(tasks ...Task) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.queue = append(mg.queue, tasks...)
}

// Pending returns the number of queued tasks plus those a running Drain
// has not finished yet.
func (mg *Migrator) Pending() int {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	return len(mg.queue) + mg.running
}

func (mg *Migrator) finished(n int) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.running -= n
}

// Drain runs every queued task. Tasks that fail with ErrMigrationFailure are
// re-queued for a later Drain; tasks whose block no longer exists are
// dropped. Returns the number of blocks moved and ctx's error, if any.
func (mg *Migrator) Drain(ctx context.Context) (int, error) {
	mg.mu.Lock()
	tasks := mg.queue
	mg.queue = nil
	mg.running += len(tasks)
	mg.mu.Unlock()
	if len(tasks) == 0 {
		return 0, nil
	}

	sem := semaphore.NewWeighted(mg.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	var moved atomic.Int64
	for i, task := range tasks {
		if err := sem.Acquire(gctx, 1); err != nil {
			mg.Schedule(tasks[i:]...)
			mg.finished(len(tasks) - i)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			defer mg.finished(1)
			_, err := mg.manager.MigrateOwned(task.Owner, task.Index, task.Target)
			switch {
			case err == nil:
				moved.Add(1)
			case errors.Is(err, ErrMigrationFailure):
				task.Attempts++
				if task.Attempts >= maxMigrationAttempts {
					logrus.Warnf("kv: giving up on migration of %s block %d after %d attempts: %v",
						task.Owner, task.Index, task.Attempts, err)
					return nil
				}
				logrus.Warnf("kv: migration retry queued: %v", err)
				mg.Schedule(task)
			default:
				logrus.Debugf("kv: dropping migration of %s block %d: %v", task.Owner, task.Index, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(moved.Load()), err
	}
	return int(moved.Load()), ctx.Err()
}
