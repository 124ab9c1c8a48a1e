package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shadowrealm-ai/shadow/internal/sandbox"
	"github.com/shadowrealm-ai/shadow/internal/store"
	"github.com/shadowrealm-ai/shadow/pkg/models"
)

// defaultCleanupTick is how often the sweeper looks for due tasks.
const defaultCleanupTick = 30 * time.Second

// CleanupScheduler tears down sandboxes whose tasks went quiet. Tasks carry
// an absolute ScheduledCleanupAt timestamp, so due work survives restarts:
// the first sweep after boot picks up anything that came due while the
// process was down.
type CleanupScheduler struct {
	store   store.Store
	sandbox sandbox.Controller
	kernel  *Kernel
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// CleanupOption configures a CleanupScheduler.
type CleanupOption func(*CleanupScheduler)

// WithTickInterval overrides the sweep interval.
func WithTickInterval(d time.Duration) CleanupOption {
	return func(c *CleanupScheduler) { c.tick = d }
}

// WithCleanupNow overrides the clock.
func WithCleanupNow(now func() time.Time) CleanupOption {
	return func(c *CleanupScheduler) { c.now = now }
}

// WithCleanupLogger sets the logger.
func WithCleanupLogger(logger *slog.Logger) CleanupOption {
	return func(c *CleanupScheduler) { c.logger = logger }
}

// NewCleanupScheduler creates a sweeper. The kernel is optional; when set,
// swept tasks also shed their in-memory stream state.
func NewCleanupScheduler(s store.Store, sb sandbox.Controller, kernel *Kernel, opts ...CleanupOption) *CleanupScheduler {
	c := &CleanupScheduler{
		store:   s,
		sandbox: sb,
		kernel:  kernel,
		logger:  slog.Default().With("component", "cleanup"),
		tick:    defaultCleanupTick,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run sweeps until the context ends or Stop is called.
func (c *CleanupScheduler) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	// Immediate first sweep so restarts drain overdue work promptly.
	c.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Stop ends the sweep loop and waits for the in-flight sweep to finish.
func (c *CleanupScheduler) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// Sweep tears down every task whose cleanup time has passed. Each task is
// handled independently; one failure does not block the rest.
func (c *CleanupScheduler) Sweep(ctx context.Context) {
	due, err := c.store.ListTasksDueForCleanup(ctx, c.now())
	if err != nil {
		c.logger.Error("failed to list tasks due for cleanup", "error", err)
		return
	}
	for _, task := range due {
		if err := c.cleanupOne(ctx, task); err != nil {
			c.logger.Error("cleanup failed", "task_id", task.ID, "error", err)
		}
	}
}

// cleanupOne is idempotent: re-running it on an already-swept task is a
// no-op apart from the log line.
func (c *CleanupScheduler) cleanupOne(ctx context.Context, task *models.Task) error {
	if c.kernel != nil {
		c.kernel.CleanupTask(task.ID)
	}
	if c.sandbox != nil {
		if err := c.sandbox.Delete(ctx, task); err != nil {
			return err
		}
	}
	task.InitStatus = models.InitInactive
	task.ScheduledCleanupAt = nil
	if err := c.store.UpdateTask(ctx, task); err != nil {
		return err
	}
	c.logger.Info("cleaned up idle task", "task_id", task.ID, "status", task.Status)
	return nil
}
