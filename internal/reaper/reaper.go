// Package reaper purges secrets that expired long enough ago that nobody needs
// to be told they are gone.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/robfig/cron/v3"
)

const deleteTimeout = 10 * time.Second

type expiredDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Reaper deletes rows whose expires_at is older than now minus the retention.
type Reaper struct {
	store     expiredDeleter
	retention time.Duration
	now       func() time.Time
	cron      *cron.Cron
	logTags   log.Fields

	// tracks the startup sweep, which runs outside the cron
	wg sync.WaitGroup
}

func New(store expiredDeleter, retention time.Duration, now func() time.Time) *Reaper {
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:     store,
		retention: retention,
		now:       now,
		logTags:   log.Fields{"package": "reaper", "module": "reaper", "component": "expiry-sweep"},
	}
}

// Start runs one sweep immediately, then on every tick of the cron schedule.
func (r *Reaper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	r.cron = c

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.RunOnce(ctx)
	}()
	c.Start()
	return nil
}

// Stop halts the schedule and waits for any running sweep to return,
// including the startup one.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.wg.Wait()
}

// RunOnce performs a single sweep and returns the number of purged rows.
func (r *Reaper) RunOnce(ctx context.Context) int64 {
	if ctx.Err() != nil {
		return 0
	}

	cctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	cutoff := r.now().UTC().Add(-r.retention)
	deleted, err := r.store.DeleteExpired(cctx, cutoff)
	if err != nil {
		// Shutdown cancellation is expected.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0
		}
		log.WithFields(r.logTags).WithError(err).Error("Expiry sweep failed")
		return 0
	}
	if deleted > 0 {
		log.WithFields(r.logTags).WithField("count", deleted).Info("Expired secrets purged")
	}
	return deleted
}
