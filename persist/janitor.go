package persist

import (
	"context"
	"sync"
	"time"

	"github.com/agentuity/go-querycache/logger"
)

// Cleaner is anything with a Cleanup sweep, such as a *Cache.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// DefaultCleanupInterval is the sweep period used when none is given.
const DefaultCleanupInterval = time.Hour

// Janitor runs Cleanup on a fixed interval until stopped. The application
// creates and stops it; caches never start one on their own.
type Janitor struct {
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cleaner   Cleaner
	interval  time.Duration
	log       logger.Logger
}

// StartJanitor starts sweeping cleaner every interval. The first sweep runs
// after one interval. The janitor stops when ctx is cancelled or Stop is
// called.
func StartJanitor(parent context.Context, cleaner Cleaner, interval time.Duration, log logger.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	ctx, cancel := context.WithCancel(parent)
	j := &Janitor{
		ctx:      ctx,
		cancel:   cancel,
		cleaner:  cleaner,
		interval: interval,
		log:      log.WithPrefix("[janitor]"),
	}
	j.waitGroup.Add(1)
	go j.run()
	return j
}

func (j *Janitor) run() {
	defer j.waitGroup.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			removed, err := j.cleaner.Cleanup(j.ctx)
			if err != nil {
				if j.ctx.Err() == nil {
					j.log.Warn("cleanup failed: %v", err)
				}
				continue
			}
			j.log.Trace("cleanup removed %d entries", removed)
		}
	}
}

// Stop halts the janitor and waits for an in-progress sweep to finish. It is
// safe to call more than once.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		j.cancel()
		j.waitGroup.Wait()
	})
}
