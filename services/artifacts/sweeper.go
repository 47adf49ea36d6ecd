package artifacts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepInterval matches the interval the service has always swept at.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs cache.Sweep every interval until ctx is cancelled. The returned wait
// function blocks until the scheduler has stopped after cancellation.
func StartSweeper(ctx context.Context, cache *Cache, interval time.Duration, logger zerolog.Logger) (func(), error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	sched := cron.New()
	_, err := sched.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		removed := cache.Sweep()
		if removed > 0 {
			logger.Info().Int("removed", removed).Int("remaining", cache.Len()).Msg("swept expired artifacts")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-sched.Stop().Done()
		close(stopped)
	}()

	return func() { <-stopped }, nil
}
