// Package scheduler запускает торговый цикл с фиксированным интервалом.
package scheduler

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/dipscalp/pkg/logger"
	"go.uber.org/zap"
)

// CycleFunc один проход торгового цикла
type CycleFunc func(ctx context.Context, now time.Time) error

// Runner вызывает цикл каждые interval за вычетом времени его выполнения,
// но не чаще чем через minSleep. После ошибки пауза растет экспоненциально.
type Runner struct {
	interval time.Duration
	minSleep time.Duration
	cycle    CycleFunc
	backoff  *backoff.Backoff

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner создает планировщик
func NewRunner(interval, minSleep time.Duration, cycle CycleFunc) *Runner {
	return &Runner{
		interval: interval,
		minSleep: minSleep,
		cycle:    cycle,
		backoff: &backoff.Backoff{
			Min:    interval,
			Max:    10 * time.Minute,
			Factor: 2,
			Jitter: true,
		},
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Run выполняет циклы до отмены контекста
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		started := r.now()
		err := r.cycle(ctx, started)
		elapsed := r.now().Sub(started)

		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			wait = r.backoff.Duration()
			logger.Error("Ошибка торгового цикла, повтор с задержкой",
				zap.Error(err),
				zap.Float64("attempt", r.backoff.Attempt()),
				zap.Duration("wait", wait))
		default:
			r.backoff.Reset()
			wait = NextSleep(r.interval, elapsed, r.minSleep)
		}

		if err := r.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// NextSleep пауза до следующего цикла: interval - elapsed, не меньше minSleep
func NextSleep(interval, elapsed, minSleep time.Duration) time.Duration {
	wait := interval - elapsed
	if wait < minSleep {
		return minSleep
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
