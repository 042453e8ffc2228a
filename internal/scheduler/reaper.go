package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	reaperLockKey     = 48151623 // advisory lock shared by every instance
	reaperNextRunKey  = "reaper:next_run"
	reaperSweepBudget = time.Minute
)

// TokenSweeper removes tokens that can no longer be granted
type TokenSweeper interface {
	DeleteExpiredTimeLimited(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredSelfContained(ctx context.Context, now time.Time) (int64, error)
	DeleteExhaustedUsageLimited(ctx context.Context) (int64, error)
}

// Reaper periodically deletes expired and exhausted tokens. A postgres
// advisory lock and a redis next-run marker keep concurrent instances from
// sweeping more than once per interval. rdb may be nil.
type Reaper struct {
	db       *sqlx.DB
	rdb      *redis.Client
	prefix   string
	tokens   TokenSweeper
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewReaper(db *sqlx.DB, rdb *redis.Client, prefix string, tokens TokenSweeper, interval time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		db:       db,
		rdb:      rdb,
		prefix:   prefix,
		tokens:   tokens,
		interval: interval,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a sweep every interval until stopCh is closed
func (r *Reaper) Start(stopCh <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), reaperSweepBudget)
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Error("[reaper] Sweep failed", zap.Error(err))
				}
				cancel()
			case <-stopCh:
				r.logger.Info("[reaper] Stopping token reaper.")
				return
			}
		}
	}()
}

// RunOnce sweeps if this instance wins the lock and the interval has elapsed.
// It returns the number of token headers removed.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	// session level locks must be released on the connection that took them
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return 0, fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Close()

	var gotLock bool
	if err := conn.GetContext(ctx, &gotLock, "SELECT pg_try_advisory_lock($1)", reaperLockKey); err != nil {
		return 0, fmt.Errorf("error acquiring reaper lock: %w", err)
	}
	if !gotLock {
		r.logger.Debug("[reaper] Another instance is sweeping, skipping this cycle.")
		return 0, nil
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", reaperLockKey); err != nil {
			r.logger.Error("[reaper] Error releasing lock", zap.Error(err))
		}
	}()

	due, err := r.due(ctx)
	if err != nil {
		return 0, fmt.Errorf("error checking reaper marker: %w", err)
	}
	if !due {
		r.logger.Debug("[reaper] Sweep already ran within the interval, skipping.")
		return 0, nil
	}

	removed, err := r.sweep(ctx)
	if err != nil {
		return removed, err
	}
	if err := r.markNextRun(ctx); err != nil {
		r.logger.Error("[reaper] Error updating next run marker", zap.Error(err))
	}
	r.logger.Info("[reaper] Sweep completed.", zap.Int64("removed", removed))
	return removed, nil
}

// sweep runs every delete even when an earlier one fails
func (r *Reaper) sweep(ctx context.Context) (int64, error) {
	now := r.now()
	var result *multierror.Error
	var removed int64

	steps := []struct {
		name string
		run  func() (int64, error)
	}{
		{"time limited", func() (int64, error) { return r.tokens.DeleteExpiredTimeLimited(ctx, now) }},
		{"self-contained", func() (int64, error) { return r.tokens.DeleteExpiredSelfContained(ctx, now) }},
		{"usage limited", func() (int64, error) { return r.tokens.DeleteExhaustedUsageLimited(ctx) }},
	}
	for _, step := range steps {
		n, err := step.run()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s tokens: %w", step.name, err))
			continue
		}
		removed += n
	}
	return removed, result.ErrorOrNil()
}

func (r *Reaper) markerKey() string {
	return r.prefix + reaperNextRunKey
}

func (r *Reaper) due(ctx context.Context) (bool, error) {
	if r.rdb == nil {
		return true, nil
	}
	val, err := r.rdb.Get(ctx, r.markerKey()).Result()
	if err == redis.Nil {
		return true, nil
	} else if err != nil {
		return false, err
	}
	next, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return false, err
	}
	return !r.now().Before(next), nil
}

func (r *Reaper) markNextRun(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}
	// slack keeps ticker jitter from skipping the next cycle
	next := r.now().Add(r.interval - r.interval/10)
	return r.rdb.Set(ctx, r.markerKey(), next.Format(time.RFC3339), 0).Err()
}
