package sweep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
)

// candidateSweeper removes index entries whose backing record's TTL
// already fired. Real state is TTL-bound on its own; the sweep only keeps
// the secondary indexes from accumulating tombstones.
type candidateSweeper interface {
	SweepCandidates(ctx context.Context, category enums.SharingCategory) (int64, error)
}

type Job struct {
	sweeper    candidateSweeper
	categories []enums.SharingCategory
	logger     *zap.Logger
}

func New(sweeper candidateSweeper, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		sweeper: sweeper,
		categories: []enums.SharingCategory{
			enums.SharingCategoryPersonal,
			enums.SharingCategoryWork,
		},
		logger: logger,
	}
}

// Run performs a single sweep over every candidate index.
func (j *Job) Run(ctx context.Context) error {
	if j.sweeper == nil {
		return nil
	}

	var total int64
	for _, category := range j.categories {
		removed, err := j.sweeper.SweepCandidates(ctx, category)
		if err != nil {
			return fmt.Errorf("sweep %s candidates: %w", category, err)
		}
		total += removed
	}

	if total > 0 {
		j.logger.Info("candidate index sweep completed", zap.Int64("removed", total))
	}
	return nil
}

// RunPeriodic sweeps on a fixed interval until the context ends. Errors
// are logged, not fatal; the next tick retries.
func (j *Job) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Warn("sweep run failed", zap.Error(err))
			}
		}
	}
}
