package service

import (
	"context"
	"time"

	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"go.uber.org/zap"
)

const defaultSchedulerInterval = time.Minute

// BatchRunner is the part of the engine the scheduler drives.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchSize int) (*domain.RunSummary, error)
}

// Scheduler triggers a batch run on every tick.
type Scheduler struct {
	runner    BatchRunner
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewScheduler(runner BatchRunner, interval time.Duration, batchSize int, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		runner:    runner,
		logger:    logger,
		interval:  interval,
		batchSize: batchSize,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batchSize", s.batchSize),
	)

	if err := s.tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled batch run failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduled batch run failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	summary, err := s.runner.RunBatch(ctx, s.batchSize)
	if err != nil {
		return err
	}

	s.logger.Debug("scheduled batch run finished",
		zap.String("runId", summary.RunID),
		zap.Int("processed", summary.Processed),
	)
	return nil
}
