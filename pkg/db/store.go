package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"k8s.io/apimachinery/pkg/util/errors"
)

type RunStore interface {
	Record(ctx context.Context, run *TrainingRun) error
	List(ctx context.Context, channel string) ([]TrainingRun, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type runStore struct {
	db *gorm.DB
}

func (s *runStore) Record(ctx context.Context, run *TrainingRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to record training run %s: %w", run.Name, err)
	}
	return nil
}

// List returns the recorded runs, newest first. An empty channel lists
// every channel.
func (s *runStore) List(ctx context.Context, channel string) ([]TrainingRun, error) {
	query := s.db.WithContext(ctx).Model(&TrainingRun{})
	if channel != "" {
		query = query.Where("channel = ?", channel)
	}

	var runs []TrainingRun
	if err := query.Order("created_at desc").Order("id desc").Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to list training runs: %w", err)
	}
	return runs, nil
}

// DeleteOlderThan removes every run created before cutoff and returns how
// many were removed.
func (s *runStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var stale []TrainingRun
	if err := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("failed to find stale training runs: %w", err)
	}

	var deleted int64
	var errs []error
	for i := range stale {
		if err := s.db.WithContext(ctx).Unscoped().Delete(&stale[i]).Error; err != nil {
			errs = append(errs, fmt.Errorf("couldn't delete training run %s (%d): %w", stale[i].Name, stale[i].ID, err))
			continue
		}
		deleted++
	}
	return deleted, errors.NewAggregate(errs)
}
