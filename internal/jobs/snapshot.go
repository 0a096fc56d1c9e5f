package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Persister is the part of the relay hub the job drives.
type Persister interface {
	PersistDirty(ctx context.Context) (int, error)
}

// SnapshotJob periodically writes changed rooms to the snapshot store.
type SnapshotJob struct {
	hub    Persister
	config *SnapshotConfig
	cron   *cron.Cron
	logger *zap.Logger
}

type SnapshotConfig struct {
	// Schedule is a cron spec, e.g. "@every 30s".
	Schedule string
	Enabled  bool
	// Timeout bounds one run. Zero means no limit.
	Timeout time.Duration
}

func NewSnapshotJob(hub Persister, config *SnapshotConfig, logger *zap.Logger) *SnapshotJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotJob{
		hub:    hub,
		config: config,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the job. A disabled job starts nothing.
func (j *SnapshotJob) Start() error {
	if !j.config.Enabled {
		j.logger.Info("snapshot persistence disabled, skipping scheduler")
		return nil
	}

	_, err := j.cron.AddFunc(j.config.Schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error("snapshot job failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule snapshot job: %w", err)
	}

	j.cron.Start()
	j.logger.Info("snapshot job started", zap.String("schedule", j.config.Schedule))
	return nil
}

// Stop stops scheduling and waits for a running pass to finish.
func (j *SnapshotJob) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.logger.Info("snapshot job stopped")
	}
}

// RunOnce performs a single persistence pass.
func (j *SnapshotJob) RunOnce(ctx context.Context) (int, error) {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}
	n, err := j.hub.PersistDirty(ctx)
	if n > 0 {
		j.logger.Info("rooms persisted", zap.Int("rooms", n))
	}
	if err != nil {
		return n, fmt.Errorf("persist rooms: %w", err)
	}
	return n, nil
}
