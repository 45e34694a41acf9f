package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kvm-monitor/internal/model"
)

type EnvelopeCollector interface {
	Collect(ctx context.Context) (model.Envelope, error)
}

type EmitFunc func(ctx context.Context, env model.Envelope) error

// Scheduler repeats a collection on a fixed interval. Every round opens and
// closes its own hypervisor session.
type Scheduler struct {
	logger    *zap.Logger
	collector EnvelopeCollector
	interval  time.Duration
}

func NewScheduler(logger *zap.Logger, c EnvelopeCollector, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger, collector: c, interval: interval}
}

// Run collects once immediately and then on every tick until ctx is done.
// A collector error (missing capability) or an emit error stops the loop.
func (s *Scheduler) Run(ctx context.Context, emit EmitFunc) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.collectAndEmit(ctx, emit); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			if err := s.collectAndEmit(ctx, emit); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) collectAndEmit(ctx context.Context, emit EmitFunc) error {
	env, err := s.collector.Collect(ctx)
	if err != nil {
		return err
	}
	if !env.OK() {
		s.logger.Warn("kvm poll round failed", zap.String("message", env.Message))
	}
	return emit(ctx, env)
}
