package topics

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/agora/internal/metrics"
	"github.com/MarcoPoloResearchLab/agora/internal/realtime"
	"go.uber.org/zap"
)

const defaultSchedulerInterval = time.Minute

var errMissingCloser = errors.New("topics: expired topic closer required")

// ExpiredTopicCloser performs one close pass as of the supplied instant.
type ExpiredTopicCloser interface {
	CloseExpired(ctx context.Context, now time.Time) ([]int64, error)
}

type SchedulerConfig struct {
	Closer      ExpiredTopicCloser
	Broadcaster realtime.Broadcaster
	Clock       func() time.Time
	Interval    time.Duration
	Logger      *zap.Logger
}

// Scheduler closes topics whose voting deadline has passed on a fixed cadence,
// independent of any connection.
type Scheduler struct {
	closer      ExpiredTopicCloser
	broadcaster realtime.Broadcaster
	clock       func() time.Time
	interval    time.Duration
	logger      *zap.Logger
}

// TickResult summarises a single scheduler pass.
type TickResult struct {
	Closed []int64
	Err    error
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Closer == nil {
		return nil, errMissingCloser
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{
		closer:      cfg.Closer,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		interval:    interval,
		logger:      logger,
	}, nil
}

// Run ticks once immediately and then on every interval until ctx is cancelled.
// A failed tick is logged and retried on the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a single close pass.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	now := s.clock().UTC()
	closed, err := s.closer.CloseExpired(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			metrics.SchedulerTickErrorsTotal.Inc()
			s.logger.Error("topic scheduler tick failed", zap.Time("now", now), zap.Error(err))
		}
		return TickResult{Err: err}
	}
	if len(closed) == 0 {
		return TickResult{}
	}

	metrics.TopicsClosedTotal.Add(float64(len(closed)))
	s.logger.Info("topics closed", zap.Int("count", len(closed)), zap.Int64s("topic_ids", closed))
	if s.broadcaster != nil {
		for _, topicID := range closed {
			s.broadcaster.Broadcast(realtime.TopicRoom(topicID), realtime.TopicClosed{TopicID: topicID})
		}
	}
	return TickResult{Closed: closed}
}
