package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/flagsync/internal/metrics"
	"github.com/devrev/flagsync/internal/model"
	"github.com/devrev/flagsync/internal/push"
)

// Registry is the part of the connection registry the broadcast engine
// needs
type Registry interface {
	ListAll(ctx context.Context) ([]string, error)
	Unregister(ctx context.Context, connectionID string) error
}

// Broadcaster fans a change event out to every registered connection
type Broadcaster interface {
	Broadcast(ctx context.Context, event model.Event) Report
}

// Outcome classifies one push attempt
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	// OutcomeGone means the connection no longer exists and its
	// registration should be removed
	OutcomeGone
	// OutcomeFailed is any other failure; the registration is kept
	OutcomeFailed
)

// Classify maps a push error to an outcome
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeDelivered
	case errors.Is(err, push.ErrGone):
		return OutcomeGone
	default:
		return OutcomeFailed
	}
}

// Report summarizes one settled broadcast
type Report struct {
	Event     model.EventType
	Targets   int
	Delivered int
	Gone      int
	Failed    int
	Pruned    int
}

// BroadcastService pushes one serialized event to every connection in a
// registry snapshot. Pushes run in parallel and independently; gone
// connections are pruned once all pushes have settled.
type BroadcastService struct {
	registry    Registry
	pusher      push.Pusher
	concurrency int
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewBroadcastService creates a broadcast engine. concurrency bounds the
// number of in-flight pushes; zero means unbounded.
func NewBroadcastService(registry Registry, pusher push.Pusher, concurrency int, m *metrics.Metrics, logger *zap.Logger) *BroadcastService {
	return &BroadcastService{
		registry:    registry,
		pusher:      pusher,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// Broadcast delivers event to every registered connection and returns once
// every push and every prune has settled. It never fails the caller: a
// snapshot failure or individual push failures are logged and reported.
//
// Cancellation of ctx is ignored so that a broadcast that follows a
// successful write always runs to completion.
func (s *BroadcastService) Broadcast(ctx context.Context, event model.Event) Report {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	report := Report{Event: event.Type}

	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("Failed to serialize event",
			zap.String("event", string(event.Type)),
			zap.Error(err))
		return report
	}

	ids, err := s.registry.ListAll(ctx)
	if err != nil {
		s.logger.Error("Failed to snapshot connection registry; event dropped",
			zap.String("event", string(event.Type)),
			zap.Error(err))
		return report
	}
	report.Targets = len(ids)

	outcomes := make([]Outcome, len(ids))

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			err := s.pusher.Push(ctx, id, data)
			outcomes[i] = Classify(err)
			if outcomes[i] == OutcomeFailed {
				s.logger.Warn("Push failed; keeping registration",
					zap.String("connection_id", id),
					zap.String("event", string(event.Type)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	var gone []string
	for i, outcome := range outcomes {
		switch outcome {
		case OutcomeDelivered:
			report.Delivered++
		case OutcomeGone:
			report.Gone++
			gone = append(gone, ids[i])
		case OutcomeFailed:
			report.Failed++
		}
	}

	report.Pruned = s.prune(ctx, gone)

	duration := time.Since(start)
	s.metrics.RecordBroadcast(string(event.Type), report.Delivered, report.Gone, report.Failed, report.Pruned, duration)
	s.logger.Debug("Broadcast complete",
		zap.String("event", string(event.Type)),
		zap.Int("targets", report.Targets),
		zap.Int("delivered", report.Delivered),
		zap.Int("gone", report.Gone),
		zap.Int("failed", report.Failed),
		zap.Int("pruned", report.Pruned),
		zap.Duration("duration", duration))

	return report
}

// prune unregisters the gone connections and returns how many removals
// succeeded. A failed removal is logged; the next broadcast retries it.
func (s *BroadcastService) prune(ctx context.Context, ids []string) int {
	var pruned atomic.Int64

	var g errgroup.Group
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for _, id := range ids {
		g.Go(func() error {
			if err := s.registry.Unregister(ctx, id); err != nil {
				s.logger.Warn("Failed to prune gone connection",
					zap.String("connection_id", id),
					zap.Error(err))
				return nil
			}
			s.logger.Debug("Pruned gone connection", zap.String("connection_id", id))
			pruned.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(pruned.Load())
}
