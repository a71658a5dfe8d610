package service

import (
	"context"

	"go.uber.org/zap"

	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/metrics"
	"github.com/devrev/flagsync/internal/store"
)

// IDAllocator hands out flag ids from a single store counter. Every call
// is one atomic increment, so concurrent callers never share a value and
// a value is never handed out twice, even if the caller later fails to
// persist its record.
type IDAllocator struct {
	counters store.CounterStore
	name     string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewIDAllocator creates an allocator over the counter called name
func NewIDAllocator(counters store.CounterStore, name string, m *metrics.Metrics, logger *zap.Logger) *IDAllocator {
	return &IDAllocator{
		counters: counters,
		name:     name,
		metrics:  m,
		logger:   logger,
	}
}

// NextID returns the next flag id
func (a *IDAllocator) NextID(ctx context.Context) (int64, error) {
	id, err := a.counters.Increment(ctx, a.name)
	if err != nil {
		a.logger.Error("Failed to allocate flag id",
			zap.String("counter", a.name),
			zap.Error(err))
		return 0, apierrors.StoreUnavailable("allocate flag id", err)
	}

	a.metrics.RecordAllocation()
	return id, nil
}
