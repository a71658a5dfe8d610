package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/flagsync/internal/config"
	apierrors "github.com/devrev/flagsync/internal/errors"
	"github.com/devrev/flagsync/internal/metrics"
	"github.com/devrev/flagsync/internal/model"
	"github.com/devrev/flagsync/internal/store"
)

const maxNameLength = 256

// CreateFlagInput is a create request. Only Name and Environment are
// required.
type CreateFlagInput struct {
	Name        string            `json:"name"`
	Environment model.Environment `json:"environment"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	Enabled     *bool             `json:"enabled"`
	CreatedAt   string            `json:"created_at"`
	ModifiedAt  string            `json:"modified_at"`
}

// EditFlagInput is a metadata edit. Name is required; nil optional fields
// are left untouched.
type EditFlagInput struct {
	Name        string   `json:"name"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
	ModifiedAt  *string  `json:"modified_at"`
}

// FlagService is the mutation pipeline: validate, write, then broadcast
// exactly once. A write that fails aborts before the broadcast, and the
// broadcast outcome never changes the result returned to the caller.
type FlagService struct {
	flags           store.FlagStore
	ids             *IDAllocator
	broadcaster     Broadcaster
	strict          bool
	bulkConcurrency int
	now             func() time.Time
	metrics         *metrics.Metrics
	logger          *zap.Logger
}

// NewFlagService creates a new flag service
func NewFlagService(
	flags store.FlagStore,
	ids *IDAllocator,
	broadcaster Broadcaster,
	cfg config.FlagsConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *FlagService {
	return &FlagService{
		flags:           flags,
		ids:             ids,
		broadcaster:     broadcaster,
		strict:          cfg.StrictExistence,
		bulkConcurrency: cfg.BulkConcurrency,
		now:             time.Now,
		metrics:         m,
		logger:          logger,
	}
}

func validateID(id int64) error {
	if id <= 0 {
		return apierrors.InvalidArgument("invalid flag id %d", id)
	}
	return nil
}

// validateIDs accepts any number of ids, including none
func validateIDs(ids []int64) error {
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return err
		}
	}
	return nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apierrors.InvalidArgument("name is required")
	}
	if len(name) > maxNameLength {
		return "", apierrors.InvalidArgument("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

// CreateFlag allocates an id, persists the record and broadcasts
// flag-created with the full record.
func (s *FlagService) CreateFlag(ctx context.Context, in CreateFlagInput) (flag *model.Flag, err error) {
	defer func() { s.metrics.RecordMutation("create", err) }()

	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	if !in.Environment.Valid() {
		return nil, apierrors.InvalidArgument("environment must be one of Production, Staging, Development")
	}

	id, err := s.ids.NextID(ctx)
	if err != nil {
		return nil, err
	}

	flag = &model.Flag{
		ID:          id,
		Name:        name,
		Environment: in.Environment,
		Enabled:     in.Enabled != nil && *in.Enabled,
		CreatedAt:   in.CreatedAt,
		ModifiedAt:  in.ModifiedAt,
		Tags:        append([]string{}, in.Tags...),
		Description: in.Description,
	}
	if flag.CreatedAt == "" {
		flag.CreatedAt = model.Timestamp(s.now())
	}

	if err := s.flags.PutFlag(ctx, flag); err != nil {
		s.logger.Error("Failed to persist flag; id is skipped",
			zap.Int64("flag_id", id),
			zap.Error(err))
		return nil, apierrors.StoreUnavailable("create flag", err)
	}

	s.logger.Info("Flag created",
		zap.Int64("flag_id", id),
		zap.String("environment", string(flag.Environment)))

	s.broadcaster.Broadcast(ctx, model.FlagCreated(flag.Clone()))
	return flag, nil
}

// ensureExists is only consulted in strict mode
func (s *FlagService) ensureExists(ctx context.Context, id int64) error {
	if !s.strict {
		return nil
	}
	_, err := s.flags.GetFlag(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apierrors.NotFound("flag %d not found", id)
	}
	if err != nil {
		return apierrors.StoreUnavailable("read flag", err)
	}
	return nil
}

// SetEnabled toggles one flag and broadcasts flag-updated
func (s *FlagService) SetEnabled(ctx context.Context, id int64, enabled bool) (err error) {
	defer func() { s.metrics.RecordMutation("toggle", err) }()

	if err := validateID(id); err != nil {
		return err
	}
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}

	if err := s.flags.SetEnabled(ctx, id, enabled); err != nil {
		return apierrors.StoreUnavailable("update flag", err)
	}

	s.logger.Info("Flag toggled", zap.Int64("flag_id", id), zap.Bool("enabled", enabled))
	s.broadcaster.Broadcast(ctx, model.FlagUpdated(id))
	return nil
}

// EditFlag applies a metadata patch and broadcasts flag-updated
func (s *FlagService) EditFlag(ctx context.Context, id int64, in EditFlagInput) (err error) {
	defer func() { s.metrics.RecordMutation("edit", err) }()

	if err := validateID(id); err != nil {
		return err
	}
	name, err := validateName(in.Name)
	if err != nil {
		return err
	}
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}

	patch := model.FlagPatch{
		Name:        name,
		Description: in.Description,
		Tags:        in.Tags,
		ModifiedAt:  in.ModifiedAt,
	}
	if err := s.flags.UpdateMetadata(ctx, id, patch); err != nil {
		return apierrors.StoreUnavailable("update flag", err)
	}

	s.logger.Info("Flag edited", zap.Int64("flag_id", id))
	s.broadcaster.Broadcast(ctx, model.FlagUpdated(id))
	return nil
}

// DeleteFlag removes one flag and broadcasts flag-deleted
func (s *FlagService) DeleteFlag(ctx context.Context, id int64) (err error) {
	defer func() { s.metrics.RecordMutation("delete", err) }()

	if err := validateID(id); err != nil {
		return err
	}
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}

	if err := s.flags.DeleteFlag(ctx, id); err != nil {
		return apierrors.StoreUnavailable("delete flag", err)
	}

	s.logger.Info("Flag deleted", zap.Int64("flag_id", id))
	s.broadcaster.Broadcast(ctx, model.FlagDeleted(id))
	return nil
}

// BulkSetEnabled toggles every id and then broadcasts one flags-updated
// carrying the full requested id list.
func (s *FlagService) BulkSetEnabled(ctx context.Context, ids []int64, enabled bool) (err error) {
	defer func() { s.metrics.RecordMutation("bulk_toggle", err) }()

	if err := validateIDs(ids); err != nil {
		return err
	}

	err = s.runBulk(ctx, "bulk update flags", ids, func(ctx context.Context, id int64) error {
		return s.flags.SetEnabled(ctx, id, enabled)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Flags toggled", zap.Int64s("flag_ids", ids), zap.Bool("enabled", enabled))
	s.broadcaster.Broadcast(ctx, model.FlagsUpdated(ids, enabled))
	return nil
}

// BulkDelete removes every id and then broadcasts one flags-deleted
// carrying the full requested id list.
func (s *FlagService) BulkDelete(ctx context.Context, ids []int64) (err error) {
	defer func() { s.metrics.RecordMutation("bulk_delete", err) }()

	if err := validateIDs(ids); err != nil {
		return err
	}

	err = s.runBulk(ctx, "bulk delete flags", ids, func(ctx context.Context, id int64) error {
		return s.flags.DeleteFlag(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Flags deleted", zap.Int64s("flag_ids", ids))
	s.broadcaster.Broadcast(ctx, model.FlagsDeleted(ids))
	return nil
}

// runBulk applies fn to every id in parallel. Element failures are logged
// and do not stop the others; the batch fails only when every element
// failed.
func (s *FlagService) runBulk(ctx context.Context, op string, ids []int64, fn func(context.Context, int64) error) error {
	if len(ids) == 0 {
		return nil
	}

	errs := make([]error, len(ids))

	var g errgroup.Group
	if s.bulkConcurrency > 0 {
		g.SetLimit(s.bulkConcurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			errs[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			s.logger.Warn("Bulk element failed",
				zap.String("operation", op),
				zap.Int64("flag_id", ids[i]),
				zap.Error(err))
		}
	}

	if failed == len(ids) {
		return apierrors.StoreUnavailable(op, errors.Join(errs...))
	}
	if failed > 0 {
		s.logger.Warn("Bulk operation partially failed",
			zap.String("operation", op),
			zap.Int("failed", failed),
			zap.Int("total", len(ids)))
	}
	return nil
}

// ListFlags returns every flag ordered by ascending id
func (s *FlagService) ListFlags(ctx context.Context) ([]*model.Flag, error) {
	flags, err := s.flags.ListFlags(ctx)
	if err != nil {
		return nil, apierrors.StoreUnavailable("list flags", err)
	}
	return flags, nil
}
