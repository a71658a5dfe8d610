package store

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
)

// New opens the backend selected by cfg.Backend
func New(cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory store; state is lost on restart")
		return NewMemoryStore(logger), nil
	case config.BackendRedis:
		s, err := NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendPostgres:
		s, err := NewPostgresStore(cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
