package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
	"github.com/devrev/flagsync/internal/model"
)

// hsetIfExists writes hash fields only when the hash already exists, so
// updates against a missing flag are no-ops instead of creating a stub.
var hsetIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], unpack(ARGV))
	return 1
end
return 0
`)

// RedisStore implements Store for Redis.
//
// Layout: one hash per flag plus a sorted set index scored by id, one set
// of connection ids, one string per counter and one JSON string per user.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a new Redis store
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreFromClient(client, cfg.KeyPrefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client. Keys are namespaced
// under prefix.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *RedisStore) flagKey(id int64) string {
	return s.key("flag", strconv.FormatInt(id, 10))
}

func (s *RedisStore) flagIndexKey() string {
	return s.key("flags")
}

func (s *RedisStore) connectionsKey() string {
	return s.key("connections")
}

func (s *RedisStore) counterKey(name string) string {
	return s.key("counter", name)
}

func (s *RedisStore) userKey(email string) string {
	return s.key("user", email)
}

func encodeFlag(f *model.Flag) (map[string]interface{}, error) {
	tags, err := json.Marshal(f.Normalize().Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	return map[string]interface{}{
		"id":          f.ID,
		"name":        f.Name,
		"environment": string(f.Environment),
		"enabled":     strconv.FormatBool(f.Enabled),
		"created_at":  f.CreatedAt,
		"modified_at": f.ModifiedAt,
		"tags":        string(tags),
		"description": f.Description,
	}, nil
}

func decodeFlag(fields map[string]string) (*model.Flag, error) {
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid flag id %q: %w", fields["id"], err)
	}
	enabled, _ := strconv.ParseBool(fields["enabled"])

	f := &model.Flag{
		ID:          id,
		Name:        fields["name"],
		Environment: model.Environment(fields["environment"]),
		Enabled:     enabled,
		CreatedAt:   fields["created_at"],
		ModifiedAt:  fields["modified_at"],
		Description: fields["description"],
	}
	if raw := fields["tags"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &f.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags for flag %d: %w", id, err)
		}
	}
	return f.Normalize(), nil
}

// PutFlag writes the flag hash and its index entry in one transaction
func (s *RedisStore) PutFlag(ctx context.Context, flag *model.Flag) error {
	fields, err := encodeFlag(flag)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.flagKey(flag.ID))
		pipe.HSet(ctx, s.flagKey(flag.ID), fields)
		pipe.ZAdd(ctx, s.flagIndexKey(), redis.Z{Score: float64(flag.ID), Member: flag.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put flag %d: %w", flag.ID, err)
	}
	return nil
}

// GetFlag reads one flag hash
func (s *RedisStore) GetFlag(ctx context.Context, id int64) (*model.Flag, error) {
	fields, err := s.client.HGetAll(ctx, s.flagKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeFlag(fields)
}

// ListFlags walks the id index and fetches every hash in one pipeline.
// Index entries whose hash vanished concurrently are skipped.
func (s *RedisStore) ListFlags(ctx context.Context) ([]*model.Flag, error) {
	ids, err := s.client.ZRange(ctx, s.flagIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flag ids: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Flag{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.key("flag", id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}

	flags := make([]*model.Flag, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		f, err := decodeFlag(fields)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, nil
}

func (s *RedisStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	err := hsetIfExists.Run(ctx, s.client, []string{s.flagKey(id)}, "enabled", strconv.FormatBool(enabled)).Err()
	if err != nil {
		return fmt.Errorf("failed to set enabled on flag %d: %w", id, err)
	}
	return nil
}

func (s *RedisStore) UpdateMetadata(ctx context.Context, id int64, patch model.FlagPatch) error {
	args := []interface{}{"name", patch.Name}
	if patch.Description != nil {
		args = append(args, "description", *patch.Description)
	}
	if patch.Tags != nil {
		tags, err := json.Marshal(patch.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags: %w", err)
		}
		args = append(args, "tags", string(tags))
	}
	if patch.ModifiedAt != nil {
		args = append(args, "modified_at", *patch.ModifiedAt)
	}

	if err := hsetIfExists.Run(ctx, s.client, []string{s.flagKey(id)}, args...).Err(); err != nil {
		return fmt.Errorf("failed to update flag %d: %w", id, err)
	}
	return nil
}

func (s *RedisStore) DeleteFlag(ctx context.Context, id int64) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.flagKey(id))
		pipe.ZRem(ctx, s.flagIndexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete flag %d: %w", id, err)
	}
	return nil
}

// Increment uses INCR, which creates the key at zero when absent
func (s *RedisStore) Increment(ctx context.Context, name string) (int64, error) {
	v, err := s.client.Incr(ctx, s.counterKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return v, nil
}

func (s *RedisStore) PutConnection(ctx context.Context, connectionID string) error {
	return s.client.SAdd(ctx, s.connectionsKey(), connectionID).Err()
}

func (s *RedisStore) DeleteConnection(ctx context.Context, connectionID string) error {
	return s.client.SRem(ctx, s.connectionsKey(), connectionID).Err()
}

func (s *RedisStore) ListConnections(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, s.connectionsKey()).Result()
}

// storedUser keeps the password hash, which model.User never serializes
type storedUser struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PasswordHash string `json:"password_hash"`
	CreatedAt    string `json:"created_at"`
}

// CreateUser writes the user with SETNX so concurrent registrations of
// the same email cannot both succeed
func (s *RedisStore) CreateUser(ctx context.Context, user *model.User) error {
	data, err := json.Marshal(storedUser(*user))
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.userKey(user.Email), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if !created {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	data, err := s.client.Get(ctx, s.userKey(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var u storedUser
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	user := model.User(u)
	return &user, nil
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
