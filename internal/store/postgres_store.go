package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/devrev/flagsync/internal/config"
	"github.com/devrev/flagsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS flags (
	id          BIGINT PRIMARY KEY,
	name        TEXT NOT NULL,
	environment TEXT NOT NULL,
	enabled     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TEXT NOT NULL,
	modified_at TEXT NOT NULL DEFAULT '',
	tags        TEXT[] NOT NULL DEFAULT '{}',
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS counters (
	name          TEXT PRIMARY KEY,
	current_value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	connection_id TEXT PRIMARY KEY,
	connected_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS users (
	email         TEXT PRIMARY KEY,
	first_name    TEXT NOT NULL,
	last_name     TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at    TEXT NOT NULL
);
`

// PostgresStore implements Store for PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store and applies the schema
func NewPostgresStore(cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStoreFromPool(pool, logger)
	if err := s.Migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool wraps an existing pool
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// PutFlag upserts the full record
func (s *PostgresStore) PutFlag(ctx context.Context, flag *model.Flag) error {
	query := `
		INSERT INTO flags (id, name, environment, enabled, created_at, modified_at, tags, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			environment = EXCLUDED.environment,
			enabled = EXCLUDED.enabled,
			created_at = EXCLUDED.created_at,
			modified_at = EXCLUDED.modified_at,
			tags = EXCLUDED.tags,
			description = EXCLUDED.description
	`

	f := flag.Clone().Normalize()
	_, err := s.pool.Exec(ctx, query,
		f.ID,
		f.Name,
		string(f.Environment),
		f.Enabled,
		f.CreatedAt,
		f.ModifiedAt,
		f.Tags,
		f.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to put flag %d: %w", f.ID, err)
	}
	return nil
}

const selectFlag = `SELECT id, name, environment, enabled, created_at, modified_at, tags, description FROM flags`

func scanFlag(row pgx.Row) (*model.Flag, error) {
	var f model.Flag
	var env string
	if err := row.Scan(&f.ID, &f.Name, &env, &f.Enabled, &f.CreatedAt, &f.ModifiedAt, &f.Tags, &f.Description); err != nil {
		return nil, err
	}
	f.Environment = model.Environment(env)
	return f.Normalize(), nil
}

// GetFlag retrieves one flag
func (s *PostgresStore) GetFlag(ctx context.Context, id int64) (*model.Flag, error) {
	f, err := scanFlag(s.pool.QueryRow(ctx, selectFlag+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %d: %w", id, err)
	}
	return f, nil
}

// ListFlags retrieves all flags ordered by id
func (s *PostgresStore) ListFlags(ctx context.Context) ([]*model.Flag, error) {
	rows, err := s.pool.Query(ctx, selectFlag+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]*model.Flag, 0)
	for rows.Next() {
		f, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}

	return flags, rows.Err()
}

func (s *PostgresStore) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if _, err := s.pool.Exec(ctx, `UPDATE flags SET enabled = $2 WHERE id = $1`, id, enabled); err != nil {
		return fmt.Errorf("failed to set enabled on flag %d: %w", id, err)
	}
	return nil
}

// UpdateMetadata always writes name; NULL optional parameters keep the
// current column value
func (s *PostgresStore) UpdateMetadata(ctx context.Context, id int64, patch model.FlagPatch) error {
	query := `
		UPDATE flags
		SET name = $2,
			description = COALESCE($3::text, description),
			tags = COALESCE($4::text[], tags),
			modified_at = COALESCE($5::text, modified_at)
		WHERE id = $1
	`

	_, err := s.pool.Exec(ctx, query, id, patch.Name, patch.Description, patch.Tags, patch.ModifiedAt)
	if err != nil {
		return fmt.Errorf("failed to update flag %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteFlag(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM flags WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete flag %d: %w", id, err)
	}
	return nil
}

// Increment upserts the counter row and returns the incremented value
func (s *PostgresStore) Increment(ctx context.Context, name string) (int64, error) {
	query := `
		INSERT INTO counters (name, current_value)
		VALUES ($1, 1)
		ON CONFLICT (name) DO UPDATE SET current_value = counters.current_value + 1
		RETURNING current_value
	`

	var v int64
	if err := s.pool.QueryRow(ctx, query, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return v, nil
}

func (s *PostgresStore) PutConnection(ctx context.Context, connectionID string) error {
	query := `INSERT INTO connections (connection_id) VALUES ($1) ON CONFLICT (connection_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query, connectionID)
	return err
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE connection_id = $1`, connectionID)
	return err
}

func (s *PostgresStore) ListConnections(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT connection_id FROM connections`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// CreateUser inserts the user; an existing email yields ErrAlreadyExists
func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (email, first_name, last_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING
	`

	result, err := s.pool.Exec(ctx, query,
		user.Email,
		user.FirstName,
		user.LastName,
		user.PasswordHash,
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrAlreadyExists
	}

	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, email string) (*model.User, error) {
	query := `
		SELECT email, first_name, last_name, password_hash, created_at
		FROM users
		WHERE email = $1
	`

	var u model.User
	err := s.pool.QueryRow(ctx, query, email).Scan(&u.Email, &u.FirstName, &u.LastName, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return &u, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
