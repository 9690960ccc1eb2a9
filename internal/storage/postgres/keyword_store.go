// Package postgres provides the Postgres-backed keyword record store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "keyword_images"

// Config controls the Postgres connection pool used for keyword rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	RunMigrations   bool
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// KeywordStore persists keyword records, one row per keyword with the two
// URL lists as JSONB arrays. Update serializes writers with SELECT ... FOR UPDATE.
type KeywordStore struct {
	pool  pool
	table string
}

// NewKeywordStore connects to Postgres and optionally applies migrations.
func NewKeywordStore(ctx context.Context, cfg Config, logger *zap.Logger) (*KeywordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := resolveTable(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pgPool.Ping(ctx); err != nil {
		pgPool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.RunMigrations {
		if table != defaultTable {
			logger.Warn("migrations only manage the default table", zap.String("table", table))
		}
		if err := RunMigrations(pgPool, logger); err != nil {
			pgPool.Close()
			return nil, err
		}
	}
	return &KeywordStore{pool: pgPool, table: table}, nil
}

// NewKeywordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewKeywordStoreWithPool(p pool, table string) (*KeywordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	resolved, err := resolveTable(table)
	if err != nil {
		return nil, err
	}
	return &KeywordStore{pool: p, table: resolved}, nil
}

func resolveTable(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *KeywordStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *KeywordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Load returns the keyword's record, inserting an empty row if absent.
func (s *KeywordStore) Load(ctx context.Context, keyword string) (images.Record, error) {
	if keyword == "" {
		return images.Record{}, errors.New("keyword is required")
	}
	if _, err := s.pool.Exec(ctx, s.insertQuery(), keyword); err != nil {
		return images.Record{}, unavailable("create keyword row", err)
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, s.selectQuery(false), keyword))
	if err != nil {
		return images.Record{}, unavailable("load keyword row", err)
	}
	return rec, nil
}

// Save upserts both URL lists in a single statement.
func (s *KeywordStore) Save(ctx context.Context, record images.Record) error {
	if record.Keyword == "" {
		return errors.New("keyword is required")
	}
	unserved, served, err := encodeLists(record)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (keyword, unserved, served)
VALUES ($1, $2, $3)
ON CONFLICT (keyword) DO UPDATE
SET unserved = EXCLUDED.unserved,
	served = EXCLUDED.served,
	updated_at = NOW()`, s.table)
	if _, err := s.pool.Exec(ctx, query, record.Keyword, unserved, served); err != nil {
		return unavailable("save keyword row", err)
	}
	return nil
}

// Update locks the keyword's row for the duration of fn and writes the result
// back in the same transaction.
func (s *KeywordStore) Update(
	ctx context.Context,
	keyword string,
	fn func(*images.Record) error,
) (rec images.Record, err error) {
	if keyword == "" {
		return images.Record{}, errors.New("keyword is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return images.Record{}, unavailable("begin tx", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if _, err = tx.Exec(ctx, s.insertQuery(), keyword); err != nil {
		return images.Record{}, unavailable("create keyword row", err)
	}
	rec, err = scanRecord(tx.QueryRow(ctx, s.selectQuery(true), keyword))
	if err != nil {
		return images.Record{}, unavailable("lock keyword row", err)
	}
	if err = fn(&rec); err != nil {
		return images.Record{}, err
	}
	rec.Keyword = keyword

	unserved, served, err := encodeLists(rec)
	if err != nil {
		return images.Record{}, err
	}
	update := fmt.Sprintf(`
UPDATE %s
SET unserved = $2, served = $3, updated_at = NOW()
WHERE keyword = $1`, s.table)
	if _, err = tx.Exec(ctx, update, keyword, unserved, served); err != nil {
		return images.Record{}, unavailable("update keyword row", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return images.Record{}, unavailable("commit", err)
	}
	return rec, nil
}

func (s *KeywordStore) insertQuery() string {
	return fmt.Sprintf(`
INSERT INTO %s (keyword) VALUES ($1)
ON CONFLICT (keyword) DO NOTHING`, s.table)
}

func (s *KeywordStore) selectQuery(forUpdate bool) string {
	query := fmt.Sprintf(`
SELECT keyword, unserved, served, created_at, updated_at
FROM %s
WHERE keyword = $1`, s.table)
	if forUpdate {
		query += "\nFOR UPDATE"
	}
	return query
}

func scanRecord(row pgx.Row) (images.Record, error) {
	var (
		rec      images.Record
		unserved []byte
		served   []byte
	)
	if err := row.Scan(&rec.Keyword, &unserved, &served, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return images.Record{}, err
	}
	if err := decodeList(unserved, &rec.Unserved); err != nil {
		return images.Record{}, fmt.Errorf("decode unserved: %w", err)
	}
	if err := decodeList(served, &rec.Served); err != nil {
		return images.Record{}, fmt.Errorf("decode served: %w", err)
	}
	return rec, nil
}

func decodeList(raw []byte, dest *[]string) error {
	*dest = []string{}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func encodeLists(rec images.Record) ([]byte, []byte, error) {
	unserved, err := json.Marshal(nonNil(rec.Unserved))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal unserved: %w", err)
	}
	served, err := json.Marshal(nonNil(rec.Served))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal served: %w", err)
	}
	return unserved, served, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, images.ErrStoreUnavailable, err)
}
