// Package redis provides a Redis-backed keyword record store. Records are
// stored as JSON documents; writers on one keyword are serialized with a
// redsync mutex and the write is fenced with WATCH so an expired lock cannot
// silently clobber a newer record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
)

// Config controls key layout and locking.
type Config struct {
	KeyPrefix  string
	LockExpiry time.Duration
	// LockWait caps how long Update queues behind another writer. Zero waits
	// until the caller's context is done.
	LockWait       time.Duration
	LockRetryDelay time.Duration
}

const (
	defaultPrefix         = "images"
	defaultLockExpiry     = 30 * time.Second
	defaultLockRetryDelay = 25 * time.Millisecond
)

// KeywordStore implements images.Store on Redis.
type KeywordStore struct {
	client goredis.UniversalClient
	rs     *redsync.Redsync
	cfg    Config
	clock  images.Clock
}

// NewKeywordStore wraps an existing client. A nil clock uses time.Now.
func NewKeywordStore(client goredis.UniversalClient, cfg Config, clock images.Clock) (*KeywordStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = defaultPrefix
	}
	if cfg.LockExpiry <= 0 {
		cfg.LockExpiry = defaultLockExpiry
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = defaultLockRetryDelay
	}
	return &KeywordStore{
		client: client,
		rs:     redsync.New(redsyncredis.NewPool(client)),
		cfg:    cfg,
		clock:  clock,
	}, nil
}

func (s *KeywordStore) recordKey(keyword string) string {
	return s.cfg.KeyPrefix + ":keyword:" + keyword
}

func (s *KeywordStore) lockKey(keyword string) string {
	return s.cfg.KeyPrefix + ":lock:" + keyword
}

func (s *KeywordStore) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

// Load returns the record, creating it with SETNX if absent.
func (s *KeywordStore) Load(ctx context.Context, keyword string) (images.Record, error) {
	if keyword == "" {
		return images.Record{}, errors.New("keyword is required")
	}
	key := s.recordKey(keyword)
	empty, err := s.encode(s.emptyRecord(keyword))
	if err != nil {
		return images.Record{}, err
	}
	if err := s.client.SetNX(ctx, key, empty, 0).Err(); err != nil {
		return images.Record{}, unavailable("create record", err)
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		return images.Record{}, unavailable("load record", err)
	}
	return decode(keyword, raw)
}

// Save overwrites the record.
func (s *KeywordStore) Save(ctx context.Context, record images.Record) error {
	if record.Keyword == "" {
		return errors.New("keyword is required")
	}
	record.UpdatedAt = s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = record.UpdatedAt
	}
	data, err := s.encode(record)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.recordKey(record.Keyword), data, 0).Err(); err != nil {
		return unavailable("save record", err)
	}
	return nil
}

// Update holds the keyword's distributed lock while fn runs and commits the
// result with a WATCH-guarded transaction.
func (s *KeywordStore) Update(
	ctx context.Context,
	keyword string,
	fn func(*images.Record) error,
) (images.Record, error) {
	if keyword == "" {
		return images.Record{}, errors.New("keyword is required")
	}
	mutex, err := s.lock(ctx, keyword)
	if err != nil {
		return images.Record{}, err
	}
	defer func() {
		// a fresh context so a canceled request still releases the lock
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(unlockCtx)
	}()

	key := s.recordKey(keyword)
	var result images.Record
	txf := func(tx *goredis.Tx) error {
		rec := s.emptyRecord(keyword)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return unavailable("load record", err)
		default:
			if rec, err = decode(keyword, raw); err != nil {
				return err
			}
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Keyword = keyword
		rec.UpdatedAt = s.now()
		data, err := s.encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = rec
		return nil
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, goredis.TxFailedErr):
		return images.Record{}, fmt.Errorf("commit record %q: %w", keyword, images.ErrConflict)
	case errors.Is(err, images.ErrStoreUnavailable):
		return images.Record{}, err
	default:
		var redisErr goredis.Error
		if errors.As(err, &redisErr) || isConnErr(err) {
			return images.Record{}, unavailable("commit record", err)
		}
		return images.Record{}, err
	}
}

// lock takes the keyword mutex, queueing behind the current holder. Only a
// failing Redis node is reported as unavailable; running out of wait time is
// a conflict, or the context error when the caller gave up.
func (s *KeywordStore) lock(ctx context.Context, keyword string) (*redsync.Mutex, error) {
	mutex := s.rs.NewMutex(
		s.lockKey(keyword),
		redsync.WithExpiry(s.cfg.LockExpiry),
		redsync.WithTries(1),
	)
	waitCtx := ctx
	if s.cfg.LockWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.LockWait)
		defer cancel()
	}

	timer := time.NewTimer(s.cfg.LockRetryDelay)
	defer timer.Stop()
	for {
		err := mutex.TryLockContext(waitCtx)
		if err == nil {
			return mutex, nil
		}
		if waitCtx.Err() != nil {
			return nil, lockWaitExpired(ctx, keyword)
		}
		if !isLockContention(err) {
			return nil, unavailable("acquire keyword lock", err)
		}

		timer.Reset(s.cfg.LockRetryDelay)
		select {
		case <-waitCtx.Done():
			return nil, lockWaitExpired(ctx, keyword)
		case <-timer.C:
		}
	}
}

func lockWaitExpired(ctx context.Context, keyword string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("wait for keyword lock %q: %w", keyword, err)
	}
	return fmt.Errorf("wait for keyword lock %q: %w", keyword, images.ErrConflict)
}

// isLockContention reports whether a lock attempt failed because another
// writer holds the keyword, as opposed to a node error.
func isLockContention(err error) bool {
	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken
	return errors.As(err, &taken) || errors.As(err, &nodeTaken) || errors.Is(err, redsync.ErrFailed)
}

// Ping checks connectivity.
func (s *KeywordStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close closes the client.
func (s *KeywordStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func (s *KeywordStore) emptyRecord(keyword string) images.Record {
	now := s.now()
	return images.Record{
		Keyword:   keyword,
		Unserved:  []string{},
		Served:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *KeywordStore) encode(rec images.Record) ([]byte, error) {
	if rec.Unserved == nil {
		rec.Unserved = []string{}
	}
	if rec.Served == nil {
		rec.Served = []string{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

func decode(keyword string, raw []byte) (images.Record, error) {
	var rec images.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return images.Record{}, fmt.Errorf("decode record %q: %w", keyword, err)
	}
	rec.Keyword = keyword
	if rec.Unserved == nil {
		rec.Unserved = []string{}
	}
	if rec.Served == nil {
		rec.Served = []string{}
	}
	return rec, nil
}

func isConnErr(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) || errors.Is(err, goredis.ErrClosed)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, images.ErrStoreUnavailable, err)
}
