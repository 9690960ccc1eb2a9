package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
)

// KeywordStore keeps keyword records in-memory. Writers on the same keyword
// are serialized with a per-keyword mutex; different keywords never contend.
type KeywordStore struct {
	mu      sync.RWMutex
	records map[string]images.Record
	locks   map[string]*sync.Mutex
	clock   images.Clock
	closed  bool
}

// NewKeywordStore constructs a KeywordStore. A nil clock leaves timestamps zero.
func NewKeywordStore(clock images.Clock) *KeywordStore {
	return &KeywordStore{
		records: make(map[string]images.Record),
		locks:   make(map[string]*sync.Mutex),
		clock:   clock,
	}
}

// Load returns the record for keyword, creating an empty one if absent.
func (s *KeywordStore) Load(_ context.Context, keyword string) (images.Record, error) {
	if keyword == "" {
		return images.Record{}, errors.New("keyword is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return images.Record{}, images.ErrStoreUnavailable
	}
	return s.loadLocked(keyword).Clone(), nil
}

// Save replaces the stored record.
func (s *KeywordStore) Save(_ context.Context, record images.Record) error {
	if record.Keyword == "" {
		return errors.New("keyword is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return images.ErrStoreUnavailable
	}
	s.saveLocked(record)
	return nil
}

// Update runs fn on the keyword's record while holding that keyword's lock
// and persists the result if fn succeeds.
func (s *KeywordStore) Update(
	ctx context.Context,
	keyword string,
	fn func(*images.Record) error,
) (images.Record, error) {
	if keyword == "" {
		return images.Record{}, errors.New("keyword is required")
	}
	lock, err := s.keywordLock(keyword)
	if err != nil {
		return images.Record{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.Load(ctx, keyword)
	if err != nil {
		return images.Record{}, err
	}
	if err := fn(&rec); err != nil {
		return images.Record{}, err
	}
	rec.Keyword = keyword
	if err := s.Save(ctx, rec); err != nil {
		return images.Record{}, err
	}
	return rec.Clone(), nil
}

// Ping reports whether the store is open.
func (s *KeywordStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return images.ErrStoreUnavailable
	}
	return nil
}

// Close marks the store unavailable.
func (s *KeywordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *KeywordStore) keywordLock(keyword string) (*sync.Mutex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, images.ErrStoreUnavailable
	}
	lock, ok := s.locks[keyword]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[keyword] = lock
	}
	return lock, nil
}

func (s *KeywordStore) loadLocked(keyword string) images.Record {
	rec, ok := s.records[keyword]
	if ok {
		return rec
	}
	rec = images.Record{Keyword: keyword, Unserved: []string{}, Served: []string{}}
	if s.clock != nil {
		now := s.clock.Now()
		rec.CreatedAt = now
		rec.UpdatedAt = now
	}
	s.records[keyword] = rec
	return rec
}

func (s *KeywordStore) saveLocked(record images.Record) {
	rec := record.Clone()
	if prev, ok := s.records[rec.Keyword]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = prev.CreatedAt
	}
	if s.clock != nil {
		rec.UpdatedAt = s.clock.Now()
	}
	s.records[rec.Keyword] = rec
}
