package images

import (
	"context"
	"io"
	"time"
)

// Store persists keyword records. Update must give at most one writer per
// keyword at a time; if fn returns an error nothing is persisted.
type Store interface {
	Load(ctx context.Context, keyword string) (Record, error)
	Save(ctx context.Context, record Record) error
	Update(ctx context.Context, keyword string, fn func(*Record) error) (Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Searcher discovers candidate image URLs for a keyword.
type Searcher interface {
	Search(ctx context.Context, keyword string) ([]string, error)
}

// Processor turns a remote image into a hosted one. It never returns an
// error; failures are reported through ProcessResult.Reason.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) ProcessResult
}

// BlobStore writes processed images and returns a storage URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes serve events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests used for stable file names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event IDs.
type IDGenerator interface {
	NewID() (string, error)
}
