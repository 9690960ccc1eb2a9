package images

import "errors"

var (
	// ErrStoreUnavailable is returned when the persistence layer cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrScrapeFailed is returned when the search provider yields no usable URLs.
	ErrScrapeFailed = errors.New("scrape failed")
	// ErrInvalidRequest marks a malformed client request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict is returned when a keyword update could not be committed in time.
	ErrConflict = errors.New("concurrent update conflict")
)
