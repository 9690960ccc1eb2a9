package images

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Record tracks, for one normalized keyword, which image URLs are still
// available and which have already been handed to a client.
type Record struct {
	Keyword   string    `json:"keyword"`
	Unserved  []string  `json:"unserved"`
	Served    []string  `json:"served"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsEmpty reports whether the keyword has never had any URL discovered.
func (r Record) IsEmpty() bool {
	return len(r.Unserved) == 0 && len(r.Served) == 0
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r Record) Clone() Record {
	cp := r
	cp.Unserved = cloneStrings(r.Unserved)
	cp.Served = cloneStrings(r.Served)
	return cp
}

// NormalizeKeyword case-folds and trims a keyword into its partition key.
func NormalizeKeyword(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

var profilePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

// ValidateProfile checks that profile is a hostname, since it becomes both a
// directory name and the host of the public URL.
func ValidateProfile(profile string) error {
	if profile == "" {
		return fmt.Errorf("%w: profile is required", ErrInvalidRequest)
	}
	if len(profile) > 253 || !profilePattern.MatchString(profile) {
		return fmt.Errorf("%w: profile %q must be a hostname", ErrInvalidRequest, profile)
	}
	return nil
}

// FallbackReason documents why an image was served as its original URL.
type FallbackReason string

// Fallback reasons reported by the processor.
const (
	ReasonNone           FallbackReason = ""
	ReasonInvalidURL     FallbackReason = "invalid_url"
	ReasonInvalidProfile FallbackReason = "invalid_profile"
	ReasonDownloadFailed FallbackReason = "download_failed"
	ReasonDecodeFailed   FallbackReason = "decode_failed"
	ReasonEncodeFailed   FallbackReason = "encode_failed"
	ReasonStoreFailed    FallbackReason = "store_failed"
	ReasonCanceled       FallbackReason = "canceled"
)

// ProcessRequest describes one picked URL handed to the processor.
type ProcessRequest struct {
	URL     string
	Keyword string
	Profile string
}

// ProcessResult carries either a hosted URL or the documented fallback.
type ProcessResult struct {
	SourceURL    string         `json:"source_url"`
	FinalURL     string         `json:"final_url"`
	Saved        bool           `json:"saved"`
	Watermarked  bool           `json:"watermarked"`
	Reason       FallbackReason `json:"reason,omitempty"`
	WatermarkErr string         `json:"watermark_error,omitempty"`
	Err          error          `json:"-"`
}

// Fallback builds a result that returns the original URL unchanged.
func Fallback(sourceURL string, reason FallbackReason, err error) ProcessResult {
	return ProcessResult{
		SourceURL: sourceURL,
		FinalURL:  sourceURL,
		Reason:    reason,
		Err:       err,
	}
}

// ServeEvent is published after a request hands out URLs.
type ServeEvent struct {
	ID         string    `json:"id"`
	Keyword    string    `json:"keyword"`
	Profile    string    `json:"profile"`
	Picked     []string  `json:"picked"`
	SavedURLs  []string  `json:"saved_urls"`
	Remaining  int       `json:"remaining"`
	OccurredAt time.Time `json:"occurred_at"`
}

func cloneStrings(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
