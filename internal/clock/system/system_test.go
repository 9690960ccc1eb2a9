package system_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-image-scraper/internal/clock/system"
	"github.com/JakeFAU/realtime-image-scraper/internal/images"
	"github.com/JakeFAU/realtime-image-scraper/internal/storage/memory"
)

func TestClockNowIsUTCAtStorePrecision(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := system.New().Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after), "got %v", got)
	assert.Zero(t, got.Nanosecond()%int(system.Precision))
}

func TestClockStampsRecordsThatRoundTrip(t *testing.T) {
	t.Parallel()

	store := memory.NewKeywordStore(system.New())
	rec, err := store.Update(context.Background(), "cats", func(rec *images.Record) error {
		images.MergeScraped(rec, []string{"https://img.example.com/1.jpg"})
		return nil
	})
	require.NoError(t, err)
	require.False(t, rec.UpdatedAt.IsZero())
	assert.False(t, rec.UpdatedAt.Before(rec.CreatedAt))

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded images.Record
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, rec.UpdatedAt.Equal(decoded.UpdatedAt))
	assert.True(t, rec.CreatedAt.Equal(decoded.CreatedAt))
	assert.Equal(t, rec.CreatedAt.String(), decoded.CreatedAt.String(), "no precision lost in encoding")
}
