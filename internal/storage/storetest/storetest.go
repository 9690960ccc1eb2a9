// Package storetest holds behavior tests shared by every images.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
)

// slowScrape outlasts any fixed lock retry budget a backend might fall back on.
const slowScrape = 2 * time.Second

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) images.Store

// Run exercises the images.Store contract against the store built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("LoadCreatesEmptyRecord", func(t *testing.T) {
		store := newStore(t)
		rec, err := store.Load(context.Background(), "cats")
		require.NoError(t, err)
		assert.Equal(t, "cats", rec.Keyword)
		assert.True(t, rec.IsEmpty())
	})

	t.Run("SaveThenLoadRoundTrip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Load(ctx, "dogs")
		require.NoError(t, err)
		err = store.Save(ctx, images.Record{
			Keyword:  "dogs",
			Unserved: []string{"a", "b"},
			Served:   []string{"c"},
		})
		require.NoError(t, err)

		rec, err := store.Load(ctx, "dogs")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, rec.Unserved)
		assert.Equal(t, []string{"c"}, rec.Served)
	})

	t.Run("UpdateErrorPersistsNothing", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		boom := errors.New("boom")
		_, err := store.Update(ctx, "birds", func(rec *images.Record) error {
			images.MergeScraped(rec, []string{"a"})
			return boom
		})
		require.ErrorIs(t, err, boom)

		rec, err := store.Load(ctx, "birds")
		require.NoError(t, err)
		assert.Empty(t, rec.Unserved)
	})

	t.Run("ConcurrentFirstLoadCreatesOneRecord", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, "foxes", func(rec *images.Record) error {
					if rec.IsEmpty() {
						images.MergeScraped(rec, []string{"only-once"})
					}
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		rec, err := store.Load(ctx, "foxes")
		require.NoError(t, err)
		assert.Equal(t, []string{"only-once"}, rec.Unserved)
	})

	t.Run("ConcurrentServeHandsOutDistinctURLs", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const n = 24
		pool := make([]string, n)
		for i := range pool {
			pool[i] = fmt.Sprintf("https://img.example.com/%d.jpg", i)
		}
		_, err := store.Update(ctx, "owls", func(rec *images.Record) error {
			images.MergeScraped(rec, pool)
			return nil
		})
		require.NoError(t, err)

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			served []string
		)
		sampler := images.NewSeededSampler(9)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var picked []string
				_, err := store.Update(ctx, "owls", func(rec *images.Record) error {
					var remaining []string
					picked, remaining = images.Select(*rec, 1, sampler)
					images.Commit(rec, picked, remaining)
					return nil
				})
				assert.NoError(t, err)
				mu.Lock()
				served = append(served, picked...)
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.ElementsMatch(t, pool, served)
		rec, err := store.Load(ctx, "owls")
		require.NoError(t, err)
		assert.Empty(t, rec.Unserved)
		assert.ElementsMatch(t, pool, rec.Served)
	})

	t.Run("SlowFirstWriterQueuesOthers", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		const n = 3
		scraped := []string{"a", "b", "c"}
		sampler := images.NewSeededSampler(3)

		var (
			wg      sync.WaitGroup
			scrapes atomic.Int32
		)
		picks := make([][]string, n)
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = store.Update(ctx, "hawks", func(rec *images.Record) error {
					if rec.IsEmpty() {
						scrapes.Add(1)
						time.Sleep(slowScrape)
						images.MergeScraped(rec, scraped)
					}
					var remaining []string
					picks[i], remaining = images.Select(*rec, 1, sampler)
					images.Commit(rec, picks[i], remaining)
					return nil
				})
			}()
		}
		wg.Wait()

		var served []string
		for i := 0; i < n; i++ {
			require.NoError(t, errs[i], "writer %d", i)
			served = append(served, picks[i]...)
		}
		assert.Equal(t, int32(1), scrapes.Load())
		assert.ElementsMatch(t, scraped, served)
	})

	t.Run("KeywordsAreIndependent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Update(ctx, "a", func(rec *images.Record) error {
			images.MergeScraped(rec, []string{"x"})
			return nil
		})
		require.NoError(t, err)
		rec, err := store.Load(ctx, "b")
		require.NoError(t, err)
		assert.True(t, rec.IsEmpty())
	})

	t.Run("PingSucceeds", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.Ping(context.Background()))
	})
}
