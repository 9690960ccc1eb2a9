package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-image-scraper/internal/images"
)

var recordColumns = []string{"keyword", "unserved", "served", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*KeywordStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewKeywordStoreWithPool(mock, "")
	require.NoError(t, err)
	return store, mock
}

func TestLoadCreatesRowIfAbsent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO keyword_images").
		WithArgs("cats").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT keyword, unserved, served").
		WithArgs("cats").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("cats", []byte(`["a","b"]`), []byte(`[]`), now, now))

	rec, err := store.Load(context.Background(), "cats")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, rec.Unserved)
	assert.Equal(t, []string{}, rec.Served)
	assert.Equal(t, now, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadWrapsStoreUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO keyword_images").
		WithArgs("cats").
		WillReturnError(errors.New("connection refused"))

	_, err := store.Load(context.Background(), "cats")
	require.ErrorIs(t, err, images.ErrStoreUnavailable)
	require.ErrorContains(t, err, "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveUpsertsLists(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO keyword_images").
		WithArgs("cats", []byte(`["c"]`), []byte(`["a","b"]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Save(context.Background(), images.Record{
		Keyword:  "cats",
		Unserved: []string{"c"},
		Served:   []string{"a", "b"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveEncodesNilListsAsEmptyArrays(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO keyword_images").
		WithArgs("cats", []byte(`[]`), []byte(`[]`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), images.Record{Keyword: "cats"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLocksRowAndCommits(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyword_images").
		WithArgs("cats").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("cats").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("cats", []byte(`["a","b","c"]`), []byte(`[]`), now, now))
	mock.ExpectExec("UPDATE keyword_images").
		WithArgs("cats", []byte(`["c"]`), []byte(`["a","b"]`)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	rec, err := store.Update(context.Background(), "cats", func(rec *images.Record) error {
		picked, remaining := images.Select(*rec, 2, images.NewSeededSampler(1))
		images.Commit(rec, picked, remaining)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, rec.Unserved)
	assert.Equal(t, []string{"a", "b"}, rec.Served)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRollsBackWhenCallbackFails(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyword_images").
		WithArgs("cats").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("cats").
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow("cats", []byte(`[]`), []byte(`[]`), now, now))
	mock.ExpectRollback()

	_, err := store.Update(context.Background(), "cats", func(*images.Record) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, images.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateBeginFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	_, err := store.Update(context.Background(), "cats", func(*images.Record) error { return nil })
	require.ErrorIs(t, err, images.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store, err := NewKeywordStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorIs(t, store.Ping(context.Background()), images.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewKeywordStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewKeywordStoreWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewKeywordStoreWithPool(mock, "bad-name;")
	require.ErrorContains(t, err, "invalid table name")
}

func TestNewKeywordStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewKeywordStore(context.Background(), Config{}, nil)
	require.ErrorContains(t, err, "db.dsn")
}
