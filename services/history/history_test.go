package history

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsd/pkg/db"
	"metricsd/services/exports"
	"metricsd/services/query"
)

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{in: -1, want: DefaultLimit},
		{in: 0, want: DefaultLimit},
		{in: 1, want: 1},
		{in: MaxLimit, want: MaxLimit},
		{in: MaxLimit + 1, want: MaxLimit},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampLimit(tt.in))
	}
}

func TestToModel(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	ev := exports.Event{
		ID:          uuid.New(),
		Status:      exports.StatusFailed,
		Step:        exports.StepFetch,
		Error:       "export fetch: access denied",
		Filter:      query.Filter{"type": {"Feature"}},
		ExecutionID: "exec-123",
		At:          at,
	}

	row, err := toModel(ev)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, row.ID)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, "fetch", row.Step)
	assert.Equal(t, "exec-123", row.ExecutionID)
	assert.JSONEq(t, `{"type":["Feature"]}`, string(row.Filter))
	assert.Equal(t, at, row.CreatedAt)

	empty, err := toModel(exports.Event{ID: uuid.New(), Status: exports.StatusPending})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(empty.Filter))
	assert.False(t, empty.CreatedAt.IsZero())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
}

// TestStoreRoundTrip runs against a real database when METRICSD_TEST_DB_DSN is set.
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("METRICSD_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("METRICSD_TEST_DB_DSN not set")
	}
	ctx := context.Background()

	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, db.Migrate(ctx, pool))
	orm, err := db.ORM(pool)
	require.NoError(t, err)

	store, err := New(pool, orm)
	require.NoError(t, err)

	ev := exports.Event{
		ID:        uuid.New(),
		Status:    exports.StatusReady,
		Filter:    query.Filter{"customer_segment__c": {"B2B-Enterprise"}},
		FileID:    uuid.NewString(),
		FileName:  exports.DefaultFileName,
		SizeBytes: 4096,
		At:        time.Now().UTC(),
	}
	require.NoError(t, store.Record(ctx, ev))

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.FileID, got.FileID)
	assert.Equal(t, []string{"B2B-Enterprise"}, got.Filter["customer_segment__c"])

	recent, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, recent)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := store.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))
}
