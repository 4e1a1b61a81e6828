package repo

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/safedeck/safedeck-server/internal/domain/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRepo(t *testing.T) *StreamRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(mr.Addr(), 0, zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return NewStreamRepository(client, zap.NewNop())
}

func record(id int64, sensor, url string) *StreamRecord {
	return &StreamRecord{
		ID:       id,
		SensorID: sensor,
		Source:   stream.Source{URL: url, Title: "cam " + sensor},
	}
}

func TestStreamRepository_roundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	id, err := r.GenerateID(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	rec := record(id, "cam-3", "http://media.local/cam-3/index.m3u8")
	require.NoError(t, r.Set(ctx, rec))

	got, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestStreamRepository_getMissing(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.Get(context.Background(), 99)
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStreamRepository_listAndSources(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, record(1, "cam-1", "http://media.local/cam-1/index.m3u8")))
	require.NoError(t, r.Set(ctx, record(2, "cam-2", "http://media.local/cam-2/index.m3u8")))

	recs, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	srcs, err := r.Sources(ctx)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)
}

func TestStreamRepository_sensorMapping(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, record(1, "cam-3", "http://media.local/cam-3/index.m3u8")))

	assert.Equal(t, "http://media.local/cam-3/index.m3u8", r.DefaultStreamFor(ctx, "cam-3"))
	assert.Empty(t, r.DefaultStreamFor(ctx, "cam-unknown"))
}

func TestStreamRepository_delete(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, record(1, "cam-3", "http://media.local/cam-3/index.m3u8")))
	require.NoError(t, r.Delete(ctx, 1))

	_, err := r.Get(ctx, 1)
	require.ErrorIs(t, err, ErrStreamNotFound)
	assert.Empty(t, r.DefaultStreamFor(ctx, "cam-3"), "mapping goes with the record")

	require.ErrorIs(t, r.Delete(ctx, 1), ErrStreamNotFound)

	recs, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
