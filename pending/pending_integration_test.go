//go:build integration

package pending

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pybrook/pybrook/broker"
)

func newTestStore(t *testing.T, bucket string) *Store {
	t.Helper()
	testClient := broker.NewTestClient(t, broker.WithKV())
	client := testClient.Client
	ctx := context.Background()

	b, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
	require.NoError(t, err)

	return New(client.NewKVStore(b), ':')
}

func TestStore_Merge_TransitionsEmptyToPartialToReady(t *testing.T) {
	store := newTestStore(t, "test-pending-transitions")
	ctx := context.Background()
	required := []string{"lat", "lon", "speed"}

	entry, err := store.Merge(ctx, "gps_enriched", "vehicle-1:7", "lat", 1.0, required)
	require.NoError(t, err)
	assert.Equal(t, StatePartial, entry.State)

	entry, err = store.Merge(ctx, "gps_enriched", "vehicle-1:7", "lon", -1.0, required)
	require.NoError(t, err)
	assert.Equal(t, StatePartial, entry.State)

	entry, err = store.Merge(ctx, "gps_enriched", "vehicle-1:7", "speed", 42.0, required)
	require.NoError(t, err)
	assert.Equal(t, StateReady, entry.State)
	assert.Equal(t, 1.0, entry.Values["lat"])
}

func TestStore_Get_ReturnsEmptyBeforeFirstMerge(t *testing.T) {
	store := newTestStore(t, "test-pending-empty")
	ctx := context.Background()

	entry, ok, err := store.Get(ctx, "gps_enriched", "vehicle-1:7", []string{"lat"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateEmpty, entry.State)
}

func TestStore_Delete_RemovesEntry(t *testing.T) {
	store := newTestStore(t, "test-pending-delete")
	ctx := context.Background()

	_, err := store.Merge(ctx, "gps_enriched", "vehicle-1:7", "lat", 1.0, []string{"lat"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "gps_enriched", "vehicle-1:7"))

	_, ok, err := store.Get(ctx, "gps_enriched", "vehicle-1:7", []string{"lat"})
	require.NoError(t, err)
	assert.False(t, ok)
}
