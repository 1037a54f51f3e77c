package credentials_test

import (
	"context"
	"os"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/store-fulfillment/internal/credentials"
)

func exerciseStore(t *testing.T, store credentials.Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, credentials.ErrNoSession)

	want := credentials.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		Manager:      credentials.Manager{ID: "m1", Name: "Sam", StoreID: "s1"},
	}
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.AccessToken = "rotated"
	require.NoError(t, store.Save(ctx, want))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.AccessToken)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, credentials.ErrNoSession)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, credentials.NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	rdb := credentials.NewRedisClient(addr)
	defer rdb.Close()

	exerciseStore(t, credentials.NewRedisStore(rdb, "test-"+uuid.Must(uuid.NewV4()).String()))
}
