package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/bixworker/internal/config"
	"github.com/l0p7/bixworker/internal/logging"
	cachemocks "github.com/l0p7/bixworker/internal/mocks/cache"
	"github.com/l0p7/bixworker/internal/runtime/routing"
)

func newMockedWorker(t *testing.T, store *cachemocks.MockStore) *Worker {
	t.Helper()
	network, err := routing.NewNetwork("http://origin.test", time.Second, nil)
	require.NoError(t, err)
	w, err := NewWorker(Options{
		Store:   store,
		Network: network,
		Worker:  config.DefaultConfig().Worker,
		Logger:  logging.Discard(),
	})
	require.NoError(t, err)
	return w
}

func TestWorkerCloseInvokesStore(t *testing.T) {
	store := cachemocks.NewMockStore(t)
	store.EXPECT().
		Close(mock.Anything).
		Return(nil).
		Once()

	w := newMockedWorker(t, store)
	require.NoError(t, w.Close(context.Background()))
	require.NoError(t, w.Close(context.Background()))
}

func TestStatusPropagatesStoreFailure(t *testing.T) {
	store := cachemocks.NewMockStore(t)
	store.EXPECT().
		Names(mock.Anything).
		Return(nil, errors.New("store offline"))
	store.EXPECT().
		Close(mock.Anything).
		Return(nil)

	w := newMockedWorker(t, store)
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	_, err := w.Status(context.Background())
	require.ErrorContains(t, err, "store offline")

	restored, err := w.Restore(context.Background(), config.Script{Version: "v1"})
	require.Error(t, err)
	require.False(t, restored)
}

func TestPurgeContinuesPastDeleteFailure(t *testing.T) {
	store := cachemocks.NewMockStore(t)
	store.EXPECT().
		Names(mock.Anything).
		Return([]string{"v0", "v1", "v2"}, nil)
	store.EXPECT().
		Delete(mock.Anything, "v0").
		Return(errors.New("locked")).
		Once()
	store.EXPECT().
		Delete(mock.Anything, "v1").
		Return(nil).
		Once()
	store.EXPECT().
		Close(mock.Anything).
		Return(nil)

	w := newMockedWorker(t, store)
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	w.purge(context.Background(), "v2")
}
