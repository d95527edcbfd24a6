package db

import (
	"context"
	"errors"
	"testing"
	"time"

	dbconf "github.com/amirphl/swing-trader/internal/db/conf"
	"github.com/amirphl/swing-trader/internal/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStorage(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	defer cleanup()

	store, err := New(*cfg)
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(context.Background()))

	runStorageSuite(t, store)
}

func TestPostgresInTransaction(t *testing.T) {
	cfg, cleanup := dbconf.NewTestConfig(t)
	require.NotNil(t, cfg)
	defer cleanup()

	store, err := New(*cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	var _ Transactor = store

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	event := journal.Event{Time: base, Type: "tx_test", Description: "opened"}

	boom := errors.New("abort")
	err = store.InTransaction(ctx, func(ctx context.Context) error {
		require.NotNil(t, GetTransaction(ctx))
		require.NoError(t, store.Save(ctx, KindBalance, []byte(`{"total":"5"}`)))
		require.NoError(t, store.LogEvent(ctx, event))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = store.Load(ctx, KindBalance)
	require.ErrorIs(t, err, ErrNotFound)
	events, err := store.GetEvents(ctx, "tx_test", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, store.InTransaction(ctx, func(ctx context.Context) error {
		if err := store.Save(ctx, KindBalance, []byte(`{"total":"7"}`)); err != nil {
			return err
		}
		return store.LogEvent(ctx, event)
	}))
	got, err := store.Load(ctx, KindBalance)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":"7"}`, string(got))
	events, err = store.GetEvents(ctx, "tx_test", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
