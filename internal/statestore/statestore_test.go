package statestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jessegoodier/kftray-go/internal/model"
)

func TestMemStoreUpdateUpsertsSingleRowPerConfig(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, 7, true))
	require.NoError(t, s.Update(ctx, 7, false))

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].ConfigID)
	assert.False(t, rows[0].IsRunning)
	assert.False(t, s.IsRunning(7))
}

type failingStore struct{}

func (failingStore) Update(context.Context, int64, bool) error { return errors.New("boom") }
func (failingStore) List(context.Context) ([]model.ConfigState, error) { return nil, nil }

func TestReconcileNeverPanicsOnError(t *testing.T) {
	assert.NotPanics(t, func() {
		Reconcile(context.Background(), failingStore{}, 1, true)
	})
}
