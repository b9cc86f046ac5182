package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkt.systems/durable/internal/storage"
	"pkt.systems/durable/internal/storage/storagetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "durable.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestStore(t)
	}, storagetest.Options{})
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	first, err := Open(Config{Path: path})
	require.NoError(t, err)
	_, err = first.PutObject(context.Background(), "register.flights", "p/k.json", strings.NewReader(`{"version":1}`), storage.PutObjectOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(Config{Path: path})
	require.NoError(t, err)
	defer second.Close()
	data, _, err := storage.ReadObject(context.Background(), second, "register.flights", "p/k.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1}`, string(data))
}

func TestConcurrentCreateHasOneWinner(t *testing.T) {
	store := openTestStore(t)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.PutObject(context.Background(), "register.airships", "p/k.json", strings.NewReader(`{}`), storage.PutObjectOptions{IfNotExists: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, storage.ErrCASMismatch):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 7, conflict)
}

func TestWrapErrorMarksBusyTransient(t *testing.T) {
	assert.True(t, storage.IsTransient(wrapError(errors.New("database is locked"), "sqlite: put")))
	assert.False(t, storage.IsTransient(wrapError(errors.New("constraint failed"), "sqlite: put")))
	assert.NoError(t, wrapError(nil, "sqlite: put"))
}
