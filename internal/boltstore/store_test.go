package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func storeImplementations(t *testing.T) map[string]func() Store[record] {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	return map[string]func() Store[record]{
		"memory": func() Store[record] { return NewInMemoryStore[record]() },
		"bolt": func() Store[record] {
			s, err := NewBoltStore[record](dbPath, "records")
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			_, err := s.Get(ctx, "missing")
			require.Error(t, err)
			assert.True(t, errdefs.IsNotFound(err))

			require.NoError(t, s.Set(ctx, "a", &record{Name: "a", Count: 1}))
			got, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, &record{Name: "a", Count: 1}, got)

			require.NoError(t, s.Delete(ctx, "a"))
			require.NoError(t, s.Delete(ctx, "a"))
			_, err = s.Get(ctx, "a")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_ScanPrefixOrdered(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			for _, k := range []string{"vm/c", "vm/a", "other/x", "vm/b"} {
				require.NoError(t, s.Set(ctx, k, &record{Name: k}))
			}

			var keys []string
			err := s.Scan(ctx, "vm/", func(key string, v *record) error {
				assert.Equal(t, key, v.Name)
				keys = append(keys, key)
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"vm/a", "vm/b", "vm/c"}, keys)

			stop := errors.New("stop")
			err = s.Scan(ctx, "", func(string, *record) error { return stop })
			assert.ErrorIs(t, err, stop)
		})
	}
}

func TestBoltStore_SharedDatabase(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "shared.db")

	first, err := NewBoltStore[record](dbPath, "one")
	require.NoError(t, err)
	second, err := NewBoltStore[record](dbPath, "two")
	require.NoError(t, err)

	require.NoError(t, first.Set(ctx, "k", &record{Name: "first"}))
	_, err = second.Get(ctx, "k")
	assert.True(t, errdefs.IsNotFound(err), "buckets must be isolated")

	require.NoError(t, first.Close())
	require.NoError(t, second.Set(ctx, "k", &record{Name: "second"}))
	require.NoError(t, second.Close())

	reopened, err := NewBoltStore[record](dbPath, "one")
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)
}
