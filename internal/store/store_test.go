// ABOUTME: Conformance tests shared by every key/value backend
// ABOUTME: Runs against memory, SQLite and bbolt; MongoDB when PARLEY_TEST_MONGO_URI is set

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns a constructor per Store implementation that can run
// without external services.
func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) Store {
			t.Helper()
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.bolt"))
			require.NoError(t, err)
			return s
		},
	}
}

// forEachBackend runs fn against every local backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, newStore := range backends() {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SetGetOverwrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("one")))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "one", string(got))

		require.NoError(t, s.Set(ctx, "k", []byte("two")))
		got, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})
}

func TestStore_EmptyValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "empty", nil))
		got, err := s.Get(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestStore_Remove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("v")))
		require.NoError(t, s.Remove(ctx, "k"))

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound)

		// Removing again is fine
		assert.NoError(t, s.Remove(ctx, "k"))
	})
}

func TestStore_ListPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, k := range []string{
			"7_messages_b",
			"7_conversations",
			"7_messages_a",
			"70_conversations",
			"8_conversations",
			"user",
		} {
			require.NoError(t, s.Set(ctx, k, []byte("x")))
		}

		keys, err := s.List(ctx, "7_")
		require.NoError(t, err)
		assert.Equal(t, []string{"7_conversations", "7_messages_a", "7_messages_b"}, keys)

		keys, err = s.List(ctx, "9_")
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.NotNil(t, keys)
	})
}

func TestStore_ListTreatsUnderscoreLiterally(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "1_a", []byte("x")))
		require.NoError(t, s.Set(ctx, "1xa", []byte("x")))

		keys, err := s.List(ctx, "1_")
		require.NoError(t, err)
		assert.Equal(t, []string{"1_a"}, keys)
	})
}

func TestStore_GetReturnsCopy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("abc")))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		got[0] = 'z'

		again, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again))
	})
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestNewSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "user", []byte(`{"id":1}`)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(got))
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.bolt")
	ctx := context.Background()

	s, err := NewBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "preferredLanguage", []byte("fr")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "preferredLanguage")
	require.NoError(t, err)
	assert.Equal(t, "fr", string(got))
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("PARLEY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("PARLEY_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	coll := "parley_test_" + time.Now().Format("20060102150405")
	s, err := NewMongoStore(ctx, uri, "parley_test", coll)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.coll.Drop(context.Background())
		s.Close()
	})

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "7_conversations", []byte("[]")))
	require.NoError(t, s.Set(ctx, "7_messages_a", []byte("[]")))
	require.NoError(t, s.Set(ctx, "7_messages_a", []byte(`[{"id":"m"}]`)))
	require.NoError(t, s.Set(ctx, "8_conversations", []byte("[]")))

	got, err := s.Get(ctx, "7_messages_a")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"m"}]`, string(got))

	keys, err := s.List(ctx, "7_")
	require.NoError(t, err)
	assert.Equal(t, []string{"7_conversations", "7_messages_a"}, keys)

	require.NoError(t, s.Remove(ctx, "7_messages_a"))
	_, err = s.Get(ctx, "7_messages_a")
	assert.ErrorIs(t, err, ErrNotFound)
}
