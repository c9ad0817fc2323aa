package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Storage{
		"fs":     fs,
		"memory": NewMemoryStore(),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutBytes(ctx, "oml/abc", []byte("payload"), "application/json"))
			data, err := s.GetBytes(ctx, "oml/abc")
			require.NoError(t, err)
			assert.Equal(t, []byte("payload"), data)
		})
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetBytes(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAppendOnly(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutBytes(ctx, "receipts/x.env.json", []byte("v1"), ""))

			// Byte-identical re-writes are idempotent.
			assert.NoError(t, s.PutBytes(ctx, "receipts/x.env.json", []byte("v1"), ""))

			err := s.PutBytes(ctx, "receipts/x.env.json", []byte("v2"), "")
			assert.ErrorIs(t, err, ErrConflictingWrite)

			// The original bytes survive the rejected write.
			data, err := s.GetBytes(ctx, "receipts/x.env.json")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), data)
		})
	}
}

func TestListPrefixAndLimit(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutBytes(ctx, "hops/t1/00000000.json", []byte("a"), ""))
			require.NoError(t, s.PutBytes(ctx, "hops/t1/00000001.json", []byte("b"), ""))
			require.NoError(t, s.PutBytes(ctx, "hops/t2/00000000.json", []byte("c"), ""))

			keys, err := s.List(ctx, "hops/t1/", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"hops/t1/00000000.json", "hops/t1/00000001.json"}, keys)

			keys, err = s.List(ctx, "hops/", 2)
			require.NoError(t, err)
			assert.Len(t, keys, 2)
		})
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutBytes(ctx, "maps/a.json", []byte("m"), ""))
			require.NoError(t, s.Delete(ctx, "maps/a.json"))
			_, err := s.GetBytes(ctx, "maps/a.json")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting an absent key is not an error.
			assert.NoError(t, s.Delete(ctx, "maps/a.json"))
		})
	}
}

func TestFSRejectsTraversal(t *testing.T) {
	fs, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, fs.PutBytes(context.Background(), "../escape", []byte("x"), ""))
	_, err = fs.GetBytes(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

// failingStore errors on everything, for exercising the fallback path.
type failingStore struct{}

func (failingStore) PutBytes(context.Context, string, []byte, string) error {
	return errors.New("backend down")
}
func (failingStore) GetBytes(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}
func (failingStore) List(context.Context, string, int) ([]string, error) {
	return nil, errors.New("backend down")
}
func (failingStore) Delete(context.Context, string) error {
	return errors.New("backend down")
}

func TestFallbackUsedOnPrimaryFailure(t *testing.T) {
	ctx := context.Background()
	secondary := NewMemoryStore()
	fb := NewFallbackStore(failingStore{}, secondary)

	var ops []string
	fb.OnFallback = func(op string) { ops = append(ops, op) }

	require.NoError(t, fb.PutBytes(ctx, "oml/k", []byte("v"), ""))
	data, err := fb.GetBytes(ctx, "oml/k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)
	assert.Equal(t, []string{"put", "get"}, ops)
}

func TestFallbackNotUsedForDefinitiveAnswers(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	fb := NewFallbackStore(primary, NewMemoryStore())

	var fellBack bool
	fb.OnFallback = func(string) { fellBack = true }

	// not-found is an answer, not an outage
	_, err := fb.GetBytes(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fb.PutBytes(ctx, "k", []byte("v1"), ""))
	err = fb.PutBytes(ctx, "k", []byte("v2"), "")
	assert.ErrorIs(t, err, ErrConflictingWrite)

	assert.False(t, fellBack)
}

func TestMirrorWriteThroughAndReadFallback(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryStore()
	local := NewMemoryStore()
	m := NewMirrorStore(remote, local)

	require.NoError(t, m.PutBytes(ctx, "receipts/r.env.json", []byte("r"), ""))

	// Both copies exist.
	data, err := remote.GetBytes(ctx, "receipts/r.env.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), data)
	data, err = local.GetBytes(ctx, "receipts/r.env.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), data)

	// When the remote fails, the mirror serves the read.
	broken := NewMirrorStore(failingStore{}, local)
	data, err = broken.GetBytes(ctx, "receipts/r.env.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("r"), data)
}

func TestFromEnvSelectsBackend(t *testing.T) {
	t.Setenv(EnvBackend, "memory")
	t.Setenv(EnvFallback, "")
	s, err := FromEnv(context.Background())
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)

	t.Setenv(EnvBackend, "fs")
	t.Setenv(EnvDataDir, t.TempDir())
	s, err = FromEnv(context.Background())
	require.NoError(t, err)
	_, ok = s.(*FSStore)
	assert.True(t, ok)

	t.Setenv(EnvBackend, "carrier-pigeon")
	_, err = FromEnv(context.Background())
	assert.Error(t, err)
}

func TestFromEnvFallbackWrapper(t *testing.T) {
	t.Setenv(EnvBackend, "memory")
	t.Setenv(EnvFallback, "fs")
	t.Setenv(EnvDataDir, t.TempDir())
	s, err := FromEnv(context.Background())
	require.NoError(t, err)
	_, ok := s.(*FallbackStore)
	assert.True(t, ok)
}
