package tempstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, Key("raw-invoice", "run-1"), "raw-invoice", []byte("<Invoice/>"), time.Minute))

	b, err := s.Get(ctx, Key("raw-invoice", "run-1"))
	require.NoError(t, err)
	require.Equal(t, "<Invoice/>", string(b))
}

func TestMemoryStore_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DefaultTTLAppliedWhenZero(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "raw-invoice", []byte("x"), 0))

	meta, err := s.GetMetadata(ctx, "k")
	require.NoError(t, err)
	require.WithinDuration(t, meta.StoredAt.Add(DefaultTTL), meta.ExpiresAt, time.Second)
}

func TestMemoryStore_ExpiredEntryIsInvisible(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "raw-invoice", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	require.False(t, s.Has(ctx, "k"))
	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ExtendTtl(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "raw-invoice", []byte("x"), 10*time.Millisecond))
	require.NoError(t, s.ExtendTtl(ctx, "k", 50*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	require.True(t, s.Has(ctx, "k"))
}

func TestMemoryStore_SecureDeleteZeroesBackingBytes(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "raw-invoice", []byte("sensitive"), time.Minute))

	s.mu.RLock()
	e := s.entries["k"]
	s.mu.RUnlock()

	require.NoError(t, s.SecureDelete(ctx, "k"))
	for _, b := range e.value {
		require.Equal(t, byte(0), b)
	}
	require.False(t, s.Has(ctx, "k"))
}

func TestVerifyZeroed_AcceptsAllZeroBuffer(t *testing.T) {
	require.NoError(t, verifyZeroed(make([]byte, 32)))
}

func TestVerifyZeroed_RejectsNonZeroBuffer(t *testing.T) {
	b := make([]byte, 32)
	b[17] = 1
	require.Error(t, verifyZeroed(b))
}

func TestMemoryStore_CleanupRemovesOnlyExpired(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "expired", "raw-invoice", []byte("x"), time.Millisecond))
	require.NoError(t, s.Set(ctx, "fresh", "raw-invoice", []byte("y"), time.Minute))
	time.Sleep(5 * time.Millisecond)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, s.Has(ctx, "fresh"))
}

func TestMemoryStore_Stats(t *testing.T) {
	s := NewMemoryStore(0)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", "raw-invoice", []byte("12345"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", "raw-invoice", []byte("67"), time.Minute))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.EntryCount)
	require.Equal(t, int64(7), st.TotalBytes)
}

func TestKey_Namespacing(t *testing.T) {
	require.Equal(t, "raw-invoice:run-42", Key("raw-invoice", "run-42"))
}
