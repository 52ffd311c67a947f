// Package storagetest holds a conformance suite that every
// storage.SecretStore implementation must pass.
package storagetest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/org/ciphershare/internal/storage"
	"github.com/org/ciphershare/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store; it registers its own cleanup on t.
type Factory func(t *testing.T) storage.SecretStore

// Token returns a random, well-formed token for test records.
func Token() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("reading random token: %v", err))
	}
	return hex.EncodeToString(b)
}

// NewSecret builds a live record expiring ttl after now.
func NewSecret(now time.Time, ttl time.Duration) *models.Secret {
	return &models.Secret{
		Token:      Token(),
		Ciphertext: []byte("U2FsdGVkX1+vupppZksvRf5pq5g5XjFRIipRkwB0K1Y="),
		IV:         []byte("5d41402abc4b2a76b9719d911017c592"),
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertGetRoundTrip", func(t *testing.T) { testInsertGet(t, newStore(t)) })
	t.Run("InsertRejectsDuplicate", func(t *testing.T) { testInsertDuplicate(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("CompareAndDelete", func(t *testing.T) { testCompareAndDelete(t, newStore(t)) })
	t.Run("CompareAndDeleteConcurrent", func(t *testing.T) { testCompareAndDeleteConcurrent(t, newStore(t)) })
	t.Run("DeleteExpired", func(t *testing.T) { testDeleteExpired(t, newStore(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func testInsertGet(t *testing.T, st storage.SecretStore) {
	ctx := context.Background()
	s := NewSecret(now(), time.Hour)
	s.PINDigest = make([]byte, models.PINDigestSize)
	s.PINDigest[0] = 0xab
	s.OneTimeView = true
	s.Attachments = []models.Attachment{
		{Ciphertext: []byte("file-one"), IV: []byte("iv-1"), Filename: "test.txt", FileType: "text/plain", FileSize: 1024},
		{Ciphertext: []byte("file-two"), IV: []byte("iv-2"), Filename: "image.jpg", FileType: "image/jpeg", FileSize: 2048},
	}
	require.NoError(t, st.Insert(ctx, s))

	got, err := st.Get(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.Token, got.Token)
	assert.Equal(t, s.Ciphertext, got.Ciphertext)
	assert.Equal(t, s.IV, got.IV)
	assert.Equal(t, s.PINDigest, got.PINDigest)
	assert.Equal(t, s.Attachments, got.Attachments)
	assert.True(t, s.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", got.CreatedAt, s.CreatedAt)
	assert.True(t, s.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", got.ExpiresAt, s.ExpiresAt)
	assert.True(t, got.OneTimeView)
	assert.False(t, got.Viewed)

	plain := NewSecret(now(), time.Minute)
	require.NoError(t, st.Insert(ctx, plain))
	got, err = st.Get(ctx, plain.Token)
	require.NoError(t, err)
	assert.False(t, got.HasPIN())
	assert.Empty(t, got.Attachments)
}

func testInsertDuplicate(t *testing.T, st storage.SecretStore) {
	ctx := context.Background()
	s := NewSecret(now(), time.Hour)
	require.NoError(t, st.Insert(ctx, s))

	dup := NewSecret(now(), time.Minute)
	dup.Token = s.Token
	dup.Ciphertext = []byte("overwrite attempt")
	require.ErrorIs(t, st.Insert(ctx, dup), storage.ErrAlreadyExists)

	got, err := st.Get(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, s.Ciphertext, got.Ciphertext, "duplicate insert must not overwrite")
}

func testGetMissing(t *testing.T, st storage.SecretStore) {
	_, err := st.Get(context.Background(), Token())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testDelete(t *testing.T, st storage.SecretStore) {
	ctx := context.Background()
	s := NewSecret(now(), time.Hour)
	require.NoError(t, st.Insert(ctx, s))

	ok, err := st.Delete(ctx, s.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.Delete(ctx, s.Token)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.Get(ctx, s.Token)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testCompareAndDelete(t *testing.T, st storage.SecretStore) {
	ctx := context.Background()
	s := NewSecret(now(), time.Hour)
	require.NoError(t, st.Insert(ctx, s))

	got, deleted, err := st.CompareAndDelete(ctx, s.Token, func(*models.Secret) bool { return false })
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, s.Ciphertext, got.Ciphertext)

	_, err = st.Get(ctx, s.Token)
	require.NoError(t, err, "record must survive a false predicate")

	got, deleted, err = st.CompareAndDelete(ctx, s.Token, storage.Always)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, s.Ciphertext, got.Ciphertext)

	_, _, err = st.CompareAndDelete(ctx, s.Token, storage.Always)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testCompareAndDeleteConcurrent(t *testing.T, st storage.SecretStore) {
	const callers = 50
	ctx := context.Background()
	s := NewSecret(now(), time.Hour)
	s.OneTimeView = true
	require.NoError(t, st.Insert(ctx, s))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		notFound int
		start    = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, deleted, err := st.CompareAndDelete(ctx, s.Token, func(r *models.Secret) bool { return !r.Viewed })
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && deleted:
				winners++
			case err != nil:
				assert.ErrorIs(t, err, storage.ErrNotFound)
				notFound++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, notFound)
}

func testDeleteExpired(t *testing.T, st storage.SecretStore) {
	ctx := context.Background()
	at := now()

	expired := []*models.Secret{
		NewSecret(at.Add(-2*time.Hour), time.Hour),
		NewSecret(at.Add(-time.Hour), time.Minute),
	}
	boundary := NewSecret(at.Add(-time.Hour), time.Hour) // expires exactly at "at"
	live := NewSecret(at, time.Hour)

	for _, s := range append(expired, boundary, live) {
		require.NoError(t, st.Insert(ctx, s))
	}

	n, err := st.DeleteExpired(ctx, at)
	require.NoError(t, err)
	assert.EqualValues(t, len(expired), n)

	for _, s := range expired {
		_, err := st.Get(ctx, s.Token)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	for _, s := range []*models.Secret{boundary, live} {
		_, err := st.Get(ctx, s.Token)
		assert.NoError(t, err)
	}

	n, err = st.DeleteExpired(ctx, at)
	require.NoError(t, err)
	assert.Zero(t, n)
}
