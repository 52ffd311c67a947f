package secret_test

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/org/ciphershare/internal/audit"
	"github.com/org/ciphershare/internal/secret"
	"github.com/org/ciphershare/internal/storage"
	"github.com/org/ciphershare/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *captureRecorder) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *captureRecorder) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Action, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Action
	}
	return out
}

// untouchableStore panics on any call.
type untouchableStore struct {
	storage.SecretStore
}

// brokenStore fails every call with a transport error.
type brokenStore struct {
	storage.SecretStore
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:5432: connection refused")

func (brokenStore) Insert(context.Context, *models.Secret) error { return errConnRefused }
func (brokenStore) Get(context.Context, string) (*models.Secret, error) {
	return nil, errConnRefused
}
func (brokenStore) CompareAndDelete(context.Context, string, storage.Predicate) (*models.Secret, bool, error) {
	return nil, false, errConnRefused
}
func (brokenStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, errConnRefused
}

// hangingStore blocks until the call's deadline.
type hangingStore struct {
	storage.SecretStore
}

func (hangingStore) Get(ctx context.Context, _ string) (*models.Secret, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// --- Helpers ---

func newEngine(t *testing.T, opts ...secret.Option) (*secret.Engine, *storage.MemoryBackend, *fakeClock) {
	t.Helper()
	store := storage.NewMemoryBackend()
	clock := newFakeClock()
	opts = append([]secret.Option{secret.WithClock(clock.Now)}, opts...)
	return secret.NewEngine(store, opts...), store, clock
}

func basicRequest() secret.CreateRequest {
	return secret.CreateRequest{
		Ciphertext: []byte("U2FsdGVkX1+abc"),
		IV:         []byte("aabbccddeeff00112233"),
		TTL:        time.Hour,
	}
}

func digest(b byte) []byte {
	d := make([]byte, models.PINDigestSize)
	for i := range d {
		d[i] = b
	}
	return d
}

// --- Create / Inspect ---

func TestCreateThenInspect(t *testing.T) {
	ctx := context.Background()
	for _, minutes := range []int{1, 60, 1440} {
		for _, oneTime := range []bool{false, true} {
			e, _, _ := newEngine(t)
			req := basicRequest()
			req.TTL = time.Duration(minutes) * time.Minute
			req.OneTimeView = oneTime

			s, err := e.Create(ctx, req)
			require.NoError(t, err)
			assert.True(t, secret.ValidToken(s.Token))
			assert.Equal(t, s.CreatedAt.Add(req.TTL), s.ExpiresAt)

			info, err := e.Inspect(ctx, s.Token)
			require.NoError(t, err)
			assert.False(t, info.HasPIN)
			assert.Equal(t, oneTime, info.OneTimeView)
			assert.True(t, info.ExpiresAt.Equal(s.CreatedAt.Add(req.TTL)))
			assert.Empty(t, info.Files)
		}
	}
}

func TestCreateRejectsTTLOutOfRange(t *testing.T) {
	ctx := context.Background()
	calls := 0
	e, store, _ := newEngine(t, secret.WithTokenGenerator(func() (string, error) {
		calls++
		return secret.GenerateToken()
	}))

	for _, ttl := range []time.Duration{0, -time.Minute, 59 * time.Second, 1441 * time.Minute, 25 * time.Hour} {
		req := basicRequest()
		req.TTL = ttl
		_, err := e.Create(ctx, req)
		assert.ErrorIs(t, err, secret.ErrInvalidInput, "ttl %s", ttl)
	}
	assert.Zero(t, calls, "no token may be generated for rejected input")
	assert.Zero(t, store.Len())
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)

	tests := []struct {
		name   string
		mutate func(*secret.CreateRequest)
		want   error
	}{
		{"missing ciphertext", func(r *secret.CreateRequest) { r.Ciphertext = nil }, secret.ErrInvalidInput},
		{"missing iv", func(r *secret.CreateRequest) { r.IV = nil }, secret.ErrInvalidInput},
		{"short pin digest", func(r *secret.CreateRequest) { r.PINDigest = []byte("1234") }, secret.ErrInvalidInput},
		{"negative file size", func(r *secret.CreateRequest) {
			r.Attachments = []models.Attachment{{Ciphertext: []byte("x"), IV: []byte("y"), FileSize: -1}}
		}, secret.ErrInvalidInput},
		{"attachment without iv", func(r *secret.CreateRequest) {
			r.Attachments = []models.Attachment{{Ciphertext: []byte("x"), FileSize: 1}}
		}, secret.ErrInvalidInput},
		{"attachments over limit", func(r *secret.CreateRequest) {
			r.Attachments = []models.Attachment{
				{Ciphertext: []byte("a"), IV: []byte("b"), Filename: "a.bin", FileSize: 6 << 20},
				{Ciphertext: []byte("c"), IV: []byte("d"), Filename: "b.bin", FileSize: 5 << 20},
			}
		}, secret.ErrPayloadTooLarge},
		{"declared sizes overflow int64", func(r *secret.CreateRequest) {
			r.Attachments = []models.Attachment{
				{Ciphertext: []byte("a"), IV: []byte("b"), Filename: "a.bin", FileSize: math.MaxInt64/2 + 1},
				{Ciphertext: []byte("c"), IV: []byte("d"), Filename: "b.bin", FileSize: math.MaxInt64/2 + 1},
			}
		}, secret.ErrPayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := basicRequest()
			tt.mutate(&req)
			_, err := e.Create(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, store.Len())
}

func TestCreateWithAttachments(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	req := basicRequest()
	req.Attachments = []models.Attachment{
		{Ciphertext: []byte("enc-1"), IV: []byte("iv-1"), Filename: "test.txt", FileType: "text/plain", FileSize: 1024},
		{Ciphertext: []byte("enc-2"), IV: []byte("iv-2"), Filename: "image.jpg", FileType: "image/jpeg", FileSize: 2048},
	}

	s, err := e.Create(ctx, req)
	require.NoError(t, err)

	info, err := e.Inspect(ctx, s.Token)
	require.NoError(t, err)
	assert.Equal(t, []models.FileInfo{
		{Filename: "test.txt", FileType: "text/plain", FileSize: 1024},
		{Filename: "image.jpg", FileType: "image/jpeg", FileSize: 2048},
	}, info.Files)

	got, err := e.View(ctx, s.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, req.Attachments, got.Attachments)
}

func TestCreateRegeneratesTokenOnCollision(t *testing.T) {
	ctx := context.Background()
	taken, _ := secret.GenerateToken()
	fresh, _ := secret.GenerateToken()

	queue := []string{taken, fresh}
	e, store, _ := newEngine(t, secret.WithTokenGenerator(func() (string, error) {
		tok := queue[0]
		queue = queue[1:]
		return tok, nil
	}))
	require.NoError(t, store.Insert(ctx, &models.Secret{Token: taken, Ciphertext: []byte("first"), IV: []byte("iv"), ExpiresAt: time.Now().Add(time.Hour)}))

	s, err := e.Create(ctx, basicRequest())
	require.NoError(t, err)
	assert.Equal(t, fresh, s.Token)

	orig, err := store.Get(ctx, taken)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), orig.Ciphertext, "collision must never overwrite")
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	ctx := context.Background()
	taken, _ := secret.GenerateToken()
	e, store, _ := newEngine(t, secret.WithTokenGenerator(func() (string, error) { return taken, nil }))
	require.NoError(t, store.Insert(ctx, &models.Secret{Token: taken, Ciphertext: []byte("first"), IV: []byte("iv")}))

	_, err := e.Create(ctx, basicRequest())
	assert.ErrorIs(t, err, secret.ErrUnavailable)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
	assert.Equal(t, 1, store.Len())
}

// --- View ---

func TestOneTimeViewExample(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newEngine(t)

	s, err := e.Create(ctx, secret.CreateRequest{
		Ciphertext:  []byte("AB=="),
		IV:          []byte("12"),
		TTL:         60 * time.Minute,
		OneTimeView: true,
	})
	require.NoError(t, err)

	info, err := e.Inspect(ctx, s.Token)
	require.NoError(t, err)
	assert.False(t, info.HasPIN)
	assert.True(t, info.OneTimeView)
	assert.Equal(t, clock.Now().Add(60*time.Minute), info.ExpiresAt)

	got, err := e.View(ctx, s.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("AB=="), got.Ciphertext)
	assert.Equal(t, []byte("12"), got.IV)
	assert.True(t, got.OneTimeView)
	assert.False(t, got.HasPIN())

	_, err = e.View(ctx, s.Token, nil)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	_, err = e.Inspect(ctx, s.Token)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestPersistentViewIsRepeatable(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	s, err := e.Create(ctx, basicRequest())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		got, err := e.View(ctx, s.Token, nil)
		require.NoError(t, err)
		assert.Equal(t, s.Ciphertext, got.Ciphertext)
	}
}

func TestInspectDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	req := basicRequest()
	req.OneTimeView = true
	s, err := e.Create(ctx, req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Inspect(ctx, s.Token)
		require.NoError(t, err)
	}
	_, err = e.View(ctx, s.Token, nil)
	require.NoError(t, err)
}

func TestViewRoundTripIsByteIdentical(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)

	ct := make([]byte, 4096)
	iv := make([]byte, 12)
	rand.Read(ct) //nolint:errcheck
	rand.Read(iv) //nolint:errcheck

	s, err := e.Create(ctx, secret.CreateRequest{Ciphertext: ct, IV: iv, TTL: time.Minute})
	require.NoError(t, err)

	got, err := e.View(ctx, s.Token, nil)
	require.NoError(t, err)
	assert.Equal(t, ct, got.Ciphertext)
	assert.Equal(t, iv, got.IV)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newEngine(t)
	req := basicRequest()
	req.TTL = time.Minute
	s, err := e.Create(ctx, req)
	require.NoError(t, err)

	// Equality is not expired.
	clock.Advance(time.Minute)
	_, err = e.View(ctx, s.Token, nil)
	require.NoError(t, err)

	clock.Advance(time.Microsecond)
	_, err = e.View(ctx, s.Token, nil)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	assert.Zero(t, store.Len(), "expired record must be purged on read")

	_, err = e.Inspect(ctx, s.Token)
	assert.ErrorIs(t, err, secret.ErrNotFound)
}

func TestInspectPurgesExpired(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newEngine(t)
	s, err := e.Create(ctx, basicRequest())
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = e.Inspect(ctx, s.Token)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestViewedOneTimeRecordIsPurged(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)
	req := basicRequest()
	req.OneTimeView = true
	s, err := e.Create(ctx, req)
	require.NoError(t, err)
	_, err = store.Delete(ctx, s.Token)
	require.NoError(t, err)
	s.Viewed = true
	require.NoError(t, store.Insert(ctx, s))

	_, err = e.Inspect(ctx, s.Token)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	assert.Zero(t, store.Len())
}

func TestPINGate(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newEngine(t)
	req := basicRequest()
	req.PINDigest = digest(0x42)
	req.OneTimeView = true
	s, err := e.Create(ctx, req)
	require.NoError(t, err)

	info, err := e.Inspect(ctx, s.Token)
	require.NoError(t, err)
	assert.True(t, info.HasPIN)

	_, err = e.View(ctx, s.Token, nil)
	assert.ErrorIs(t, err, secret.ErrPINRequired)

	_, err = e.View(ctx, s.Token, digest(0x41))
	assert.ErrorIs(t, err, secret.ErrPINInvalid)

	_, err = e.View(ctx, s.Token, []byte("short"))
	assert.ErrorIs(t, err, secret.ErrPINInvalid)

	stored, err := store.Get(ctx, s.Token)
	require.NoError(t, err, "denials must not delete the record")
	assert.False(t, stored.Viewed, "denials must not consume the record")

	got, err := e.View(ctx, s.Token, digest(0x42))
	require.NoError(t, err)
	assert.Equal(t, req.Ciphertext, got.Ciphertext)
	assert.True(t, got.HasPIN())
}

func TestConcurrentOneTimeView(t *testing.T) {
	stores := map[string]func(t *testing.T) storage.SecretStore{
		"memory": func(t *testing.T) storage.SecretStore { return storage.NewMemoryBackend() },
		"redis": func(t *testing.T) storage.SecretStore {
			mr := miniredis.RunT(t)
			b := storage.NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "ct:")
			t.Cleanup(func() { b.Close() })
			return b
		},
	}
	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			const viewers = 50
			ctx := context.Background()
			e := secret.NewEngine(newStore(t))
			req := basicRequest()
			req.OneTimeView = true
			s, err := e.Create(ctx, req)
			require.NoError(t, err)

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				notFound  int
				start     = make(chan struct{})
			)
			for i := 0; i < viewers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					got, err := e.View(ctx, s.Token, nil)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						assert.Equal(t, req.Ciphertext, got.Ciphertext)
						successes++
					case errors.Is(err, secret.ErrNotFound):
						notFound++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, viewers-1, notFound)
		})
	}
}

// --- Delete / Cleanup ---

func TestDelete(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t)
	s, err := e.Create(ctx, basicRequest())
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, s.Token))

	_, err = e.View(ctx, s.Token, nil)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	_, err = e.Inspect(ctx, s.Token)
	assert.ErrorIs(t, err, secret.ErrNotFound)
	assert.ErrorIs(t, e.Delete(ctx, s.Token), secret.ErrNotFound)
}

func TestDeleteExpiredReportsNotFound(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newEngine(t)
	s, err := e.Create(ctx, basicRequest())
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, e.Delete(ctx, s.Token), secret.ErrNotFound)
	assert.Zero(t, store.Len(), "terminal record is still removed")
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newEngine(t)

	var short []string
	for i := 0; i < 3; i++ {
		req := basicRequest()
		req.TTL = time.Minute
		s, err := e.Create(ctx, req)
		require.NoError(t, err)
		short = append(short, s.Token)
	}
	long, err := e.Create(ctx, basicRequest())
	require.NoError(t, err)

	n, err := e.Cleanup(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = e.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Equal(t, 1, store.Len())

	for _, tok := range short {
		_, err := e.Inspect(ctx, tok)
		assert.ErrorIs(t, err, secret.ErrNotFound)
	}
	_, err = e.Inspect(ctx, long.Token)
	assert.NoError(t, err)
}

func TestRunSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e, store, clock := newEngine(t)
	req := basicRequest()
	req.TTL = time.Minute
	_, err := e.Create(context.Background(), req)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	done := make(chan struct{})
	go func() {
		e.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

// --- Input shape and store failures ---

func TestMalformedTokenNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	e := secret.NewEngine(untouchableStore{})

	good, _ := secret.GenerateToken()
	for _, tok := range []string{"", "abc", strings.ToUpper(good), good[:63] + "g", good + "0", "../" + good[3:]} {
		_, err := e.Inspect(ctx, tok)
		assert.ErrorIs(t, err, secret.ErrInvalidInput, "inspect %q", tok)
		_, err = e.View(ctx, tok, nil)
		assert.ErrorIs(t, err, secret.ErrInvalidInput, "view %q", tok)
		assert.ErrorIs(t, e.Delete(ctx, tok), secret.ErrInvalidInput, "delete %q", tok)
	}
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	ctx := context.Background()
	e := secret.NewEngine(brokenStore{})
	tok, _ := secret.GenerateToken()

	_, err := e.Create(ctx, basicRequest())
	assert.ErrorIs(t, err, secret.ErrUnavailable)
	_, err = e.Inspect(ctx, tok)
	assert.ErrorIs(t, err, secret.ErrUnavailable)
	_, err = e.View(ctx, tok, nil)
	assert.ErrorIs(t, err, secret.ErrUnavailable)
	assert.ErrorIs(t, e.Delete(ctx, tok), secret.ErrUnavailable)
	_, err = e.Cleanup(ctx)
	assert.ErrorIs(t, err, secret.ErrUnavailable)
}

func TestStoreCallsAreBounded(t *testing.T) {
	limits := secret.DefaultLimits()
	limits.StoreTimeout = 20 * time.Millisecond
	e := secret.NewEngine(hangingStore{}, secret.WithLimits(limits))
	tok, _ := secret.GenerateToken()

	start := time.Now()
	_, err := e.Inspect(context.Background(), tok)
	assert.ErrorIs(t, err, secret.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	rec := &captureRecorder{}
	e, _, _ := newEngine(t, secret.WithRecorder(rec))

	req := basicRequest()
	req.OneTimeView = true
	req.PINDigest = digest(7)
	s, err := e.Create(ctx, req)
	require.NoError(t, err)
	_, _ = e.Inspect(ctx, s.Token)
	_, _ = e.View(ctx, s.Token, digest(8))
	_, _ = e.View(ctx, s.Token, digest(7))

	assert.Equal(t, []audit.Action{
		audit.ActionCreate,
		audit.ActionInspect,
		audit.ActionDeny,
		audit.ActionConsume,
	}, rec.actions())
	assert.Equal(t, audit.ReasonPINInvalid, rec.events[2].Reason)
}
