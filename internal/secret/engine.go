package secret

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/ciphershare/internal/audit"
	"github.com/org/ciphershare/internal/crypto"
	"github.com/org/ciphershare/internal/storage"
	"github.com/org/ciphershare/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxTokenAttempts bounds regeneration after a token collision.
const maxTokenAttempts = 3

// Limits bounds what Create accepts and how long a store call may take.
type Limits struct {
	MinTTL             time.Duration
	MaxTTL             time.Duration
	MaxAttachmentBytes int64
	StoreTimeout       time.Duration
}

// DefaultLimits returns the service defaults: TTL in [1m, 24h], 10 MiB of
// attachments and a 5s store deadline.
func DefaultLimits() Limits {
	return Limits{
		MinTTL:             time.Minute,
		MaxTTL:             24 * time.Hour,
		MaxAttachmentBytes: 10 << 20,
		StoreTimeout:       5 * time.Second,
	}
}

// Engine enforces the secret lifecycle on top of a SecretStore. It keeps no
// mutable state of its own, so any number of engines may share one store.
type Engine struct {
	store    storage.SecretStore
	limits   Limits
	clock    func() time.Time
	newToken func() (string, error)
	recorder audit.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(e *Engine) { e.limits = l }
}

// WithClock sets the time source used for every expiry decision.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithTokenGenerator replaces GenerateToken.
func WithTokenGenerator(gen func() (string, error)) Option {
	return func(e *Engine) { e.newToken = gen }
}

// WithRecorder sends lifecycle events to r.
func WithRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an Engine over store.
func NewEngine(store storage.SecretStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		limits:   DefaultLimits(),
		clock:    time.Now,
		newToken: GenerateToken,
		recorder: audit.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest carries everything a new secret is made of.
type CreateRequest struct {
	Ciphertext  []byte
	IV          []byte
	PINDigest   []byte // optional, models.PINDigestSize bytes
	TTL         time.Duration
	OneTimeView bool
	Attachments []models.Attachment
}

// Info is what Inspect reveals: metadata only, never ciphertext.
type Info struct {
	HasPIN      bool
	OneTimeView bool
	ExpiresAt   time.Time
	Files       []models.FileInfo
}

// Create validates req and stores it under a fresh token.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Secret, error) {
	if err := e.validateCreate(req); err != nil {
		return nil, err
	}

	now := e.now()
	s := &models.Secret{
		Ciphertext:  req.Ciphertext,
		IV:          req.IV,
		PINDigest:   req.PINDigest,
		Attachments: req.Attachments,
		CreatedAt:   now,
		ExpiresAt:   now.Add(req.TTL),
		OneTimeView: req.OneTimeView,
	}
	if len(s.PINDigest) == 0 {
		s.PINDigest = nil
	}

	for attempt := 1; ; attempt++ {
		token, err := e.newToken()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		s.Token = token

		sctx, cancel := e.storeCtx(ctx)
		err = e.store.Insert(sctx, s)
		cancel()
		if err == nil {
			break
		}
		if errors.Is(err, storage.ErrAlreadyExists) && attempt < maxTokenAttempts {
			log.Warn().Int("attempt", attempt).Msg("token collision, regenerating")
			continue
		}
		return nil, unavailable("inserting secret", err)
	}

	e.recorder.Record(ctx, audit.Event{Action: audit.ActionCreate, Token: s.Token})
	return s, nil
}

func (e *Engine) validateCreate(req CreateRequest) error {
	if req.TTL < e.limits.MinTTL || req.TTL > e.limits.MaxTTL {
		return fmt.Errorf("%w: ttl must be between %s and %s", ErrInvalidInput, e.limits.MinTTL, e.limits.MaxTTL)
	}
	if len(req.Ciphertext) == 0 {
		return fmt.Errorf("%w: ciphertext is required", ErrInvalidInput)
	}
	if len(req.IV) == 0 {
		return fmt.Errorf("%w: iv is required", ErrInvalidInput)
	}
	if len(req.PINDigest) != 0 && len(req.PINDigest) != models.PINDigestSize {
		return fmt.Errorf("%w: PIN digest must be %d bytes", ErrInvalidInput, models.PINDigestSize)
	}

	for i, a := range req.Attachments {
		if a.FileSize < 0 {
			return fmt.Errorf("%w: attachment %d has negative size", ErrInvalidInput, i)
		}
		if len(a.Ciphertext) == 0 || len(a.IV) == 0 {
			return fmt.Errorf("%w: attachment %d is missing ciphertext or iv", ErrInvalidInput, i)
		}
	}
	total := (&models.Secret{Attachments: req.Attachments}).AttachmentBytes()
	if e.limits.MaxAttachmentBytes > 0 && total > e.limits.MaxAttachmentBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, total, e.limits.MaxAttachmentBytes)
	}
	return nil
}

// Inspect reports a secret's metadata. It never consumes a one-time secret.
func (e *Engine) Inspect(ctx context.Context, token string) (*Info, error) {
	s, err := e.fetchLive(ctx, token)
	if err != nil {
		return nil, err
	}
	e.recorder.Record(ctx, audit.Event{Action: audit.ActionInspect, Token: token})
	return &Info{
		HasPIN:      s.HasPIN(),
		OneTimeView: s.OneTimeView,
		ExpiresAt:   s.ExpiresAt,
		Files:       s.FileInfos(),
	}, nil
}

// View returns the stored ciphertext once the PIN gate passes. For one-time
// secrets the record is consumed in the same atomic step that releases it;
// of any number of concurrent viewers exactly one receives the data.
func (e *Engine) View(ctx context.Context, token string, pinDigest []byte) (*models.Secret, error) {
	s, err := e.fetchLive(ctx, token)
	if err != nil {
		return nil, err
	}

	if s.HasPIN() {
		if len(pinDigest) == 0 {
			e.recorder.Record(ctx, audit.Event{Action: audit.ActionDeny, Token: token, Reason: audit.ReasonPINMissing})
			return nil, ErrPINRequired
		}
		if !crypto.EqualDigest(s.PINDigest, pinDigest) {
			e.recorder.Record(ctx, audit.Event{Action: audit.ActionDeny, Token: token, Reason: audit.ReasonPINInvalid})
			return nil, ErrPINInvalid
		}
	}

	if !s.OneTimeView {
		e.recorder.Record(ctx, audit.Event{Action: audit.ActionView, Token: token})
		return s, nil
	}

	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	got, deleted, err := e.store.CompareAndDelete(sctx, token, func(r *models.Secret) bool {
		return !r.IsTerminal(now)
	})
	cancel()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Lost the race to another viewer, a delete or a sweep.
		e.recorder.Record(ctx, audit.Event{Action: audit.ActionView, Token: token, Reason: audit.ReasonAbsent})
		return nil, ErrNotFound
	case err != nil:
		return nil, unavailable("consuming secret", err)
	case !deleted:
		e.purge(ctx, got, now)
		return nil, ErrNotFound
	}

	got.Viewed = true
	e.recorder.Record(ctx, audit.Event{Action: audit.ActionConsume, Token: token})
	return got, nil
}

// Delete removes a secret. A record that was already logically gone is
// still removed but reported as not found.
func (e *Engine) Delete(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return fmt.Errorf("%w: malformed token", ErrInvalidInput)
	}

	now := e.now()
	sctx, cancel := e.storeCtx(ctx)
	got, _, err := e.store.CompareAndDelete(sctx, token, storage.Always)
	cancel()
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable("deleting secret", err)
	}
	if reason := terminalReason(got, now); reason != "" {
		e.recorder.Record(ctx, audit.Event{Action: audit.ActionPurge, Token: token, Reason: reason})
		return ErrNotFound
	}
	e.recorder.Record(ctx, audit.Event{Action: audit.ActionDelete, Token: token})
	return nil
}

// Cleanup removes every record whose expiry has passed and returns how many
// were removed. Per-access expiry checks never depend on it.
func (e *Engine) Cleanup(ctx context.Context) (int64, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	n, err := e.store.DeleteExpired(sctx, e.now())
	if err != nil {
		return 0, unavailable("deleting expired secrets", err)
	}
	e.recorder.Record(ctx, audit.Event{Action: audit.ActionCleanup, Count: n})
	return n, nil
}

// fetchLive loads a record and collapses every terminal state to
// ErrNotFound, purging what it finds on the way.
func (e *Engine) fetchLive(ctx context.Context, token string) (*models.Secret, error) {
	if !ValidToken(token) {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidInput)
	}

	sctx, cancel := e.storeCtx(ctx)
	s, err := e.store.Get(sctx, token)
	cancel()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("reading secret", err)
	}

	now := e.now()
	if s.IsTerminal(now) {
		e.purge(ctx, s, now)
		return nil, ErrNotFound
	}
	return s, nil
}

// purge deletes a terminal record. The caller's outcome is already
// decided, so a failure here is only logged; Cleanup or the next read
// retries it.
func (e *Engine) purge(ctx context.Context, s *models.Secret, now time.Time) {
	sctx, cancel := e.storeCtx(ctx)
	_, _, err := e.store.CompareAndDelete(sctx, s.Token, func(r *models.Secret) bool {
		return r.IsTerminal(now)
	})
	cancel()
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("secret", audit.Fingerprint(s.Token)).Msg("purging terminal secret")
		return
	}
	e.recorder.Record(ctx, audit.Event{Action: audit.ActionPurge, Token: s.Token, Reason: terminalReason(s, now)})
}

func terminalReason(s *models.Secret, now time.Time) string {
	switch {
	case s.IsExpired(now):
		return audit.ReasonExpired
	case s.IsConsumed():
		return audit.ReasonConsumed
	}
	return ""
}

// now is the engine clock at storage precision.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Microsecond)
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.limits.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.limits.StoreTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
