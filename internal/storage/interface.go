package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/ciphershare/pkg/models"
)

// ErrNotFound is returned when no record exists for a token.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by Insert when the token is already taken.
var ErrAlreadyExists = errors.New("already exists")

// Predicate decides, under the store's lock, whether a record is deleted.
type Predicate func(*models.Secret) bool

// SecretStore is the persistence contract for share secrets.
// Every operation is atomic with respect to the others on the same token.
type SecretStore interface {
	// Insert creates a record; it never overwrites an existing token.
	Insert(ctx context.Context, secret *models.Secret) error

	// Get returns the record for token or ErrNotFound.
	Get(ctx context.Context, token string) (*models.Secret, error)

	// Delete removes the record and reports whether it was present.
	Delete(ctx context.Context, token string) (bool, error)

	// CompareAndDelete reads the record, evaluates pred over it and deletes
	// it iff pred holds, all in one atomic step. It returns the record as
	// read and whether it was deleted, or ErrNotFound.
	CompareAndDelete(ctx context.Context, token string, pred Predicate) (*models.Secret, bool, error)

	// DeleteExpired removes every record whose expiry is before now.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Always is a Predicate that deletes unconditionally.
func Always(*models.Secret) bool { return true }
