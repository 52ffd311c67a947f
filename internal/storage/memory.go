package storage

import (
	"context"
	"sync"
	"time"

	"github.com/org/ciphershare/pkg/models"
)

var _ SecretStore = (*MemoryBackend)(nil)

// MemoryBackend is a process-local SecretStore. Records do not survive a
// restart and are not shared between instances.
type MemoryBackend struct {
	mu      sync.Mutex
	secrets map[string]*models.Secret
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string]*models.Secret)}
}

func (m *MemoryBackend) Insert(_ context.Context, secret *models.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.secrets[secret.Token]; ok {
		return ErrAlreadyExists
	}
	m.secrets[secret.Token] = cloneSecret(secret)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, token string) (*models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[token]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSecret(s), nil
}

func (m *MemoryBackend) Delete(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.secrets[token]
	delete(m.secrets, token)
	return ok, nil
}

func (m *MemoryBackend) CompareAndDelete(_ context.Context, token string, pred Predicate) (*models.Secret, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.secrets[token]
	if !ok {
		return nil, false, ErrNotFound
	}
	out := cloneSecret(s)
	if !pred(out) {
		return out, false, nil
	}
	delete(m.secrets, token)
	return out, true, nil
}

func (m *MemoryBackend) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for token, s := range m.secrets {
		if s.ExpiresAt.Before(now) {
			delete(m.secrets, token)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets = make(map[string]*models.Secret)
	return nil
}

// Len returns the number of physically stored records.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.secrets)
}

func cloneSecret(s *models.Secret) *models.Secret {
	c := *s
	c.Ciphertext = cloneBytes(s.Ciphertext)
	c.IV = cloneBytes(s.IV)
	c.PINDigest = cloneBytes(s.PINDigest)
	if s.Attachments != nil {
		c.Attachments = make([]models.Attachment, len(s.Attachments))
		for i, a := range s.Attachments {
			a.Ciphertext = cloneBytes(a.Ciphertext)
			a.IV = cloneBytes(a.IV)
			c.Attachments[i] = a
		}
	}
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
