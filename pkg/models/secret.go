package models

import (
	"math"
	"time"
)

// PINDigestSize is the length in bytes of a PIN digest.
const PINDigestSize = 32

// Secret is the persisted record behind a share token.
// Ciphertext, IV and attachment payloads are opaque to the server.
type Secret struct {
	Token       string
	Ciphertext  []byte
	IV          []byte
	PINDigest   []byte // nil when no PIN is required
	Attachments []Attachment
	CreatedAt   time.Time
	ExpiresAt   time.Time
	OneTimeView bool
	Viewed      bool
}

// Attachment is one encrypted file carried alongside a secret.
type Attachment struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Filename   string `json:"filename"`
	FileType   string `json:"file_type"`
	FileSize   int64  `json:"file_size"`
}

// HasPIN reports whether viewing requires a PIN digest.
func (s *Secret) HasPIN() bool {
	return len(s.PINDigest) > 0
}

// IsExpired reports whether now is strictly past the expiry deadline.
func (s *Secret) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// IsConsumed reports whether a one-time secret has already been viewed.
func (s *Secret) IsConsumed() bool {
	return s.OneTimeView && s.Viewed
}

// IsTerminal reports whether the record is logically nonexistent at now.
func (s *Secret) IsTerminal(now time.Time) bool {
	return s.IsExpired(now) || s.IsConsumed()
}

// AttachmentBytes returns the declared plaintext size of all attachments.
// Sizes must be non-negative; the sum saturates at math.MaxInt64.
func (s *Secret) AttachmentBytes() int64 {
	var total int64
	for _, a := range s.Attachments {
		if a.FileSize > math.MaxInt64-total {
			return math.MaxInt64
		}
		total += a.FileSize
	}
	return total
}

// FileInfo is the attachment metadata exposed without ciphertext.
type FileInfo struct {
	Filename string
	FileType string
	FileSize int64
}

// FileInfos returns metadata for every attachment, in order.
func (s *Secret) FileInfos() []FileInfo {
	infos := make([]FileInfo, len(s.Attachments))
	for i, a := range s.Attachments {
		infos[i] = FileInfo{Filename: a.Filename, FileType: a.FileType, FileSize: a.FileSize}
	}
	return infos
}
