package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/ciphershare/internal/crypto"
	"github.com/org/ciphershare/internal/secret"
	"github.com/org/ciphershare/pkg/models"
	"github.com/rs/zerolog"
)

// maxExpiryMinutes keeps the minutes-to-duration conversion from
// overflowing; the engine enforces the real bound.
const maxExpiryMinutes = 1 << 20

type fileRequest struct {
	EncryptedData string `json:"encrypted_data"`
	IV            string `json:"iv"`
	Filename      string `json:"filename"`
	FileType      string `json:"file_type"`
	FileSize      int64  `json:"file_size"`
}

type createSecretRequest struct {
	EncryptedData string        `json:"encrypted_data"`
	IV            string        `json:"iv"`
	PINHash       *string       `json:"pin_hash"`
	ExpiryMinutes *int          `json:"expiry_minutes"`
	OneTimeView   bool          `json:"one_time_view"`
	Files         []fileRequest `json:"files"`
}

type createSecretResponse struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type fileInfoResponse struct {
	Filename string `json:"filename"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
}

type secretInfoResponse struct {
	HasPIN      bool               `json:"has_pin"`
	OneTimeView bool               `json:"one_time_view"`
	ExpiresAt   time.Time          `json:"expires_at"`
	HasFiles    bool               `json:"has_files"`
	FilesInfo   []fileInfoResponse `json:"files_info"`
}

type viewSecretRequest struct {
	PINHash string `json:"pin_hash"`
}

type viewSecretResponse struct {
	EncryptedData string        `json:"encrypted_data"`
	IV            string        `json:"iv"`
	OneTimeView   bool          `json:"one_time_view"`
	ExpiresAt     time.Time     `json:"expires_at"`
	HasPIN        bool          `json:"has_pin"`
	Files         []fileRequest `json:"files"`
}

// CreateSecretHandler handles POST /api/secrets
func (s *Server) CreateSecretHandler(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if req.ExpiryMinutes == nil {
		writeError(w, http.StatusBadRequest, "expiry_minutes is required")
		return
	}

	var digest []byte
	if req.PINHash != nil && *req.PINHash != "" {
		d, err := crypto.ParseDigest(*req.PINHash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		digest = d
	}

	attachments := make([]models.Attachment, len(req.Files))
	for i, f := range req.Files {
		attachments[i] = models.Attachment{
			Ciphertext: []byte(f.EncryptedData),
			IV:         []byte(f.IV),
			Filename:   f.Filename,
			FileType:   f.FileType,
			FileSize:   f.FileSize,
		}
	}

	created, err := s.secrets.Create(r.Context(), secret.CreateRequest{
		Ciphertext:  []byte(req.EncryptedData),
		IV:          []byte(req.IV),
		PINDigest:   digest,
		TTL:         expiry(*req.ExpiryMinutes),
		OneTimeView: req.OneTimeView,
		Attachments: attachments,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSecretResponse{
		ID:        created.Token,
		Message:   "Secret created successfully",
		ExpiresAt: created.ExpiresAt,
	})
}

// InspectSecretHandler handles GET /api/secrets/{id}
func (s *Server) InspectSecretHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.secrets.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	files := make([]fileInfoResponse, len(info.Files))
	for i, f := range info.Files {
		files[i] = fileInfoResponse{Filename: f.Filename, FileType: f.FileType, FileSize: f.FileSize}
	}
	writeJSON(w, http.StatusOK, secretInfoResponse{
		HasPIN:      info.HasPIN,
		OneTimeView: info.OneTimeView,
		ExpiresAt:   info.ExpiresAt,
		HasFiles:    len(files) > 0,
		FilesInfo:   files,
	})
}

// ViewSecretHandler handles POST /api/secrets/{id}/view
func (s *Server) ViewSecretHandler(w http.ResponseWriter, r *http.Request) {
	var req viewSecretRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(w, err)
		return
	}

	var digest []byte
	if req.PINHash != "" {
		d, err := crypto.ParseDigest(req.PINHash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		digest = d
	}

	got, err := s.secrets.View(r.Context(), chi.URLParam(r, "id"), digest)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	files := make([]fileRequest, len(got.Attachments))
	for i, a := range got.Attachments {
		files[i] = fileRequest{
			EncryptedData: string(a.Ciphertext),
			IV:            string(a.IV),
			Filename:      a.Filename,
			FileType:      a.FileType,
			FileSize:      a.FileSize,
		}
	}
	writeJSON(w, http.StatusOK, viewSecretResponse{
		EncryptedData: string(got.Ciphertext),
		IV:            string(got.IV),
		OneTimeView:   got.OneTimeView,
		ExpiresAt:     got.ExpiresAt,
		HasPIN:        got.HasPIN(),
		Files:         files,
	})
}

// DeleteSecretHandler handles DELETE /api/secrets/{id}
func (s *Server) DeleteSecretHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.secrets.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Secret deleted successfully"})
}

// CleanupHandler handles POST /api/cleanup
func (s *Server) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.secrets.Cleanup(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_count": n})
}

func expiry(minutes int) time.Duration {
	if minutes < 0 || minutes > maxExpiryMinutes {
		return -1
	}
	return time.Duration(minutes) * time.Minute
}

func writeBodyError(w http.ResponseWriter, err error) {
	if isBodyTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
}

// writeEngineError maps lifecycle outcomes onto HTTP status codes. Every
// terminal state shares one 404 so token history is not revealed.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, secret.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, secret.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, secret.ErrNotFound):
		writeError(w, http.StatusNotFound, secret.ErrNotFound.Error())
	case errors.Is(err, secret.ErrPINRequired):
		writeError(w, http.StatusUnauthorized, secret.ErrPINRequired.Error())
	case errors.Is(err, secret.ErrPINInvalid):
		writeError(w, http.StatusForbidden, secret.ErrPINInvalid.Error())
	case errors.Is(err, secret.ErrUnavailable):
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("store unavailable")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("unexpected engine error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
