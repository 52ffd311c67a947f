package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/org/ciphershare/internal/crypto"
)

type fileBlob struct {
	EncryptedData string `json:"encrypted_data"`
	IV            string `json:"iv"`
	Filename      string `json:"filename"`
	FileType      string `json:"file_type"`
	FileSize      int64  `json:"file_size"`
}

type createRequest struct {
	EncryptedData string     `json:"encrypted_data"`
	IV            string     `json:"iv"`
	PINHash       *string    `json:"pin_hash"`
	ExpiryMinutes int        `json:"expiry_minutes"`
	OneTimeView   bool       `json:"one_time_view"`
	Files         []fileBlob `json:"files,omitempty"`
}

type createResponse struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type viewRequest struct {
	PINHash string `json:"pin_hash,omitempty"`
}

type viewResponse struct {
	EncryptedData string     `json:"encrypted_data"`
	IV            string     `json:"iv"`
	OneTimeView   bool       `json:"one_time_view"`
	ExpiresAt     time.Time  `json:"expires_at"`
	HasPIN        bool       `json:"has_pin"`
	Files         []fileBlob `json:"files"`
}

// plainFile is a decrypted attachment.
type plainFile struct {
	Name string
	Type string
	Data []byte
}

type shareOptions struct {
	TTLMinutes int
	OneTime    bool
	PIN        string
	Files      []plainFile
}

// sealShare encrypts text and files under a fresh link key. Only
// ciphertext and the PIN digest leave this function in the request.
func sealShare(text []byte, opts shareOptions) (createRequest, []byte, error) {
	linkKey, err := crypto.GenerateLinkKey()
	if err != nil {
		return createRequest{}, nil, err
	}
	key, err := crypto.DeriveContentKey(linkKey)
	if err != nil {
		return createRequest{}, nil, err
	}

	sealed, err := crypto.Seal(text, key)
	if err != nil {
		return createRequest{}, nil, err
	}
	req := createRequest{
		EncryptedData: sealed.Ciphertext,
		IV:            sealed.IV,
		ExpiryMinutes: opts.TTLMinutes,
		OneTimeView:   opts.OneTime,
	}

	if opts.PIN != "" {
		digest, err := crypto.DerivePINDigest(linkKey, opts.PIN)
		if err != nil {
			return createRequest{}, nil, err
		}
		h := hex.EncodeToString(digest)
		req.PINHash = &h
	}

	for _, f := range opts.Files {
		s, err := crypto.Seal(f.Data, key)
		if err != nil {
			return createRequest{}, nil, fmt.Errorf("sealing %s: %w", f.Name, err)
		}
		req.Files = append(req.Files, fileBlob{
			EncryptedData: s.Ciphertext,
			IV:            s.IV,
			Filename:      f.Name,
			FileType:      f.Type,
			FileSize:      int64(len(f.Data)),
		})
	}
	return req, linkKey, nil
}

// openShare decrypts a view response with the link key.
func openShare(resp viewResponse, linkKey []byte) ([]byte, []plainFile, error) {
	key, err := crypto.DeriveContentKey(linkKey)
	if err != nil {
		return nil, nil, err
	}
	text, err := crypto.Open(crypto.Sealed{Ciphertext: resp.EncryptedData, IV: resp.IV}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypting secret: %w", err)
	}

	files := make([]plainFile, 0, len(resp.Files))
	for _, f := range resp.Files {
		data, err := crypto.Open(crypto.Sealed{Ciphertext: f.EncryptedData, IV: f.IV}, key)
		if err != nil {
			return nil, nil, fmt.Errorf("decrypting %s: %w", f.Filename, err)
		}
		files = append(files, plainFile{Name: f.Filename, Type: f.FileType, Data: data})
	}
	return text, files, nil
}

// pinDigest returns the hex PIN digest for linkKey, or "" without a PIN.
func pinDigest(linkKey []byte, pin string) (string, error) {
	if pin == "" {
		return "", nil
	}
	d, err := crypto.DerivePINDigest(linkKey, pin)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d), nil
}

func readFiles(paths []string) ([]plainFile, error) {
	files := make([]plainFile, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		typ := mime.TypeByExtension(filepath.Ext(p))
		if typ == "" {
			typ = "application/octet-stream"
		}
		files = append(files, plainFile{Name: filepath.Base(p), Type: typ, Data: data})
	}
	return files, nil
}

// writeFiles stores decrypted attachments in dir. Names are reduced to
// their base so a crafted filename cannot escape dir.
func writeFiles(dir string, files []plainFile) ([]string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	written := make([]string, 0, len(files))
	for i, f := range files {
		name := filepath.Base(filepath.Clean("/" + f.Name))
		if name == "/" || name == "." {
			name = fmt.Sprintf("attachment-%d", i+1)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, f.Data, 0600); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func (c *Client) create(ctx context.Context, req createRequest) (createResponse, error) {
	var resp createResponse
	err := c.call(ctx, "POST", "/api/secrets", req, &resp)
	return resp, err
}

func (c *Client) view(ctx context.Context, token, pinHash string) (viewResponse, error) {
	var resp viewResponse
	err := c.call(ctx, "POST", "/api/secrets/"+token+"/view", viewRequest{PINHash: pinHash}, &resp)
	return resp, err
}
