package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/ciphershare/pkg/models"
)

const pgUniqueViolation = "23505"

var _ SecretStore = (*PostgresBackend)(nil)

// PostgresBackend is a SecretStore backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const selectSecret = `SELECT token, ciphertext, iv, pin_digest, attachments, created_at, expires_at, one_time_view, viewed
	FROM secrets WHERE token = $1`

func (p *PostgresBackend) Insert(ctx context.Context, s *models.Secret) error {
	attachments, err := encodeAttachments(s.Attachments)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO secrets (token, ciphertext, iv, pin_digest, attachments, created_at, expires_at, one_time_view, viewed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.Token, s.Ciphertext, s.IV, s.PINDigest, attachments,
		s.CreatedAt, s.ExpiresAt, s.OneTimeView, s.Viewed,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting secret: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Get(ctx context.Context, token string) (*models.Secret, error) {
	return scanSecret(p.pool.QueryRow(ctx, selectSecret, token))
}

func (p *PostgresBackend) Delete(ctx context.Context, token string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM secrets WHERE token = $1`, token)
	if err != nil {
		return false, fmt.Errorf("deleting secret: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompareAndDelete locks the row for the duration of the predicate. A
// concurrent caller blocks on the lock and then finds the row gone.
func (p *PostgresBackend) CompareAndDelete(ctx context.Context, token string, pred Predicate) (*models.Secret, bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	s, err := scanSecret(tx.QueryRow(ctx, selectSecret+` FOR UPDATE`, token))
	if err != nil {
		return nil, false, err
	}
	if !pred(s) {
		return s, false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM secrets WHERE token = $1`, token); err != nil {
		return nil, false, fmt.Errorf("deleting secret: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing delete: %w", err)
	}
	return s, true, nil
}

func (p *PostgresBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM secrets WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired secrets: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	var attachments []byte
	err := row.Scan(&s.Token, &s.Ciphertext, &s.IV, &s.PINDigest, &attachments,
		&s.CreatedAt, &s.ExpiresAt, &s.OneTimeView, &s.Viewed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.Attachments, err = decodeAttachments(attachments); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	return &s, nil
}

func encodeAttachments(a []models.Attachment) ([]byte, error) {
	if len(a) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encoding attachments: %w", err)
	}
	return data, nil
}

func decodeAttachments(data []byte) ([]models.Attachment, error) {
	var a []models.Attachment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if len(a) == 0 {
		return nil, nil
	}
	return a, nil
}
