package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/org/ciphershare/pkg/models"
	"github.com/redis/go-redis/v9"
)

// expiryGrace keeps a key physically alive past its logical expiry so the
// read path can still observe and purge it.
const expiryGrace = time.Minute

// maxTxRetries bounds optimistic-lock retries of CompareAndDelete.
const maxTxRetries = 16

var _ SecretStore = (*RedisBackend)(nil)

// RedisBackend is a SecretStore backed by Redis. Each secret is one JSON
// value; a sorted set indexes tokens by expiry for sweeps.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// NewRedisBackend wraps an open client. All keys are namespaced by prefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// insertScript is SET NX plus the expiry index update, in one step.
var insertScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
	return 1
end
return 0
`)

func (r *RedisBackend) Insert(ctx context.Context, s *models.Secret) error {
	data, err := encodeRecord(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt) + expiryGrace
	if ttl < expiryGrace {
		ttl = expiryGrace
	}
	res, err := insertScript.Run(ctx, r.client,
		[]string{r.secretKey(s.Token), r.expiryKey()},
		data, ttl.Milliseconds(), s.ExpiresAt.UnixMilli(), s.Token,
	).Int64()
	if err != nil {
		return fmt.Errorf("inserting secret: %w", err)
	}
	if res == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (r *RedisBackend) Get(ctx context.Context, token string) (*models.Secret, error) {
	data, err := r.client.Get(ctx, r.secretKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeRecord(data)
}

func (r *RedisBackend) Delete(ctx context.Context, token string) (bool, error) {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.secretKey(token))
		pipe.ZRem(ctx, r.expiryKey(), token)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("deleting secret: %w", err)
	}
	return del.Val() > 0, nil
}

// CompareAndDelete runs GET, the predicate and DEL under WATCH. If another
// client touches the key before EXEC the whole step is re-run, so the
// predicate always sees the value that is deleted.
func (r *RedisBackend) CompareAndDelete(ctx context.Context, token string, pred Predicate) (*models.Secret, bool, error) {
	key := r.secretKey(token)

	for i := 0; i < maxTxRetries; i++ {
		var (
			out     *models.Secret
			deleted bool
		)
		txf := func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrNotFound
				}
				return err
			}
			s, err := decodeRecord(data)
			if err != nil {
				return err
			}
			out = s
			if !pred(s) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, r.expiryKey(), token)
				return nil
			})
			if err != nil {
				return err
			}
			deleted = true
			return nil
		}

		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return out, deleted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("conditional delete: %w", redis.TxFailedErr)
}

func (r *RedisBackend) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tokens, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing expired secrets: %w", err)
	}

	var n int64
	for _, token := range tokens {
		_, deleted, err := r.CompareAndDelete(ctx, token, func(s *models.Secret) bool {
			return s.ExpiresAt.Before(now)
		})
		switch {
		case errors.Is(err, ErrNotFound):
			// Evicted by its physical TTL; drop the stale index entry.
			r.client.ZRem(ctx, r.expiryKey(), token) //nolint:errcheck
		case err != nil:
			return n, err
		case deleted:
			n++
		}
	}
	return n, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// Helpers

func (r *RedisBackend) secretKey(token string) string {
	return r.prefix + "secret:" + token
}

func (r *RedisBackend) expiryKey() string {
	return r.prefix + "secrets:expiry"
}

type redisRecord struct {
	Token       string              `json:"token"`
	Ciphertext  []byte              `json:"ciphertext"`
	IV          []byte              `json:"iv"`
	PINDigest   []byte              `json:"pin_digest,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
	OneTimeView bool                `json:"one_time_view"`
	Viewed      bool                `json:"viewed"`
}

func encodeRecord(s *models.Secret) ([]byte, error) {
	data, err := json.Marshal(redisRecord{
		Token:       s.Token,
		Ciphertext:  s.Ciphertext,
		IV:          s.IV,
		PINDigest:   s.PINDigest,
		Attachments: s.Attachments,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
		OneTimeView: s.OneTimeView,
		Viewed:      s.Viewed,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding secret: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*models.Secret, error) {
	var rec redisRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding secret: %w", err)
	}
	return &models.Secret{
		Token:       rec.Token,
		Ciphertext:  rec.Ciphertext,
		IV:          rec.IV,
		PINDigest:   rec.PINDigest,
		Attachments: rec.Attachments,
		CreatedAt:   rec.CreatedAt.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
		OneTimeView: rec.OneTimeView,
		Viewed:      rec.Viewed,
	}, nil
}
