package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/ciphershare/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

var storeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ciphershare_store_duration_seconds",
		Help:    "Secret store call latency by operation and outcome.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	},
	[]string{"op", "outcome"},
)

func init() {
	prometheus.MustRegister(storeDuration)
}

// Instrument wraps s so every call is observed in
// ciphershare_store_duration_seconds.
func Instrument(s SecretStore) SecretStore {
	return &instrumented{next: s}
}

type instrumented struct {
	next SecretStore
}

func observe(op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists):
		outcome = "miss"
	default:
		outcome = "error"
	}
	storeDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Insert(ctx context.Context, s *models.Secret) error {
	start := time.Now()
	err := i.next.Insert(ctx, s)
	observe("insert", start, err)
	return err
}

func (i *instrumented) Get(ctx context.Context, token string) (*models.Secret, error) {
	start := time.Now()
	s, err := i.next.Get(ctx, token)
	observe("get", start, err)
	return s, err
}

func (i *instrumented) Delete(ctx context.Context, token string) (bool, error) {
	start := time.Now()
	ok, err := i.next.Delete(ctx, token)
	observe("delete", start, err)
	return ok, err
}

func (i *instrumented) CompareAndDelete(ctx context.Context, token string, pred Predicate) (*models.Secret, bool, error) {
	start := time.Now()
	s, deleted, err := i.next.CompareAndDelete(ctx, token, pred)
	observe("compare_and_delete", start, err)
	return s, deleted, err
}

func (i *instrumented) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	start := time.Now()
	n, err := i.next.DeleteExpired(ctx, now)
	observe("delete_expired", start, err)
	return n, err
}

func (i *instrumented) Ping(ctx context.Context) error {
	return i.next.Ping(ctx)
}

func (i *instrumented) Close() error {
	return i.next.Close()
}
