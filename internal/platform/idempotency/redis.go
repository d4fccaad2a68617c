package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "idem:"
	redisWatchAttempts = 3
)

// RedisStore keeps records as JSON strings with a native expiry. Reserve is a single SET NX, so
// two instances racing on one key never both get ReservationStateNew.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, lease time.Duration) (Reservation, error) {
	record := pendingRecord(key, fingerprint, now, lease)
	payload, err := json.Marshal(record)
	if err != nil {
		return Reservation{}, err
	}
	id := s.redisKey(key)
	for attempt := 0; attempt < redisWatchAttempts; attempt++ {
		ok, err := s.client.SetNX(ctx, id, payload, lease).Result()
		if err != nil {
			return Reservation{}, err
		}
		if ok {
			return Reservation{State: ReservationStateNew, Record: record}, nil
		}
		existing, found, err := s.load(ctx, id)
		if err != nil {
			return Reservation{}, err
		}
		if found {
			return reservationFor(existing, fingerprint)
		}
		// Expired between SETNX and GET; try again.
	}
	return Reservation{State: ReservationStatePending, Record: record}, nil
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := s.redisKey(key)
	return s.watch(ctx, id, func(tx *redis.Tx) error {
		record, found, err := s.loadWith(ctx, tx, id)
		if err != nil {
			return err
		}
		if !found {
			record = pendingRecord(key, fingerprint, now, ttl)
		} else if record.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		payload, err := json.Marshal(completeRecord(record, resp, now, ttl))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, payload, ttl)
			return nil
		})
		return err
	})
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	id := s.redisKey(key)
	return s.watch(ctx, id, func(tx *redis.Tx) error {
		record, found, err := s.loadWith(ctx, tx, id)
		if err != nil || !found || record.Fingerprint != fingerprint {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, id)
			return nil
		})
		return err
	})
}

func (s *RedisStore) watch(ctx context.Context, id string, fn func(*redis.Tx) error) error {
	var err error
	for attempt := 0; attempt < redisWatchAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, id)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) load(ctx context.Context, id string) (Record, bool, error) {
	return s.loadWith(ctx, s.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) loadWith(ctx context.Context, getter stringGetter, id string) (Record, bool, error) {
	raw, err := getter.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + documentID(key)
}
