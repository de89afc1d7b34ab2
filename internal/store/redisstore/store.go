package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store tracks per-user in-flight analysis runs across server instances so
// one user cannot monopolize the worker pool.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func slotKey(email string) string { return "analysis_slots:" + email }

// AcquireSlot increments the user's in-flight counter; when the counter would
// exceed max, the increment is rolled back and false is returned. The key
// expires so a crashed worker cannot leak a slot forever.
func (s *Store) AcquireSlot(ctx context.Context, email string, max int, slotTTL time.Duration) (bool, error) {
	n, err := s.rdb.Incr(ctx, slotKey(email)).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		_ = s.rdb.Expire(ctx, slotKey(email), slotTTL).Err()
	}
	if int(n) > max {
		_ = s.rdb.Decr(ctx, slotKey(email)).Err()
		return false, nil
	}
	return true, nil
}

// ReleaseSlot decrements the counter, clamping at zero.
func (s *Store) ReleaseSlot(ctx context.Context, email string) error {
	n, err := s.rdb.Decr(ctx, slotKey(email)).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		return s.rdb.Set(ctx, slotKey(email), 0, redis.KeepTTL).Err()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
