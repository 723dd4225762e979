package history

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// DefaultRecordTTL bounds how long a firing record outlives its last
	// update. Cooldowns are short-lived relative to this; once-per-user
	// markers are kept without expiry.
	DefaultRecordTTL = 90 * 24 * time.Hour

	fireKeyPrefix    = "triggerd:fire:"
	onceKeyPrefix    = "triggerd:once:"
	coolKeyPrefix    = "triggerd:cooldown:"
	inboundKeyPrefix = "triggerd:inbound:"
)

// RedisStore implements [Store] on a Redis instance. The atomic claim is built
// from SET NX: once-per-user uses a permanent marker key, cooldown uses a
// marker with the cooldown as its TTL, so the key's own expiry enforces the
// window and losing the SET NX race means another replica already fired.
type RedisStore struct {
	client    redis.UniversalClient
	recordTTL time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, recordTTL: DefaultRecordTTL}
}

// NewRedisStoreWithRecordTTL creates a [RedisStore] with a custom retention
// for firing records. TTLs of zero or less fall back to [DefaultRecordTTL].
func NewRedisStoreWithRecordTTL(client redis.UniversalClient, recordTTL time.Duration) *RedisStore {
	if recordTTL <= 0 {
		recordTTL = DefaultRecordTTL
	}
	return &RedisStore{client: client, recordTTL: recordTTL}
}

func fireKey(groupID, contactID string) string {
	return fireKeyPrefix + groupID + ":" + contactID
}

func onceKey(groupID, contactID string) string {
	return onceKeyPrefix + groupID + ":" + contactID
}

func cooldownKey(groupID, contactID string) string {
	return coolKeyPrefix + groupID + ":" + contactID
}

func inboundKey(contactID string) string {
	return inboundKeyPrefix + contactID
}

func (s *RedisStore) Get(ctx context.Context, groupID, contactID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, fireKey(groupID, contactID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get firing record: %w", err)
	}
	if len(fields) == 0 {
		return Record{}, nil
	}

	var record Record
	if raw, ok := fields["last_fired_at"]; ok {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Record{}, fmt.Errorf("parse last_fired_at %q: %w", raw, err)
		}
		record.LastFiredAt = at
	}
	if raw, ok := fields["fire_count"]; ok {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("parse fire_count %q: %w", raw, err)
		}
		record.FireCount = count
	}
	return record, nil
}

func (s *RedisStore) RecordFiring(ctx context.Context, groupID, contactID string, at time.Time, oncePerUser bool, cooldown time.Duration) (bool, error) {
	stamp := at.UTC().Format(time.RFC3339Nano)

	if oncePerUser {
		won, err := s.client.SetNX(ctx, onceKey(groupID, contactID), stamp, 0).Result()
		if err != nil {
			return false, fmt.Errorf("claim once-per-user: %w", err)
		}
		if !won {
			return false, nil
		}
	}

	if cooldown > 0 {
		won, err := s.client.SetNX(ctx, cooldownKey(groupID, contactID), stamp, cooldown).Result()
		if err != nil {
			return false, fmt.Errorf("claim cooldown: %w", err)
		}
		if !won {
			return false, nil
		}
	}

	key := fireKey(groupID, contactID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_fired_at", stamp)
	pipe.HIncrBy(ctx, key, "fire_count", 1)
	pipe.Expire(ctx, key, s.recordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("write firing record: %w", err)
	}
	return true, nil
}

func (s *RedisStore) LastInboundAt(ctx context.Context, contactID string) (time.Time, error) {
	raw, err := s.client.Get(ctx, inboundKey(contactID)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get last inbound: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last inbound %q: %w", raw, err)
	}
	return at, nil
}

func (s *RedisStore) TouchInbound(ctx context.Context, contactID string, at time.Time) error {
	key := inboundKey(contactID)

	// Out-of-order delivery happens on reconnect bursts; keep the newest
	// timestamp rather than the last write.
	current, err := s.LastInboundAt(ctx, contactID)
	if err != nil {
		return err
	}
	if at.Before(current) {
		return nil
	}
	if err := s.client.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), s.recordTTL).Err(); err != nil {
		return fmt.Errorf("touch inbound: %w", err)
	}
	return nil
}
