package transferlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "oncall:transfer:"
	claimPrefix = "oncall:claim:"
)

// RedisStore shares the transfer log across instances; expiry is Redis's key TTL. The
// escalation claim lives under its own key so Claim can be a single SET NX.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore returns a store on client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Connect builds a client for addr and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("transferlog: connect redis %s: %w", addr, err)
	}
	return client, nil
}

func redisKey(callID string) string { return keyPrefix + callID }

func claimKey(callID string) string { return claimPrefix + callID }

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(e.CallID), payload, s.ttl)
		if e.Escalated {
			pipe.Set(ctx, claimKey(e.CallID), e.IncidentID, s.ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Get(ctx context.Context, callID string) (Entry, bool, error) {
	vals, err := s.client.MGet(ctx, redisKey(callID), claimKey(callID)).Result()
	if err != nil {
		return Entry{}, false, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("transferlog: decode %s: %w", callID, err)
	}
	if vals[1] != nil {
		e.Escalated = true
	}
	return e, true, nil
}

// Claim sets the claim key with SET NX. The winner also records an entry when none exists,
// so lookups see the call.
func (s *RedisStore) Claim(ctx context.Context, callID, incidentID string) (bool, error) {
	won, err := s.client.SetNX(ctx, claimKey(callID), incidentID, s.ttl).Result()
	if err != nil || !won {
		return false, err
	}
	payload, err := json.Marshal(Entry{CallID: callID, IncidentID: incidentID, Escalated: true, Timestamp: time.Now().UTC()})
	if err != nil {
		return true, err
	}
	if err := s.client.SetNX(ctx, redisKey(callID), payload, s.ttl).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return true, err
	}
	return true, nil
}
