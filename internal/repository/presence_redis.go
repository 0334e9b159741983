package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceRedisImpl mirrors presence transitions into Redis so other
// processes (the REST side) can read who is online and when a user was last seen.
//
// Keys:
//
//	<prefix>online     set of online user ids
//	<prefix>last_seen  hash user id -> unix millis
//	<prefix>names      hash user id -> display name
type PresenceRedisImpl struct {
	client *redis.Client
	prefix string
}

func NewPresenceRedis(client *redis.Client, prefix string) *PresenceRedisImpl {
	if prefix == "" {
		prefix = "presence:"
	}
	return &PresenceRedisImpl{client: client, prefix: prefix}
}

func (p *PresenceRedisImpl) onlineKey() string   { return p.prefix + "online" }
func (p *PresenceRedisImpl) lastSeenKey() string { return p.prefix + "last_seen" }
func (p *PresenceRedisImpl) namesKey() string    { return p.prefix + "names" }

func (p *PresenceRedisImpl) MarkOnline(ctx context.Context, userID, displayName string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.onlineKey(), userID)
		pipe.HSet(ctx, p.namesKey(), userID, displayName)
		pipe.HSet(ctx, p.lastSeenKey(), userID, time.Now().UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s online: %w", userID, err)
	}
	return nil
}

func (p *PresenceRedisImpl) MarkOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, p.onlineKey(), userID)
		pipe.HSet(ctx, p.lastSeenKey(), userID, lastSeen.UnixMilli())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	return nil
}

// LastSeen returns the recorded last-seen time. ok is false when the user
// was never recorded.
func (p *PresenceRedisImpl) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := p.client.HGet(ctx, p.lastSeenKey(), userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last seen for %s: %w", userID, err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt last seen for %s: %w", userID, err)
	}
	return time.UnixMilli(ms), true, nil
}

func (p *PresenceRedisImpl) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := p.client.SIsMember(ctx, p.onlineKey(), userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence for %s: %w", userID, err)
	}
	return ok, nil
}

// Reset clears the online set. Called at startup since no connection
// survives a restart.
func (p *PresenceRedisImpl) Reset(ctx context.Context) error {
	if err := p.client.Del(ctx, p.onlineKey()).Err(); err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	return nil
}
