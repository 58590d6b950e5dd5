// Package ratingcache implements the optional Redis-backed mirror of the
// player table's ratings described in SPEC_FULL §2 item 9: a sorted set
// written whenever a rating changes. The authoritative source of truth
// remains broker.State; `ratings` replies are computed by
// broker.State.TopRatings, which does not read this cache, so it can be
// stale, wrong, or absent without affecting the broker's own replies.
package ratingcache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const leaderboardKey = "imcsd:ratings"

// Cache wraps a redis client scoped to one sorted set.
type Cache struct {
	client *redis.Client
}

// Connect dials addr (host:port) and selects db. The connection is
// verified with a short-timeout PING; a failure here is the caller's cue
// to run without the cache rather than fail the boot.
func Connect(addr string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Cache{client: client}, nil
}

// Update mirrors a single player's rating into the sorted set
// (broker.RatingSink). Best-effort: errors are swallowed here because the
// broker treats this entire component as optional (spec.md §7's
// non-fatal category, extended by SPEC_FULL §7).
func (c *Cache) Update(name string, rating int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.client.ZAdd(ctx, leaderboardKey, redis.Z{Score: float64(rating), Member: name})
}

// Top10 returns up to the top 10 entries, highest rating first. Returns
// an error if Redis is unreachable. The broker does not call it.
func (c *Cache) Top10() ([]Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	zs, err := c.client.ZRevRangeWithScores(ctx, leaderboardKey, 0, 9).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		name, _ := z.Member.(string)
		out = append(out, Entry{Name: name, Rating: int(z.Score)})
	}
	return out, nil
}

// Entry is one leaderboard row.
type Entry struct {
	Name   string
	Rating int
}

// Close releases the underlying connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
