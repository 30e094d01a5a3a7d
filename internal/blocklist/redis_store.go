package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rankitpro/security-core/internal/client"
)

const blockedAddressPrefix = "blocked_addr:"

// RedisStore persists blocklist entries with a matching Redis TTL so stale
// keys clean themselves up even if the process dies.
type RedisStore struct {
	client *client.RedisClient
}

func NewRedisStore(client *client.RedisClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, entry BlockedAddress, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal blocklist entry: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, blockedAddressPrefix+entry.Address, payload, ttl)
}

func (s *RedisStore) Delete(ctx context.Context, address string) error {
	return s.client.Del(ctx, blockedAddressPrefix+address)
}

func (s *RedisStore) Load(ctx context.Context) ([]BlockedAddress, error) {
	keys, err := s.client.ScanKeys(ctx, blockedAddressPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan blocklist keys: %w", err)
	}
	entries := make([]BlockedAddress, 0, len(keys))
	for _, key := range keys {
		raw, err := s.client.Get(ctx, key)
		if err != nil {
			if err == redis.Nil {
				continue // expired between scan and get
			}
			return nil, fmt.Errorf("failed to read blocklist key %s: %w", key, err)
		}
		var entry BlockedAddress
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue // skip malformed entries rather than failing the restore
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
