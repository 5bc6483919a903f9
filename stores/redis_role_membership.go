package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRoleMembershipStore stores user->roles in Redis lists (key:
// rolemem:{userID}). List order is membership order; re-assigning a role
// moves it to the end.
type RedisRoleMembershipStore struct {
	client redis.UniversalClient
	keyFmt string // format string, e.g. "rolemem:%s"
}

func NewRedisRoleMembershipStore(client redis.UniversalClient) *RedisRoleMembershipStore {
	return &RedisRoleMembershipStore{client: client, keyFmt: "rolemem:%s"}
}

// WithKeyPrefix returns a copy of the store that namespaces its keys, e.g.
// per test or per tenant.
func (r *RedisRoleMembershipStore) WithKeyPrefix(prefix string) *RedisRoleMembershipStore {
	return &RedisRoleMembershipStore{client: r.client, keyFmt: prefix + r.keyFmt}
}

func (r *RedisRoleMembershipStore) key(userID string) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func (r *RedisRoleMembershipStore) AssignRole(ctx context.Context, userID, roleID string) error {
	key := r.key(userID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, key, 0, roleID)
		p.RPush(ctx, key, roleID)
		return nil
	})
	return err
}

func (r *RedisRoleMembershipStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	return r.client.LRem(ctx, r.key(userID), 0, roleID).Err()
}

func (r *RedisRoleMembershipStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	res, err := r.client.LRange(ctx, r.key(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Clear removes every membership of userID.
func (r *RedisRoleMembershipStore) Clear(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.key(userID)).Err()
}
