package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against a shared Redis instance so that
// more than one registry process can serve the same fleet without a
// split-brain node table. Records are JSON values under a configurable
// key prefix; unordered sets back the node and measurement indexes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

const (
	nodeKeyPattern        = "%s:node:%d"
	measurementKeyPattern = "%s:measurement:%s"
	policyKey             = "%s:policy"
	principalKeyPattern   = "%s:principal:%s"
	nodeIndexKey          = "%s:nodes" // SET of node IDs, for ListNodes
	measurementIndexKey   = "%s:measurements"
	managerSetKey         = "%s:managers"
	nodeIDCounterKey      = "%s:node_id_seq"
)

// NewRedisStore connects to redisURL and verifies reachability with a
// PING before returning.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if prefix == "" {
		prefix = "gpt_index"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) GetNode(ctx context.Context, nodeID uint64) (*Node, bool, error) {
	key := fmt.Sprintf(nodeKeyPattern, s.prefix, nodeID)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, false, fmt.Errorf("unmarshal node %d: %w", nodeID, err)
	}
	return &n, true, nil
}

func (s *RedisStore) PutNode(ctx context.Context, node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %d: %w", node.NodeID, err)
	}
	key := fmt.Sprintf(nodeKeyPattern, s.prefix, node.NodeID)
	indexKey := fmt.Sprintf(nodeIndexKey, s.prefix)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, indexKey, node.NodeID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListNodes(ctx context.Context) ([]*Node, error) {
	indexKey := fmt.Sprintf(nodeIndexKey, s.prefix)
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(ids))
	for _, idStr := range ids {
		var id uint64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		n, ok, err := s.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *RedisStore) GetMeasurement(ctx context.Context, hex string) (*MeasurementEntry, bool, error) {
	key := fmt.Sprintf(measurementKeyPattern, s.prefix, hex)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m MeasurementEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (s *RedisStore) PutMeasurement(ctx context.Context, m *MeasurementEntry) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(measurementKeyPattern, s.prefix, m.Hex)
	indexKey := fmt.Sprintf(measurementIndexKey, s.prefix)

	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, indexKey, m.Hex)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteMeasurement(ctx context.Context, hex string) error {
	key := fmt.Sprintf(measurementKeyPattern, s.prefix, hex)
	indexKey := fmt.Sprintf(measurementIndexKey, s.prefix)

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, indexKey, hex)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListMeasurements(ctx context.Context) ([]*MeasurementEntry, error) {
	indexKey := fmt.Sprintf(measurementIndexKey, s.prefix)
	hexes, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*MeasurementEntry, 0, len(hexes))
	for _, hex := range hexes {
		m, ok, err := s.GetMeasurement(ctx, hex)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *RedisStore) GetPolicy(ctx context.Context) (AttestationPolicy, error) {
	key := fmt.Sprintf(policyKey, s.prefix)
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return AttestationPolicy{}, nil
	}
	if err != nil {
		return AttestationPolicy{}, err
	}
	var p AttestationPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return AttestationPolicy{}, err
	}
	return p, nil
}

func (s *RedisStore) PutPolicy(ctx context.Context, p AttestationPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(policyKey, s.prefix)
	return s.client.Set(ctx, key, data, 0).Err()
}

func (s *RedisStore) LookupPrincipal(ctx context.Context, principal string) (uint64, bool, error) {
	key := fmt.Sprintf(principalKeyPattern, s.prefix, principal)
	val, err := s.client.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

func (s *RedisStore) IndexPrincipal(ctx context.Context, principal string, nodeID uint64) error {
	key := fmt.Sprintf(principalKeyPattern, s.prefix, principal)
	return s.client.Set(ctx, key, nodeID, 0).Err()
}

func (s *RedisStore) UnindexPrincipal(ctx context.Context, principal string) error {
	key := fmt.Sprintf(principalKeyPattern, s.prefix, principal)
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) NextNodeID(ctx context.Context) (uint64, error) {
	key := fmt.Sprintf(nodeIDCounterKey, s.prefix)
	id, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *RedisStore) ListManagers(ctx context.Context) ([]string, error) {
	key := fmt.Sprintf(managerSetKey, s.prefix)
	return s.client.SMembers(ctx, key).Result()
}

// PutManagers replaces the manager set wholesale under a pipeline so a
// concurrent reader never observes a partially-cleared set.
func (s *RedisStore) PutManagers(ctx context.Context, managers []string) error {
	key := fmt.Sprintf(managerSetKey, s.prefix)
	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	if len(managers) > 0 {
		members := make([]interface{}, len(managers))
		for i, m := range managers {
			members[i] = m
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}
