package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/gravitas-games/kitkeeper/pkg/inventory"
)

// RedisStore keeps one JSON record per agent under prefix+agentID.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisStore wraps an existing client. The client is not closed by
// Close; the caller owns it.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, owned: true}, nil
}

func (s *RedisStore) key(agent inventory.AgentID) string {
	return s.prefix + string(agent)
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	if rec.Agent == "" {
		return errors.New("store: record missing agent")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.Agent, err)
	}
	if err := s.client.Set(ctx, s.key(rec.Agent), data, 0).Err(); err != nil {
		return fmt.Errorf("store: save %s: %w", rec.Agent, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, agent inventory.AgentID) (Record, error) {
	data, err := s.client.Get(ctx, s.key(agent)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("store: load %s: %w", agent, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("store: decode %s: %w", agent, err)
	}
	return rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, agent inventory.AgentID) error {
	if err := s.client.Del(ctx, s.key(agent)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", agent, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]inventory.AgentID, error) {
	var out []inventory.AgentID
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, inventory.AgentID(strings.TrimPrefix(iter.Val(), s.prefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}
