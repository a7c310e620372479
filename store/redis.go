package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// RedisStore is a redis-backed Store for distributed deployments.
// Executions are JSON blobs, tenant listings live in sorted sets
// scored by creation time, node results in hashes and messages in
// lists.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(config Config, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "connecting to redis: %v", err)
	}

	return NewRedisStoreWithClient(client, config.Redis.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. Tests use this
// with miniredis.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "flowmesh:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) execKey(executionID string) string {
	return s.keyPrefix + "exec:" + executionID
}

func (s *RedisStore) tenantKey(tenantID string) string {
	return s.keyPrefix + "tenant:" + tenantID
}

func (s *RedisStore) resultsKey(executionID string) string {
	return s.keyPrefix + "results:" + executionID
}

func (s *RedisStore) messagesKey(executionID string) string {
	return s.keyPrefix + "messages:" + executionID
}

func (s *RedisStore) CreateExecution(ctx context.Context, exec *types.ExecutionContext) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return types.Errorf(types.ErrInternal, "encoding execution: %v", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.execKey(exec.ExecutionID), data, 0)
	pipe.ZAdd(ctx, s.tenantKey(exec.TenantID), redis.Z{
		Score:  float64(exec.CreatedAt.UnixNano()),
		Member: exec.ExecutionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "creating execution: %v", err)
	}
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, executionID, tenantID string) (*types.ExecutionContext, error) {
	exec, err := s.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.TenantID != tenantID {
		return nil, notFound(executionID)
	}
	return exec, nil
}

func (s *RedisStore) loadExecution(ctx context.Context, executionID string) (*types.ExecutionContext, error) {
	data, err := s.client.Get(ctx, s.execKey(executionID)).Bytes()
	if err == redis.Nil {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "loading execution: %v", err)
	}
	var exec types.ExecutionContext
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, types.Errorf(types.ErrInternal, "decoding execution: %v", err)
	}
	return &exec, nil
}

// Transition runs under WATCH so a concurrent status change aborts the
// write instead of clobbering it.
func (s *RedisStore) Transition(ctx context.Context, executionID string, to types.ExecutionStatus, apply func(*types.ExecutionContext)) error {
	key := s.execKey(executionID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return notFound(executionID)
		}
		if err != nil {
			return types.Errorf(types.ErrStoreUnavailable, "loading execution: %v", err)
		}

		var exec types.ExecutionContext
		if err := json.Unmarshal(data, &exec); err != nil {
			return types.Errorf(types.ErrInternal, "decoding execution: %v", err)
		}
		if err := transitionGuard(&exec, to); err != nil {
			return err
		}
		applyTransition(&exec, to, apply)

		next, err := json.Marshal(&exec)
		if err != nil {
			return types.Errorf(types.ErrInternal, "encoding execution: %v", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
	if err == redis.TxFailedErr {
		return types.Errorf(types.ErrInvalidTransition,
			"execution %s changed concurrently", executionID)
	}
	return err
}

func (s *RedisStore) ListExecutions(ctx context.Context, tenantID string, filter ExecutionFilter) ([]*types.ExecutionContext, error) {
	ids, err := s.client.ZRevRange(ctx, s.tenantKey(tenantID), 0, -1).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "listing executions: %v", err)
	}

	var out []*types.ExecutionContext
	for _, id := range ids {
		exec, err := s.loadExecution(ctx, id)
		if err != nil {
			// Index entries may outlive their blobs.
			continue
		}
		if exec.TenantID != tenantID || !filter.matches(exec) {
			continue
		}
		out = append(out, exec)
	}
	return paginate(out, filter), nil
}

func (s *RedisStore) UpsertNodeResult(ctx context.Context, result *types.NodeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return types.Errorf(types.ErrInternal, "encoding node result: %v", err)
	}
	field := fmt.Sprintf("%s#%d", result.NodeID, result.Iteration)
	if err := s.client.HSet(ctx, s.resultsKey(result.ExecutionID), field, data).Err(); err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "upserting node result: %v", err)
	}
	return nil
}

func (s *RedisStore) GetNodeResults(ctx context.Context, executionID string) ([]*types.NodeResult, error) {
	fields, err := s.client.HGetAll(ctx, s.resultsKey(executionID)).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "listing node results: %v", err)
	}
	out := make([]*types.NodeResult, 0, len(fields))
	for _, raw := range fields {
		var result types.NodeResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, types.Errorf(types.ErrInternal, "decoding node result: %v", err)
		}
		out = append(out, &result)
	}
	sortResults(out)
	return out, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg *types.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return types.Errorf(types.ErrInternal, "encoding message: %v", err)
	}
	if err := s.client.RPush(ctx, s.messagesKey(msg.ExecutionID), data).Err(); err != nil {
		return types.Errorf(types.ErrStoreUnavailable, "appending message: %v", err)
	}
	return nil
}

func (s *RedisStore) GetMessages(ctx context.Context, executionID string) ([]*types.AgentMessage, error) {
	raws, err := s.client.LRange(ctx, s.messagesKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrStoreUnavailable, "listing messages: %v", err)
	}
	out := make([]*types.AgentMessage, 0, len(raws))
	for _, raw := range raws {
		var msg types.AgentMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, types.Errorf(types.ErrInternal, "decoding message: %v", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
