package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "solstice-agent/internal/errors"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// RedisStore 使用 hash 保存事实，使用字符串键保存会话。
type RedisStore struct {
	client      *redis.Client
	prefix      string
	maxMessages int
	now         func() time.Time
}

// RedisOption 定义 Redis 存储的可选配置。
type RedisOption func(*RedisStore)

// WithRedisMaxLoadedMessages 设置加载会话时保留的最大消息数，0 表示不截断。
func WithRedisMaxLoadedMessages(n int) RedisOption {
	return func(s *RedisStore) {
		if n >= 0 {
			s.maxMessages = n
		}
	}
}

// NewRedisStore 创建 Redis 存储并检查连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...RedisOption) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "connect redis")
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisStoreWithClient 复用已有客户端。
func NewRedisStoreWithClient(client *redis.Client, prefix string, opts ...RedisOption) *RedisStore {
	if prefix == "" {
		prefix = "solstice:memory"
	}
	s := &RedisStore{
		client:      client,
		prefix:      strings.TrimSuffix(prefix, ":"),
		maxMessages: DefaultMaxLoadedMessages,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) factsKey(scope string) string {
	if scope == "" {
		scope = "_global"
	}
	return s.prefix + ":facts:" + scope
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + ":session:" + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":sessions"
}

// Remember 写入事实。
func (s *RedisStore) Remember(ctx context.Context, scope, key, value string) (Fact, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Fact{}, ErrEmptyKey
	}
	now := s.now().UTC()
	fact := Fact{Key: key, Value: value, Scope: scope, Session: sessionFrom(ctx), CreatedAt: now, UpdatedAt: now}

	existing, err := s.client.HGet(ctx, s.factsKey(scope), key).Result()
	switch {
	case err == nil:
		var prev Fact
		if json.Unmarshal([]byte(existing), &prev) == nil && !prev.CreatedAt.IsZero() {
			fact.CreatedAt = prev.CreatedAt
		}
	case !errors.Is(err, redis.Nil):
		return Fact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis read fact")
	}

	raw, err := json.Marshal(fact)
	if err != nil {
		return Fact{}, err
	}
	if err := s.client.HSet(ctx, s.factsKey(scope), key, raw).Err(); err != nil {
		return Fact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis write fact")
	}
	return fact, nil
}

// Recall 模糊检索事实。
func (s *RedisStore) Recall(ctx context.Context, scope, query string, limit int) ([]Match, error) {
	facts, err := s.Facts(ctx, scope)
	if err != nil {
		return nil, err
	}
	return Rank(facts, query, limit), nil
}

// Forget 删除事实。
func (s *RedisStore) Forget(ctx context.Context, scope, key string) (bool, error) {
	n, err := s.client.HDel(ctx, s.factsKey(scope), strings.TrimSpace(key)).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis delete fact")
	}
	return n > 0, nil
}

// Facts 返回 scope 下的全部事实。
func (s *RedisStore) Facts(ctx context.Context, scope string) ([]Fact, error) {
	values, err := s.client.HGetAll(ctx, s.factsKey(scope)).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis list facts")
	}
	facts := make([]Fact, 0, len(values))
	for _, raw := range values {
		var f Fact
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		facts = append(facts, f)
	}
	return facts, nil
}

// LoadSession 读取会话。
func (s *RedisStore) LoadSession(ctx context.Context, agent, sender string) (*Session, error) {
	id := SessionID(agent, sender)
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewSession(agent, sender), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis read session")
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode session")
	}
	session.Messages = AlignedTail(session.Messages, s.maxMessages)
	return &session, nil
}

// SaveSession 写入会话并更新索引。
func (s *RedisStore) SaveSession(ctx context.Context, session *Session) error {
	if session == nil {
		return ErrNilSession
	}
	if session.ID == "" {
		session.ID = SessionID(session.Agent, session.Sender)
	}
	session.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sessionKey(session.ID), raw, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(session.UpdatedAt.UnixMilli()), Member: session.ID})
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis write session")
	}
	return nil
}

// ListSessions 按最近更新时间倒序列出会话。
func (s *RedisStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis list sessions")
	}
	infos := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
		if err != nil {
			continue
		}
		var session Session
		if json.Unmarshal(raw, &session) != nil {
			continue
		}
		infos = append(infos, session.Info())
	}
	return infos, nil
}

// Close 关闭客户端。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
