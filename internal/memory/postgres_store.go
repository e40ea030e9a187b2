package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
)

type factRow struct {
	bun.BaseModel `bun:"table:memory_facts,alias:f"`

	Scope     string    `bun:"scope,pk"`
	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	Session   string    `bun:"session"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type sessionRow struct {
	bun.BaseModel `bun:"table:memory_sessions,alias:s"`

	ID        string    `bun:"id,pk"`
	Agent     string    `bun:"agent,notnull"`
	Sender    string    `bun:"sender,notnull"`
	Messages  string    `bun:"messages,type:text,notnull"`
	Count     int       `bun:"message_count,notnull"`
	Tokens    int       `bun:"tokens,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func (r factRow) fact() Fact {
	return Fact{Key: r.Key, Value: r.Value, Scope: r.Scope, Session: r.Session, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// PostgresStore 基于 bun 的 PostgreSQL 存储。
type PostgresStore struct {
	db          *bun.DB
	maxMessages int
}

// PostgresOption 定义 PostgreSQL 存储的可选配置。
type PostgresOption func(*PostgresStore)

// WithPostgresMaxLoadedMessages 设置加载会话时保留的最大消息数，0 表示不截断。
func WithPostgresMaxLoadedMessages(n int) PostgresOption {
	return func(s *PostgresStore) {
		if n >= 0 {
			s.maxMessages = n
		}
	}
}

// NewPostgresStore 连接数据库并初始化表结构。
func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "postgres dsn is required")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "connect postgres")
	}
	store := NewPostgresStoreWithDB(sqldb, opts...)
	if err := store.initSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB 复用已有连接池，不做建表。
func NewPostgresStoreWithDB(sqldb *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: bun.NewDB(sqldb, pgdialect.New()), maxMessages: DefaultMaxLoadedMessages}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	models := []any{(*factRow)(nil), (*sessionRow)(nil)}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create memory tables")
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*sessionRow)(nil)).
		Index("memory_sessions_updated_idx").
		IfNotExists().
		Column("updated_at").
		Exec(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create memory index")
	}
	return nil
}

// Remember 写入事实，冲突时更新 value。
func (s *PostgresStore) Remember(ctx context.Context, scope, key, value string) (Fact, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Fact{}, ErrEmptyKey
	}
	now := time.Now().UTC()
	row := &factRow{Scope: scope, Key: key, Value: value, Session: sessionFrom(ctx), CreatedAt: now, UpdatedAt: now}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (scope, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("session = EXCLUDED.session").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("created_at").
		Exec(ctx)
	if err != nil {
		return Fact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres write fact")
	}
	return row.fact(), nil
}

// Recall 模糊检索事实。
func (s *PostgresStore) Recall(ctx context.Context, scope, query string, limit int) ([]Match, error) {
	facts, err := s.Facts(ctx, scope)
	if err != nil {
		return nil, err
	}
	return Rank(facts, query, limit), nil
}

// Forget 删除事实。
func (s *PostgresStore) Forget(ctx context.Context, scope, key string) (bool, error) {
	res, err := s.db.NewDelete().
		Model((*factRow)(nil)).
		Where("scope = ?", scope).
		Where("key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres delete fact")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres delete fact")
	}
	return n > 0, nil
}

// Facts 返回 scope 下的全部事实。
func (s *PostgresStore) Facts(ctx context.Context, scope string) ([]Fact, error) {
	var rows []factRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("scope = ?", scope).
		Order("updated_at DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres list facts")
	}
	facts := make([]Fact, 0, len(rows))
	for _, r := range rows {
		facts = append(facts, r.fact())
	}
	return facts, nil
}

// LoadSession 读取会话。
func (s *PostgresStore) LoadSession(ctx context.Context, agent, sender string) (*Session, error) {
	row := new(sessionRow)
	err := s.db.NewSelect().Model(row).Where("id = ?", SessionID(agent, sender)).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && row.ID == "") {
		return NewSession(agent, sender), nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres read session")
	}
	var messages []llm.Message
	if err := json.Unmarshal([]byte(row.Messages), &messages); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode session messages")
	}
	return &Session{
		ID:        row.ID,
		Agent:     row.Agent,
		Sender:    row.Sender,
		Messages:  AlignedTail(messages, s.maxMessages),
		Tokens:    row.Tokens,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// SaveSession 写入会话。
func (s *PostgresStore) SaveSession(ctx context.Context, session *Session) error {
	if session == nil {
		return ErrNilSession
	}
	if session.ID == "" {
		session.ID = SessionID(session.Agent, session.Sender)
	}
	session.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(session.Messages)
	if err != nil {
		return err
	}
	row := &sessionRow{
		ID:        session.ID,
		Agent:     session.Agent,
		Sender:    session.Sender,
		Messages:  string(raw),
		Count:     len(session.Messages),
		Tokens:    session.Tokens,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("messages = EXCLUDED.messages").
		Set("message_count = EXCLUDED.message_count").
		Set("tokens = EXCLUDED.tokens").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres write session")
	}
	return nil
}

// ListSessions 列出会话摘要。
func (s *PostgresStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var rows []sessionRow
	err := s.db.NewSelect().
		Model(&rows).
		Column("id", "agent", "sender", "message_count", "updated_at").
		Order("updated_at DESC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "postgres list sessions")
	}
	infos := make([]SessionInfo, 0, len(rows))
	for _, r := range rows {
		infos = append(infos, SessionInfo{ID: r.ID, Agent: r.Agent, Sender: r.Sender, Messages: r.Count, UpdatedAt: r.UpdatedAt})
	}
	return infos, nil
}

// Close 关闭连接池。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
