// Package memory persists what the agent knows across restarts: fuzzy
// searchable facts and per-(agent, sender) conversation sessions. File, Redis
// and PostgreSQL backends share the same Store contract.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/llm"
)

// Fact 是一条跨会话保存的事实。
type Fact struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Scope     string    `json:"scope,omitempty"`
	Session   string    `json:"session,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Match 是模糊检索命中的事实及其得分。
type Match struct {
	Fact
	Score float64 `json:"score"`
}

// Session 是某个 (agent, sender) 的完整会话。
type Session struct {
	ID        string        `json:"id"`
	Agent     string        `json:"agent"`
	Sender    string        `json:"sender"`
	Messages  []llm.Message `json:"messages"`
	Tokens    int           `json:"tokens"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SessionInfo 是会话列表中的摘要信息。
type SessionInfo struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Sender    string    `json:"sender"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FactStore 负责事实的增删查。scope 为空表示全局。
type FactStore interface {
	Remember(ctx context.Context, scope, key, value string) (Fact, error)
	// Recall 模糊检索事实；query 为空时返回该 scope 下全部事实。
	Recall(ctx context.Context, scope, query string, limit int) ([]Match, error)
	Forget(ctx context.Context, scope, key string) (bool, error)
	Facts(ctx context.Context, scope string) ([]Fact, error)
}

// SessionStore 负责会话的加载与持久化。
type SessionStore interface {
	// LoadSession 返回已有会话，不存在时返回一个新的空会话（尚未落盘）。
	LoadSession(ctx context.Context, agent, sender string) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error
	ListSessions(ctx context.Context) ([]SessionInfo, error)
}

// Store 同时具备事实与会话能力。
type Store interface {
	FactStore
	SessionStore
	Close() error
}

var (
	// ErrEmptyKey 表示事实缺少 key。
	ErrEmptyKey = xerrors.New(xerrors.CodeInvalidArgument, "fact key is required")
	// ErrNilSession 表示保存了空会话。
	ErrNilSession = xerrors.New(xerrors.CodeInvalidArgument, "session is nil")
)

// SessionID 由 agent 与 sender 派生稳定的会话 ID。
func SessionID(agent, sender string) string {
	sum := sha256.Sum256([]byte(agent + "\x00" + sender))
	return "s-" + hex.EncodeToString(sum[:8])
}

// NewSession 创建一个空会话。
func NewSession(agent, sender string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        SessionID(agent, sender),
		Agent:     agent,
		Sender:    sender,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone 深拷贝会话。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = llm.CloneMessages(s.Messages)
	return &out
}

// Info 返回会话摘要。
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:        s.ID,
		Agent:     s.Agent,
		Sender:    s.Sender,
		Messages:  len(s.Messages),
		UpdatedAt: s.UpdatedAt,
	}
}

// AlignedTail 返回最多 n 条最近消息，且起点落在用户消息上，
// 保证截断不会把工具调用与其结果拆开。n<=0 表示不截断。
func AlignedTail(msgs []llm.Message, n int) []llm.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	start := len(msgs) - n
	for start < len(msgs) && msgs[start].Role != llm.RoleUser {
		start++
	}
	if start == len(msgs) {
		// 最近 n 条内没有完整轮次，退回到更早的用户消息。
		for start = len(msgs) - n; start > 0 && msgs[start].Role != llm.RoleUser; start-- {
		}
	}
	return msgs[start:]
}
