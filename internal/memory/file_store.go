package memory

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "solstice-agent/internal/errors"
	"solstice-agent/internal/storage/atomicfile"
)

const (
	notesFile        = "notes.json"
	conversationsDir = "conversations"

	// DefaultMaxLoadedMessages 限制从磁盘加载的历史长度。
	DefaultMaxLoadedMessages = 1000
)

// FileStore 将事实保存在 notes.json，会话保存在 conversations/{id}.json。
type FileStore struct {
	dir         string
	maxMessages int

	factsMu    sync.RWMutex
	sessionsMu sync.RWMutex
}

// FileOption 定义文件存储的可选配置。
type FileOption func(*FileStore)

// WithMaxLoadedMessages 设置加载会话时保留的最大消息数，0 表示不截断。
func WithMaxLoadedMessages(n int) FileOption {
	return func(s *FileStore) {
		if n >= 0 {
			s.maxMessages = n
		}
	}
}

// NewFileStore 创建基于目录的存储。
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "memory dir is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, conversationsDir), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create memory dir")
	}
	s := &FileStore{dir: dir, maxMessages: DefaultMaxLoadedMessages}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *FileStore) notesPath() string {
	return filepath.Join(s.dir, notesFile)
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.dir, conversationsDir, id+".json")
}

func (s *FileStore) readFacts() ([]Fact, error) {
	var facts []Fact
	if _, err := atomicfile.ReadJSON(s.notesPath(), &facts); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read notes")
	}
	return facts, nil
}

func (s *FileStore) writeFacts(facts []Fact) error {
	if facts == nil {
		facts = []Fact{}
	}
	if err := atomicfile.WriteJSON(s.notesPath(), facts); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write notes")
	}
	return nil
}

// Remember 写入或覆盖同 scope 下同名事实。
func (s *FileStore) Remember(ctx context.Context, scope, key, value string) (Fact, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Fact{}, ErrEmptyKey
	}
	s.factsMu.Lock()
	defer s.factsMu.Unlock()

	facts, err := s.readFacts()
	if err != nil {
		return Fact{}, err
	}
	now := time.Now().UTC()
	fact := Fact{Key: key, Value: value, Scope: scope, Session: sessionFrom(ctx), CreatedAt: now, UpdatedAt: now}
	replaced := false
	for i := range facts {
		if facts[i].Scope == scope && facts[i].Key == key {
			fact.CreatedAt = facts[i].CreatedAt
			facts[i] = fact
			replaced = true
			break
		}
	}
	if !replaced {
		facts = append(facts, fact)
	}
	if err := s.writeFacts(facts); err != nil {
		return Fact{}, err
	}
	return fact, nil
}

// Recall 模糊检索事实。
func (s *FileStore) Recall(ctx context.Context, scope, query string, limit int) ([]Match, error) {
	facts, err := s.Facts(ctx, scope)
	if err != nil {
		return nil, err
	}
	return Rank(facts, query, limit), nil
}

// Forget 删除事实，返回是否存在。
func (s *FileStore) Forget(_ context.Context, scope, key string) (bool, error) {
	key = strings.TrimSpace(key)
	s.factsMu.Lock()
	defer s.factsMu.Unlock()

	facts, err := s.readFacts()
	if err != nil {
		return false, err
	}
	kept := facts[:0]
	found := false
	for _, f := range facts {
		if f.Scope == scope && f.Key == key {
			found = true
			continue
		}
		kept = append(kept, f)
	}
	if !found {
		return false, nil
	}
	return true, s.writeFacts(kept)
}

// Facts 返回 scope 下的全部事实。
func (s *FileStore) Facts(_ context.Context, scope string) ([]Fact, error) {
	s.factsMu.RLock()
	defer s.factsMu.RUnlock()

	facts, err := s.readFacts()
	if err != nil {
		return nil, err
	}
	out := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if f.Scope == scope {
			out = append(out, f)
		}
	}
	return out, nil
}

// LoadSession 读取会话，不存在时返回新会话。
func (s *FileStore) LoadSession(_ context.Context, agent, sender string) (*Session, error) {
	id := SessionID(agent, sender)
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	var session Session
	found, err := atomicfile.ReadJSON(s.sessionPath(id), &session)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read session",
			xerrors.WithMetadata("session_id", id))
	}
	if !found {
		return NewSession(agent, sender), nil
	}
	session.Messages = AlignedTail(session.Messages, s.maxMessages)
	return &session, nil
}

// SaveSession 原子地写入会话文件。
func (s *FileStore) SaveSession(_ context.Context, session *Session) error {
	if session == nil {
		return ErrNilSession
	}
	if session.ID == "" {
		session.ID = SessionID(session.Agent, session.Sender)
	}
	session.UpdatedAt = time.Now().UTC()

	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	if err := atomicfile.WriteJSON(s.sessionPath(session.ID), session); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write session",
			xerrors.WithMetadata("session_id", session.ID))
	}
	return nil
}

// ListSessions 按最近更新时间倒序列出会话。
func (s *FileStore) ListSessions(_ context.Context) ([]SessionInfo, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, conversationsDir))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list sessions")
	}
	infos := make([]SessionInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var session Session
		ok, err := atomicfile.ReadJSON(filepath.Join(s.dir, conversationsDir, entry.Name()), &session)
		if err != nil || !ok {
			continue
		}
		infos = append(infos, session.Info())
	}
	sortInfos(infos)
	return infos, nil
}

// Close 文件存储无需释放资源。
func (s *FileStore) Close() error { return nil }

func sortInfos(infos []SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
}

type sessionKey struct{}

// WithSessionID 记录写入事实时所在的会话，供存储回填 Fact.Session。
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func sessionFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
