// Package personality defines who an agent is and renders that into the
// system prompt sent with every model request.
package personality

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "solstice-agent/internal/errors"
)

// Personality 描述 agent 的身份、语气与行为规则。
type Personality struct {
	Name    string   `yaml:"name" mapstructure:"name" json:"name"`
	Role    string   `yaml:"role" mapstructure:"role" json:"role"`
	Tone    string   `yaml:"tone" mapstructure:"tone" json:"tone"`
	Rules   []string `yaml:"rules" mapstructure:"rules" json:"rules,omitempty"`
	Context string   `yaml:"context" mapstructure:"context" json:"context,omitempty"`
}

// SystemPrompt 渲染系统提示词。
func (p Personality) SystemPrompt() string {
	p = p.withDefaults()
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s.\n", p.Name, p.Role)
	if p.Tone != "" {
		fmt.Fprintf(&b, "\nTone: %s\n", p.Tone)
	}
	if p.Context != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(p.Context))
	}
	if len(p.Rules) > 0 {
		b.WriteString("\nRules:\n")
		for _, rule := range p.Rules {
			fmt.Fprintf(&b, "- %s\n", rule)
		}
	}
	b.WriteString("\nYou have access to tools. Use them when appropriate.\n")
	b.WriteString("When a tool would help answer the question, call it instead of guessing.\n")
	b.WriteString("After using a tool, incorporate the result into your response naturally.")
	return b.String()
}

func (p Personality) withDefaults() Personality {
	if p.Name == "" {
		p.Name = "Sol"
	}
	if p.Role == "" {
		p.Role = "AI assistant"
	}
	return p
}

// Default 是内置的通用人格。
var Default = Personality{
	Name: "Sol",
	Role: "AI agent with tool access",
	Tone: "Direct, helpful, slightly witty. Not corporate.",
	Rules: []string{
		"Use tools when they'd help. Don't guess at file contents or system state",
		"Keep responses concise unless the user asks for detail",
		"If a task fails, explain why and suggest alternatives",
		"Never fabricate file contents, command output, or data",
	},
}

// Coder 是内置的编程助手人格。
var Coder = Personality{
	Name: "Sol",
	Role: "coding assistant with filesystem and terminal access",
	Tone: "Technical, precise, no fluff",
	Rules: []string{
		"Read files before editing them",
		"Prefer small, focused edits over rewriting entire files",
		"Run tests or builds after changes to verify they work",
		"Explain what you changed and why, briefly",
	},
	Context: "You can read, write, and edit files on the user's machine. You can run terminal commands.",
}

// Registry 按名称保存人格定义。
type Registry struct {
	mu    sync.RWMutex
	items map[string]Personality
}

// NewRegistry 创建包含内置人格的注册表。
func NewRegistry() *Registry {
	return &Registry{items: map[string]Personality{
		"default": Default,
		"coder":   Coder,
	}}
}

// Register 注册或覆盖人格。
func (r *Registry) Register(name string, p Personality) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[name] = p.withDefaults()
}

// Resolve 按名称查找人格，未知名称回退到 default。
func (r *Registry) Resolve(name string) Personality {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.items[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return r.items["default"]
}

// Lookup 按名称查找人格。
func (r *Registry) Lookup(name string) (Personality, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.items[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names 返回已注册的人格名称。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir 加载目录下的 *.yaml / *.yml 文件，文件名（不含扩展名）即人格名。
// 目录不存在时不报错。
func (r *Registry) LoadDir(dir string) (int, error) {
	if strings.TrimSpace(dir) == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read personalities dir")
	}
	loaded := 0
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		r.Register(strings.TrimSuffix(entry.Name(), ext), p)
		loaded++
	}
	return loaded, nil
}

// LoadFile 解析单个人格 YAML 文件。
func LoadFile(path string) (Personality, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Personality{}, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "read personality file")
	}
	var p Personality
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Personality{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err,
			fmt.Sprintf("parse personality %s", filepath.Base(path)))
	}
	return p.withDefaults(), nil
}
