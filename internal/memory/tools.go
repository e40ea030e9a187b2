package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"solstice-agent/internal/tool"
)

// ScopeAgent 表示事实按 agent 隔离，ScopeGlobal 表示全部 agent 共享。
const (
	ScopeGlobal = "global"
	ScopeAgent  = "agent"
)

const recallLimit = 10

// RegisterTools 注册记忆相关工具。mode 为 ScopeAgent 时事实按调用方 agent 隔离。
func RegisterTools(reg *tool.Registry, store Store, mode string) error {
	scopeOf := func(ctx context.Context) string {
		if mode != ScopeAgent {
			return ""
		}
		caller, _ := tool.CallerFrom(ctx)
		return caller.Agent
	}
	withSession := func(ctx context.Context) context.Context {
		if caller, ok := tool.CallerFrom(ctx); ok && caller.SessionID != "" {
			return WithSessionID(ctx, caller.SessionID)
		}
		return ctx
	}

	remember := tool.Func("memory_remember",
		"Save a fact to long-term memory so it can be recalled in later conversations.",
		tool.Object(map[string]*jsonschema.Schema{
			"key":   tool.String("Short name for the fact, e.g. 'production database'"),
			"value": tool.String("The fact to remember"),
		}, "key", "value"),
		func(ctx context.Context, args map[string]any) (string, error) {
			fact, err := store.Remember(withSession(ctx), scopeOf(ctx), tool.StringArg(args, "key"), tool.StringArg(args, "value"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Remembered: %s = %s", fact.Key, fact.Value), nil
		})

	recall := tool.Func("memory_recall",
		"Search long-term memory. Leave query empty to list everything saved.",
		tool.Object(map[string]*jsonschema.Schema{
			"query": tool.String("What to look for, e.g. 'database port'"),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			query := strings.TrimSpace(tool.StringArg(args, "query"))
			limit := recallLimit
			if query == "" {
				limit = 0
			}
			matches, err := store.Recall(ctx, scopeOf(ctx), query, limit)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				if query == "" {
					return "No saved memories.", nil
				}
				return fmt.Sprintf("No memories matching '%s'.", query), nil
			}
			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "- %s: %s\n", m.Key, m.Value)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		})

	forget := tool.Func("memory_forget",
		"Delete a fact from long-term memory.",
		tool.Object(map[string]*jsonschema.Schema{
			"key": tool.String("Key of the fact to delete"),
		}, "key"),
		func(ctx context.Context, args map[string]any) (string, error) {
			key := tool.StringArg(args, "key")
			ok, err := store.Forget(ctx, scopeOf(ctx), key)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("No memory found for '%s'.", key), nil
			}
			return fmt.Sprintf("Forgot: %s", key), nil
		})

	conversations := tool.Func("memory_list_conversations",
		"List saved conversations with their message counts.",
		tool.Object(nil),
		func(ctx context.Context, _ map[string]any) (string, error) {
			infos, err := store.ListSessions(ctx)
			if err != nil {
				return "", err
			}
			if mode == ScopeAgent {
				agent := scopeOf(ctx)
				kept := infos[:0]
				for _, info := range infos {
					if info.Agent == agent {
						kept = append(kept, info)
					}
				}
				infos = kept
			}
			if len(infos) == 0 {
				return "No saved conversations.", nil
			}
			var b strings.Builder
			for _, info := range infos {
				fmt.Fprintf(&b, "- %s (%s/%s): %d messages, updated %s\n",
					info.ID, info.Agent, info.Sender, info.Messages, info.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return strings.TrimRight(b.String(), "\n"), nil
		})

	for _, t := range []tool.Tool{remember, recall, forget, conversations} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
