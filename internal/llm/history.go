package llm

import "fmt"

// IsTurnStart 判断消息是否开启一个新的用户轮次。压缩摘要不算轮次起点。
func IsTurnStart(m Message) bool {
	return m.Role == RoleUser && !m.Summary
}

// LastTurnStart 返回最后一个轮次起点的下标，不存在时返回 -1。
func LastTurnStart(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if IsTurnStart(msgs[i]) {
			return i
		}
	}
	return -1
}

// CheckPairing 校验每个 ToolCall 在下一条用户消息之前恰好有一个对应的 ToolResult，
// 且每个 ToolResult 都引用了此前出现的 ToolCall。
func CheckPairing(msgs []Message) error {
	pending := map[string]int{}
	flush := func(at int) error {
		for id := range pending {
			if pending[id] == 0 {
				return fmt.Errorf("tool call %s has no result before message %d", id, at)
			}
		}
		clear(pending)
		return nil
	}
	for i, m := range msgs {
		switch {
		case m.Role == RoleUser:
			if err := flush(i); err != nil {
				return err
			}
		case m.HasToolCalls():
			for _, call := range m.ToolCalls {
				if _, dup := pending[call.ID]; dup {
					return fmt.Errorf("duplicate tool call id %s at message %d", call.ID, i)
				}
				pending[call.ID] = 0
			}
		case m.Role == RoleTool:
			if m.ToolResult == nil {
				return fmt.Errorf("tool message %d has no result", i)
			}
			n, ok := pending[m.ToolResult.CallID]
			if !ok {
				return fmt.Errorf("tool result %s at message %d has no matching call", m.ToolResult.CallID, i)
			}
			if n > 0 {
				return fmt.Errorf("tool call %s has more than one result", m.ToolResult.CallID)
			}
			pending[m.ToolResult.CallID] = 1
		}
	}
	return flush(len(msgs))
}

// RepairPairing 为缺少结果的工具调用补上错误结果，并丢弃没有对应调用的结果。
// 用于加载外部来源或中途崩溃留下的历史。
func RepairPairing(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	var open []ToolCall
	answered := map[string]bool{}
	closeOpen := func() {
		for _, call := range open {
			if !answered[call.ID] {
				out = append(out, ToolMessage(ToolResult{
					CallID:  call.ID,
					Name:    call.Name,
					Content: "Error: tool call was interrupted",
					IsError: true,
				}))
			}
		}
		open = nil
		clear(answered)
	}
	for _, m := range msgs {
		switch {
		case m.Role == RoleUser || m.Role == RoleAssistant:
			closeOpen()
			out = append(out, m)
			if m.HasToolCalls() {
				open = append(open, m.ToolCalls...)
			}
		case m.Role == RoleTool:
			if m.ToolResult == nil || answered[m.ToolResult.CallID] || !containsCall(open, m.ToolResult.CallID) {
				continue
			}
			answered[m.ToolResult.CallID] = true
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	closeOpen()
	return out
}

func containsCall(calls []ToolCall, id string) bool {
	for _, c := range calls {
		if c.ID == id {
			return true
		}
	}
	return false
}
