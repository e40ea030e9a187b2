// Package tool implements the capability table the conversation engine
// dispatches model tool calls through: a name to (schema, handler) registry,
// argument validation, the security gate and confirmation ports, per-call
// timeouts and the bounded background runner.
package tool
