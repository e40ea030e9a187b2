// Package api exposes the agent runtime over HTTP: synchronous chat turns,
// inbound gateway messages, scheduled job management and fact lookup.
package api
