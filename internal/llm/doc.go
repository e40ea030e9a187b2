// Package llm defines the provider-neutral conversation model (messages, tool
// calls, tool results) and the Provider contract every model backend adapter
// implements. Concrete adapters live in the openai and ollama subpackages.
package llm
