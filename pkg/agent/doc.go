// Package agent is the public entry point of agentflow.
//
// An AgenticSystem wires the pieces together:
//   - an llm.LLMClient built by NewLLMClient from the configured provider, wrapped in the middleware chain
//   - a tools.Registry with the local tools and the tools of the enabled MCP servers
//   - the toolloop state machine that drives one task to an answer
//
// Provider bindings live under internal/ and are only reachable through NewLLMClient.
package agent
