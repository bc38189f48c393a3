// Package agent drives stateless conversational agents through a bounded
// function-calling exchange until they emit exactly one validated terminal
// artifact. An agent may call read-only side functions registered by the
// caller; the loop ends when the agent calls its role's submit function, when
// the round budget is exhausted, or when the wall-clock budget elapses.
package agent
