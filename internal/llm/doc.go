// Package llm defines the tool-calling contract used by the planning agents
// and a retrying decorator that absorbs transient provider failures.
package llm
