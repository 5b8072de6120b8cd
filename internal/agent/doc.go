// Package agent turns a natural-language question about a smart contract into
// a validated sequence of read-only contract calls. It extracts the intent,
// resolves the contract ABI (following one proxy hop), alternates plan
// generation and critique up to a retry ceiling, and executes the first
// accepted plan step by step.
package agent
