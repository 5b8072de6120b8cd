// Package auth protects the HTTP API with static API keys or HS256 bearer
// tokens and records every authenticated request in the audit log.
package auth
