// Package action exposes the query agent as a chat action: it validates the
// host settings, sends an interim message and renders the final answer.
package action
