// Package api exposes the HTTP surface of evmqueryd: synchronous and queued
// contract queries, task lookup, query history, health and metrics.
package api
