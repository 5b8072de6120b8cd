// Package metrics exposes Prometheus collectors for HTTP traffic, query
// outcomes, plan attempts, contract reads and async tasks.
package metrics
