// Package redis provides a Redis backed cache for contract metadata so that
// several evmqueryd instances can share explorer lookups.
package redis
