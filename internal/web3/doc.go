// Package web3 houses blockchain connectivity for the query agent: the
// read-only contract call contract, chain definitions loaded from YAML and
// the snapshot type used by health reporting. Writes, deployments and event
// subscriptions are intentionally absent.
package web3
