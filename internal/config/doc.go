// Package config loads the evmqueryd configuration from JSON or TOML files,
// applies environment overrides for secrets and endpoints, and fills in
// defaults for everything left unset.
package config
