// Package explorer fetches contract ABIs and verified source code from an
// Etherscan compatible block explorer and caches them across requests.
package explorer
