// Package mysql persists the history of answered queries, either in MySQL
// with embedded schema migrations or in a local JSON lines file.
package mysql
