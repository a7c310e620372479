// Package database manages the relational connection pool behind the
// gorm-backed store: pool sizing, periodic health pings, stats and
// transaction retry for transient failures.
package database
