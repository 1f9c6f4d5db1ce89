// Package store provides storage backends for StepLine.
//
// It persists the scenario graph (scenarios, steps, step messages,
// transitions, invite codes), the per-(friend, step) delivery tracking ledger,
// the enrollment dedup log, and the append-only delivery audit trail. SQLite
// and PostgreSQL backends implement the same repo interfaces.
package store

import "strings"

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style connection strings and
// "sqlite" otherwise (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store combines every repo interface a fully wired service needs.
type Store interface {
	GraphRepo
	TrackingRepo
	EnrollRepo
	LogRepo
	Close() error
}
