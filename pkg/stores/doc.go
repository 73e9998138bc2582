// Package stores persists inframate runs, recovery records and events in
// SQLite. Schema changes are applied with embedded golang-migrate
// migrations; writes retry with backoff while the database is busy.
package stores
