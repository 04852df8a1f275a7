// Package store defines interfaces for persistence dependencies (runs, chunk
// jobs, opportunities, and the activity log). Implementations live in other
// packages; this package must not import database drivers or concrete clients.
package store
