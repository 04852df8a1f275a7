// Package memory provides in-memory run, job, opportunity, activity, and blob
// stores for development and tests. State transitions follow the same
// compare-and-set rules as the Postgres stores.
package memory
