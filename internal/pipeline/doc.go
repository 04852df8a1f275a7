// Package pipeline defines the core types and collaborator contracts shared by
// the ingestion stages: runs and their chunked jobs, candidate and stored
// funding-opportunity records, change decisions, and the structured error
// kinds every stage reports with.
package pipeline
