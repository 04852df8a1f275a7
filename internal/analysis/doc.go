// Package analysis groups change-flagged candidate records into token-bounded
// batches and sends each batch to the external analysis service.
//
// Records marked as bypassed never reach the service; they keep the analysis
// already stored for them. Every input produces exactly one Outcome.
package analysis
