// Package cmd implements the pipeline command line.
//
// Architecture overview:
//   - serve: starts the worker pool, the watchdog, and the read-only status API. Runs left pending by a previous
//     process are requeued oldest first at startup.
//   - run: records a run for one source. With --wait it processes the run in-process and blocks until it is
//     terminal; without it the run stays pending until a serve process sharing the same database recovers it.
//   - sources: lists the configured sources.
//
// Configuration comes from an optional YAML file (--config), a .env file in the working directory, and PIPELINE_*
// environment variables, in increasing precedence.
package cmd
