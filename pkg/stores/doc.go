// Package stores provides the durable, crash-safe record of deployment
// progress. The SQLite-backed store is the single source of truth for step
// status and resource outputs, and the sole scheduling authority for the
// deployment engine.
package stores
