// Package ecchange reconstructs logical instance-level changes from the raw
// per-table records a changeset.Reader yields. The Adaptor emits one
// physical-table fragment at a time (class resolution, property mapping,
// corruption-recovery fallback); the Accumulator unifies fragments of the
// same (instance, stage) across tables through a pluggable cache, either
// in memory or spilled into SQLite scratch storage.
package ecchange
