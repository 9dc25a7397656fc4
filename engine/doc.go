// Package engine manages briefcase connections on the modernc.org/sqlite
// driver: opening databases, the briefcase meta tables (schema generation,
// changeset timeline, local change log), trigger-based tracking of local
// edits, applying changesets, and opt-in per-changeset health statistics.
package engine
