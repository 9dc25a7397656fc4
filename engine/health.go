package engine

// StatementStat aggregates the executions of one SQL statement shape while
// applying a changeset.
type StatementStat struct {
	SQLStatement   string
	DBOperation    string
	RowCount       int64
	ElapsedMs      float64
	FullTableScans int64
}

// HealthStat captures the cost of applying one changeset. Records are
// owned by the connection and kept for its lifetime (or until cleared).
type HealthStat struct {
	ChangesetID           string
	UncompressedSizeBytes uint64
	InsertedRows          int64
	UpdatedRows           int64
	DeletedRows           int64
	TotalElapsedMs        float64
	TotalFullTableScans   int64
	PerStatementStats     []StatementStat
}

// EnableChangesetStatTracking turns on per-changeset health statistics.
// Disabled by default to avoid overhead; purely observational either way.
func (c *Connection) EnableChangesetStatTracking() { c.statsEnabled = true }

// DisableChangesetStatTracking turns health statistics off again. Already
// collected records are kept.
func (c *Connection) DisableChangesetStatTracking() { c.statsEnabled = false }

// ChangesetHealthData returns the health records collected so far.
func (c *Connection) ChangesetHealthData() []HealthStat {
	out := make([]HealthStat, len(c.health))
	copy(out, c.health)
	return out
}

// ClearChangesetHealthData drops the collected health records.
func (c *Connection) ClearChangesetHealthData() { c.health = nil }
