package engine

import (
	"database/sql"

	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

// Open opens a SQLite database using the modernc.org/sqlite driver.
//
// For file-based databases, pass a path like "./briefcase.bim". For
// in-memory databases, pass ":memory:".
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// The core is single-threaded and connection-state-carrying (temp
	// tables, triggers, pause markers); pooling would scatter that state
	// across physical connections.
	db.SetMaxOpenConns(1)
	return db, nil
}
