package db

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the custom driver name with waterline's connection
// defaults applied to every connection in the pool.
const SQLiteDriverName = "sqlite3_waterline"

func init() {
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			// WAL keeps readers (oracle lookups) from blocking the single
			// writer (event ingest, purges).
			_, err := conn.Exec(
				"PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;",
				nil,
			)
			return err
		},
	})
}
