//go:build sqlite_vec

package storage

// Built with CGO and the sqlite_vec tag, the SQLite backend uses
// mattn/go-sqlite3 and ranks vectors inside SQLite through a registered
// vec_distance_cosine function.
//
//   CGO_ENABLED=1 go build -tags sqlite_vec ./...

import (
	"database/sql"

	sqlite3 "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the SQLite driver to use
	DriverName = "sqlite3_coderag"

	// VectorExtensionAvailable reports whether vec_distance_cosine is
	// available in SQL
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration
	BuildMode = "cgo"
)

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("vec_distance_cosine", cosineDistanceBlobs, true)
		},
	})
}
