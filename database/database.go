package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Connect to and setup the database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dsn)
	}

	// Set the maximum number of open connections to 1.
	// Every state-changing call runs in a single transaction on this
	// connection, which gives the ledger its total order.
	db.SetMaxOpenConns(1)

	// Enable WAL mode
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}

	return db, nil
}
