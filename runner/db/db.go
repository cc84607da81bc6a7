package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"tangled.sh/tangled.sh/loom/notifier"
)

type DB struct {
	*sql.DB
	n *notifier.Notifier
}

// Make opens (creating if needed) the database at dbPath. Every status
// write wakes n.
func Make(dbPath string, n *notifier.Notifier) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
		-- status event for a single job instance
		create table if not exists events (
			rkey text not null,
			kind text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);

		create index if not exists events_created on events (created);

		-- final report of a run
		create table if not exists runs (
			rkey text primary key,
			workflow text not null,
			verdict text not null,
			report text not null, -- json
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	if n == nil {
		n = notifier.New()
	}
	return &DB{DB: db, n: n}, nil
}

func (d *DB) Notifier() *notifier.Notifier {
	return d.n
}
