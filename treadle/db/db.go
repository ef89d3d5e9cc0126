package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists pipelines (
			id text primary key,
			repo text not null,
			kind text not null,
			sha text not null default '',
			status text not null,
			error text not null default '',
			exit_code integer not null default 0,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		-- status event for a single workflow
		create table if not exists events (
			pipeline text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
		create index if not exists events_created on events (created);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
