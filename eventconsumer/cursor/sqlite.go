package cursor

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"tangled.sh/tangled.sh/loom/log"
)

type SqliteStore struct {
	db        *sql.DB
	tableName string
	l         *slog.Logger
}

type SqliteStoreOpt func(*SqliteStore)

func WithTableName(name string) SqliteStoreOpt {
	return func(s *SqliteStore) {
		s.tableName = name
	}
}

func WithLogger(l *slog.Logger) SqliteStoreOpt {
	return func(s *SqliteStore) {
		s.l = l
	}
}

func NewSQLiteStore(dbPath string, opts ...SqliteStoreOpt) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SqliteStore{
		db:        db,
		tableName: "cursors",
		l:         log.New("cursor"),
	}

	for _, o := range opts {
		o(store)
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SqliteStore) init() error {
	createTable := fmt.Sprintf(`
	create table if not exists %s (
		source text primary key,
		cursor integer not null
	);`, s.tableName)
	_, err := s.db.Exec(createTable)
	return err
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

func (s *SqliteStore) Set(source string, cursor int64) {
	query := fmt.Sprintf(`
		insert into %s (source, cursor)
		values (?, ?)
		on conflict(source) do update set cursor=excluded.cursor;
	`, s.tableName)

	if _, err := s.db.Exec(query, source, cursor); err != nil {
		s.l.Error("failed to save cursor", "source", source, "err", err)
	}
}

func (s *SqliteStore) Get(source string) (cursor int64) {
	query := fmt.Sprintf(`
		select cursor from %s where source = ?;
	`, s.tableName)
	err := s.db.QueryRow(query, source).Scan(&cursor)

	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.l.Error("failed to read cursor", "source", source, "err", err)
		}
		return 0
	}

	return cursor
}
