package serverlist

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Schema of the server_list table read by SQLiteSource.
const Schema = `CREATE TABLE IF NOT EXISTS server_list (
	code    INTEGER PRIMARY KEY,
	name    TEXT    NOT NULL,
	address TEXT    NOT NULL,
	port    INTEGER NOT NULL,
	visible INTEGER NOT NULL DEFAULT 1
)`

// SQLiteSource loads the catalog from a SQLite database, for fleets that
// manage their server list with tooling rather than a text file.
type SQLiteSource struct {
	Path string
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	return db, nil
}

// Load implements Source.
func (s SQLiteSource) Load() ([]Entry, error) {
	if _, err := os.Stat(s.Path); err != nil {
		return nil, fmt.Errorf("server list database %s: %w", s.Path, err)
	}
	db, err := openDB(s.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT code, name, address, port, visible FROM server_list ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query server_list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			code, port int64
			visible    int64
			name, addr string
		)
		if err := rows.Scan(&code, &name, &addr, &port, &visible); err != nil {
			return nil, fmt.Errorf("failed to scan server_list row: %w", err)
		}
		entries = append(entries, Entry{
			ServerCode:    uint16(code),
			ServerName:    truncate(name, maxNameLen),
			ServerAddress: truncate(addr, maxAddressLen),
			ServerPort:    uint16(port),
			Visible:       visible != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read server_list: %w", err)
	}
	return entries, nil
}

func (s SQLiteSource) String() string { return "sqlite:" + s.Path }

// WriteSQLite creates the database at path if needed and replaces its
// server_list rows with entries. The console uses it to export the
// running catalog.
func WriteSQLite(path string, entries []Entry) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create server_list: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM server_list`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear server_list: %w", err)
	}
	for _, e := range entries {
		visible := 0
		if e.Visible {
			visible = 1
		}
		if _, err := tx.Exec(`INSERT INTO server_list (code, name, address, port, visible) VALUES (?, ?, ?, ?, ?)`,
			e.ServerCode, e.ServerName, e.ServerAddress, e.ServerPort, visible); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert server %d: %w", e.ServerCode, err)
		}
	}
	return tx.Commit()
}
