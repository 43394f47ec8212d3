// Package db opens the Postgres connection and runs schema migrations.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"docfetch/internal/lock"
)

// Open connects to Postgres and verifies the connection.
func Open(connectionURL string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", connectionURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}

// Migrate executes every SQL script in dir, in name order, under an
// advisory lock so only one process migrates at a time.
func Migrate(conn *sql.DB, dir string, locks lock.Manager) error {
	if locks != nil {
		if err := locks.Acquire(lock.MigrationLock); err != nil {
			return err
		}
		defer locks.Release(lock.MigrationLock)
	}

	scripts, err := readSQLScripts(dir)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if _, err := conn.Exec(script); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func readSQLScripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var scripts []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, string(content))
	}
	return scripts, nil
}
