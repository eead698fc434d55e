package state

import (
	"fmt"
)

// migrate runs all pending migrations.
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE file_states (
					path TEXT PRIMARY KEY,
					status TEXT NOT NULL DEFAULT 'pending',
					bytes_downloaded INTEGER NOT NULL DEFAULT 0,
					size INTEGER NOT NULL DEFAULT 0,
					checksum TEXT NOT NULL DEFAULT '',
					checksum_algo TEXT NOT NULL DEFAULT '',
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT '',
					last_attempt DATETIME,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					dump TEXT NOT NULL,
					version TEXT NOT NULL,
					job TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					succeeded INTEGER NOT NULL DEFAULT 0,
					failed INTEGER NOT NULL DEFAULT 0,
					skipped INTEGER NOT NULL DEFAULT 0,
					bytes_transferred INTEGER NOT NULL DEFAULT 0,
					status TEXT NOT NULL DEFAULT 'running',
					error_message TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX idx_file_states_status ON file_states(status);
			`,
		},
	}

	for _, migration := range migrations {
		if migration.version <= currentVersion {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.version, err)
		}

		if _, err := tx.Exec(migration.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", migration.version, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", migration.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.version, err)
		}

		s.logger.Info("applied schema migration", "version", migration.version)
	}

	return nil
}
