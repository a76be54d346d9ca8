package database

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// migrate applies every migration above the stored PRAGMA user_version in
// order. A schema newer than this build knows is refused.
func migrate(conn *sql.DB, logger *zap.Logger) error {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return err
	}

	latest := latestVersion()
	switch {
	case current > latest:
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, latest)
	case current == latest:
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
		if err := applyMigration(conn, m); err != nil {
			return err
		}
	}
	logger.Debug("schema up to date", zap.Int("from", current), zap.Int("to", latest))
	return nil
}

func applyMigration(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}

	// modernc/sqlite ignores user_version inside a transaction. The DDL is
	// idempotent, so a crash before this stamp re-runs the step.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}
