package database

import (
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

// ReplaceKeywords stores kws as the complete keyword list of a project.
func (db *DB) ReplaceKeywords(projectID string, kws []keyword.Keyword) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM keywords WHERE project_id = ?", projectID); err != nil {
		return err
	}
	if _, err := insertKeywords(tx, projectID, kws, 0); err != nil {
		return err
	}
	if err := touchProject(tx, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// MergeKeywords adds new keywords and refreshes the figures of known ones.
// Returns how many keywords were new.
func (db *DB) MergeKeywords(projectID string, kws []keyword.Keyword) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(position) + 1, 0) FROM keywords WHERE project_id = ?", projectID,
	).Scan(&next); err != nil {
		return 0, err
	}

	added, err := insertKeywords(tx, projectID, kws, next)
	if err != nil {
		return 0, err
	}
	if err := touchProject(tx, projectID); err != nil {
		return 0, err
	}
	return added, tx.Commit()
}

func insertKeywords(tx *sql.Tx, projectID string, kws []keyword.Keyword, position int) (int, error) {
	stmt, err := tx.Prepare(
		`INSERT INTO keywords (project_id, text, position, volume, difficulty, intent, cpc, trend)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, text) DO UPDATE SET
			volume = excluded.volume,
			difficulty = excluded.difficulty,
			intent = excluded.intent,
			cpc = excluded.cpc,
			trend = CASE WHEN excluded.trend = '' THEN keywords.trend ELSE excluded.trend END`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var before int
	if err := tx.QueryRow("SELECT COUNT(*) FROM keywords WHERE project_id = ?", projectID).Scan(&before); err != nil {
		return 0, err
	}

	for _, k := range kws {
		if err := k.Validate(); err != nil {
			return 0, err
		}
		if _, err := stmt.Exec(projectID, k.Text, position, k.Volume, k.Difficulty, k.Intent, k.CPC, k.Trend); err != nil {
			return 0, fmt.Errorf("inserting keyword %q: %w", k.Text, err)
		}
		position++
	}

	var after int
	if err := tx.QueryRow("SELECT COUNT(*) FROM keywords WHERE project_id = ?", projectID).Scan(&after); err != nil {
		return 0, err
	}
	return after - before, nil
}

// GetKeywords returns a project's keywords in import order.
func (db *DB) GetKeywords(projectID string) ([]keyword.Keyword, error) {
	rows, err := db.conn.Query(
		`SELECT text, volume, difficulty, intent, cpc, trend
		FROM keywords WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kws []keyword.Keyword
	for rows.Next() {
		var k keyword.Keyword
		var cpc sql.NullFloat64
		if err := rows.Scan(&k.Text, &k.Volume, &k.Difficulty, &k.Intent, &cpc, &k.Trend); err != nil {
			return nil, err
		}
		if cpc.Valid {
			v := cpc.Float64
			k.CPC = &v
		}
		kws = append(kws, k)
	}
	return kws, rows.Err()
}

// CountKeywords returns the number of keywords in a project.
func (db *DB) CountKeywords(projectID string) (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM keywords WHERE project_id = ?", projectID).Scan(&n)
	return n, err
}

// SetKeywordTrends sets the trend label of the named keywords. Returns how
// many keywords were updated.
func (db *DB) SetKeywordTrends(projectID string, trends map[string]string) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	updated := 0
	for text, trend := range trends {
		result, err := tx.Exec(
			"UPDATE keywords SET trend = ? WHERE project_id = ? AND text = ?", trend, projectID, text)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		updated += int(n)
	}
	return updated, tx.Commit()
}
