package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TobiSchelling/KeywordPlanner/internal/analysis"
)

// SaveAnalyses stores keyword analyses, overwriting earlier ones for the same keyword.
func (db *DB) SaveAnalyses(projectID string, results map[string]analysis.Result) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for kw, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding analysis of %q: %w", kw, err)
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO keyword_analyses (project_id, keyword, result, analyzed_at)
			VALUES (?, ?, ?, ?)`,
			projectID, kw, string(data), formatTime(r.AnalyzedAt),
		); err != nil {
			return fmt.Errorf("saving analysis of %q: %w", kw, err)
		}
	}

	if err := touchProject(tx, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetAnalyses returns all stored analyses of a project keyed by keyword.
func (db *DB) GetAnalyses(projectID string) (map[string]analysis.Result, error) {
	rows, err := db.conn.Query(
		"SELECT keyword, result FROM keyword_analyses WHERE project_id = ?", projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]analysis.Result)
	for rows.Next() {
		var kw, data string
		if err := rows.Scan(&kw, &data); err != nil {
			return nil, err
		}
		var r analysis.Result
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decoding analysis of %q: %w", kw, err)
		}
		out[kw] = r
	}
	return out, rows.Err()
}

// GetAnalysis returns one stored analysis, or nil.
func (db *DB) GetAnalysis(projectID, kw string) (*analysis.Result, error) {
	var data string
	err := db.conn.QueryRow(
		"SELECT result FROM keyword_analyses WHERE project_id = ? AND keyword = ?", projectID, kw,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r analysis.Result
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
