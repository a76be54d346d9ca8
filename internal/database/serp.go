package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveSerpSignal stores the latest search-result signal of a keyword.
func (db *DB) SaveSerpSignal(s SerpSignal) error {
	results, err := json.Marshal(s.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	_, err = db.conn.Exec(
		`INSERT OR REPLACE INTO serp_signals (project_id, keyword, title_matches, kgr, results, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ProjectID, s.Keyword, s.TitleMatches, s.KGR, string(results), formatTime(s.CheckedAt),
	)
	return err
}

// GetSerpSignals returns the stored signals of a project keyed by keyword.
func (db *DB) GetSerpSignals(projectID string) (map[string]SerpSignal, error) {
	rows, err := db.conn.Query(
		`SELECT keyword, title_matches, kgr, results, checked_at FROM serp_signals WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SerpSignal)
	for rows.Next() {
		s := SerpSignal{ProjectID: projectID}
		var kgr sql.NullFloat64
		var results, checked string
		if err := rows.Scan(&s.Keyword, &s.TitleMatches, &kgr, &results, &checked); err != nil {
			return nil, err
		}
		if kgr.Valid {
			v := kgr.Float64
			s.KGR = &v
		}
		if err := json.Unmarshal([]byte(results), &s.Results); err != nil {
			return nil, fmt.Errorf("decoding results of %q: %w", s.Keyword, err)
		}
		s.CheckedAt = parseTime(checked)
		out[s.Keyword] = s
	}
	return out, rows.Err()
}
