package database

import (
	"encoding/json"
	"fmt"

	"github.com/TobiSchelling/KeywordPlanner/internal/keyword"
)

// SaveClusters replaces the stored clusters of a project.
func (db *DB) SaveClusters(projectID string, clusters []keyword.Cluster) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM clusters WHERE project_id = ?", projectID); err != nil {
		return err
	}

	for i, c := range clusters {
		members, err := json.Marshal(c.Keywords)
		if err != nil {
			return fmt.Errorf("encoding cluster %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO clusters (id, project_id, position, name, keywords, total_volume,
				avg_difficulty, funnel, intent, page_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, projectID, i, c.Name, string(members), c.TotalVolume, c.AvgDifficulty,
			string(c.Funnel), c.Intent, string(c.PageType), formatTime(c.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting cluster %s: %w", c.ID, err)
		}
	}

	if err := touchProject(tx, projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetClusters returns a project's clusters in the order they were saved.
func (db *DB) GetClusters(projectID string) ([]keyword.Cluster, error) {
	rows, err := db.conn.Query(
		`SELECT id, name, keywords, total_volume, avg_difficulty, funnel, intent, page_type, created_at
		FROM clusters WHERE project_id = ? ORDER BY position`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clusters []keyword.Cluster
	for rows.Next() {
		var c keyword.Cluster
		var members, funnel, pageType, created string
		if err := rows.Scan(&c.ID, &c.Name, &members, &c.TotalVolume, &c.AvgDifficulty,
			&funnel, &c.Intent, &pageType, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(members), &c.Keywords); err != nil {
			return nil, fmt.Errorf("decoding cluster %s: %w", c.ID, err)
		}
		c.Funnel = keyword.FunnelStage(funnel)
		c.PageType = keyword.PageType(pageType)
		c.CreatedAt = parseTime(created)
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
