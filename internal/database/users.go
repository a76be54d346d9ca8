package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const userColumns = `id, email, name, password_hash, role, status, created_at, last_login`

// InsertUser stores a new user. Emails are unique regardless of case.
func (db *DB) InsertUser(u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := db.conn.Exec(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		u.ID, strings.ToLower(strings.TrimSpace(u.Email)), u.Name, u.PasswordHash, u.Role, u.Status,
		formatTime(u.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
		}
		return err
	}
	return nil
}

// GetUser returns a user by ID, or nil.
func (db *DB) GetUser(id string) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// GetUserByEmail returns a user by email, or nil.
func (db *DB) GetUserByEmail(email string) (*User, error) {
	return scanUser(db.conn.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
}

// ListUsers returns every user, oldest first.
func (db *DB) ListUsers() ([]User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserStatus sets the approval status of a user.
func (db *DB) UpdateUserStatus(id, status string) error {
	result, err := db.conn.Exec("UPDATE users SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateLastLogin stamps the last successful login of a user.
func (db *DB) UpdateLastLogin(id string, at time.Time) error {
	_, err := db.conn.Exec("UPDATE users SET last_login = ? WHERE id = ?", formatTime(at), id)
	return err
}

// InsertLoginLog records a login attempt and keeps only the newest keep entries.
func (db *DB) InsertLoginLog(l LoginLog, keep int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO login_logs (id, user_id, email, success, ip_address, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.UserID, l.Email, l.Success, l.IPAddress, formatTime(l.Timestamp),
	); err != nil {
		return err
	}
	if keep > 0 {
		if _, err := tx.Exec(
			`DELETE FROM login_logs WHERE id NOT IN (
				SELECT id FROM login_logs ORDER BY timestamp DESC, rowid DESC LIMIT ?)`, keep,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLoginLogs returns up to limit login attempts, newest first.
func (db *DB) GetLoginLogs(limit int) ([]LoginLog, error) {
	rows, err := db.conn.Query(
		`SELECT id, user_id, email, success, ip_address, timestamp
		FROM login_logs ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []LoginLog
	for rows.Next() {
		var l LoginLog
		var ts string
		if err := rows.Scan(&l.ID, &l.UserID, &l.Email, &l.Success, &l.IPAddress, &ts); err != nil {
			return nil, err
		}
		l.Timestamp = parseTime(ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row *sql.Row) (*User, error) {
	u, err := scanUserRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func scanUserRow(row rowScanner) (*User, error) {
	var u User
	var created string
	var lastLogin sql.NullString
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.Status, &created, &lastLogin); err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	if lastLogin.Valid {
		t := parseTime(lastLogin.String)
		u.LastLogin = &t
	}
	return &u, nil
}
