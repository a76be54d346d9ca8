package database

import "time"

// Project is a named keyword working set with its business context.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// User roles and approval states.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

// User is a dashboard account awaiting or holding approval.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Role         string
	Status       string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// LoginLog records one login attempt.
type LoginLog struct {
	ID        string
	UserID    string
	Email     string
	Success   bool
	IPAddress string
	Timestamp time.Time
}

// SerpResult is one organic search result.
type SerpResult struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// SerpSignal is the stored competition signal of a keyword.
type SerpSignal struct {
	ProjectID    string
	Keyword      string
	TitleMatches int
	KGR          *float64
	Results      []SerpResult
	CheckedAt    time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	Projects      int
	Keywords      int
	Clusters      int
	Analyses      int
	SerpSignals   int
	UsersByStatus map[string]int
}
