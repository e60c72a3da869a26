package models

import "time"

// SystemCapacity is the singleton admission-control aggregate.
type SystemCapacity struct {
	ActiveSessionsCount int       `json:"active_sessions_count"`
	MaxSessionsLimit    int       `json:"max_sessions_limit"`
	DBConnectionsUsed   int       `json:"db_connections_used"`
	MaxDBConnections    int       `json:"max_db_connections"`
	UpdatedAt           time.Time `json:"updated_at"`
}
