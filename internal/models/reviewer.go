package models

import "time"

// Reviewer is a minimal directory record. Full user management lives
// outside this service.
type Reviewer struct {
	ID        string
	Name      string
	Tier      Tier
	CreatedAt time.Time
}
