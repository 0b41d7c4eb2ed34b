package models

import "time"

// ReviewFocusConfig defines what a reviewer tier's AI prompt should
// emphasize. One row per tier, admin-curated.
type ReviewFocusConfig struct {
	ID             string
	Tier           Tier
	TierName       string
	FocusPoints    []string
	Description    string
	Standards      string
	AttentionItems []string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
