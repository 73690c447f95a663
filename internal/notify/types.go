package notify

import "time"

// Target is one notification destination: Discord, Slack, email, or
// anything else Shoutrrr can reach.
type Target struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	ShoutrrrURL string    `json:"shoutrrr_url"`
	MinSeverity string    `json:"min_severity"` // info | warning | critical
	CooldownSec int       `json:"cooldown_sec"` // per (target, event type); 0 = none
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

const timeFormat = "2006-01-02 15:04:05"
