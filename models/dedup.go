package models

import "time"

type DedupRecord struct {
	DedupKey    string    `json:"dedup_key"`
	OrderRef    string    `json:"order_ref"`
	Channel     Channel   `json:"channel"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}
