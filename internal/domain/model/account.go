package model

import "time"

// Tier identifies an account's subscription level. Limits per tier
// (storage budget, scheduling horizon) live in configuration.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Account is a capsule owner, identified by the messaging channel it can
// be reached on. Handle is learned lazily from inbound calls and may be
// empty. StorageUsed counts the payload bytes of undelivered capsules;
// delivery and deletion credit it back. CapsuleBalance gates creation on
// the free tier and is never refunded.
type Account struct {
	ID             int64
	ChannelID      int64
	Handle         string
	Tier           Tier
	StorageUsed    int64
	CapsuleBalance int
	CreatedAt      time.Time
}
