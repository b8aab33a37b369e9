package model

import (
	"strings"
	"time"
)

// RecipientKind tags the variants of RecipientSpec.
type RecipientKind string

const (
	RecipientSelf    RecipientKind = "self"    // The owner's own channel.
	RecipientChannel RecipientKind = "channel" // Another channel known at creation.
	RecipientHandle  RecipientKind = "handle"  // A handle resolved later by activation.
	RecipientGroup   RecipientKind = "group"   // A group channel known at creation.
)

// Valid reports whether k is a known recipient kind.
func (k RecipientKind) Valid() bool {
	switch k {
	case RecipientSelf, RecipientChannel, RecipientHandle, RecipientGroup:
		return true
	}
	return false
}

// RecipientSpec describes where a capsule is delivered. Exactly one variant
// is populated, tagged by Kind. Self, channel and group recipients carry a
// deliverable ChannelID from the start. A handle recipient carries only the
// handle until its holder shows up; activation then fills ResolvedChannelID
// and ActivatedAt, exactly once.
type RecipientSpec struct {
	Kind              RecipientKind
	ChannelID         int64      // self/channel/group variants
	Handle            string     // handle variant, normalized
	ResolvedChannelID *int64     // handle variant, nil until activated
	ActivatedAt       *time.Time // handle variant, nil until activated
}

// Target returns the channel the capsule can be delivered to. ok is false
// while a handle recipient has not been activated.
func (r RecipientSpec) Target() (int64, bool) {
	switch r.Kind {
	case RecipientSelf, RecipientChannel, RecipientGroup:
		return r.ChannelID, true
	case RecipientHandle:
		if r.ResolvedChannelID != nil {
			return *r.ResolvedChannelID, true
		}
	}
	return 0, false
}

// Pending reports whether delivery is blocked on handle activation.
func (r RecipientSpec) Pending() bool {
	return r.Kind == RecipientHandle && r.ResolvedChannelID == nil
}

// NormalizeHandle lowercases h and strips whitespace and a leading "@" so
// stored handles and lookups compare equal regardless of how they were typed.
func NormalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}
