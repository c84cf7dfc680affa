package bus

import "time"

// Moderation event topics. Subscribers usually match on the "sanction."
// prefix.
const (
	TopicSanctionApplied = "sanction.applied"
	TopicSanctionLifted  = "sanction.lifted"
	TopicSanctionRemoved = "sanction.removed"
	TopicRulesChanged    = "rules.changed"
	TopicConfigReloaded  = "config.reloaded"
)

// SanctionEvent is published whenever a user's sanction status changes.
type SanctionEvent struct {
	Scope       string
	User        string
	TotalWeight int      // zero for lift/remove
	Patterns    []string // matched patterns, if any
	Actor       string   // operator id for lift/remove, empty for automatic sanctions
	Summary     string   // operator-facing text, mirrored to alert channels
	At          time.Time
}

// RulesChangedEvent is published after an admin command mutates rules.
type RulesChangedEvent struct {
	Scope   string
	Command string
	Changed int
}
