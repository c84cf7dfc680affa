package moderation

import (
	"time"

	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/config"
)

const defaultRuleWeight = 10

// Settings are the hot-reloadable moderation parameters.
type Settings struct {
	Threshold      int
	MuteDuration   time.Duration
	HistoryCount   int
	Pace           time.Duration
	DefaultEnabled bool
	UnbanKeyword   string
	KickKeyword    string
	ExemptAdmins   bool
	// Owners are system admins and the recipients of operator notices.
	Owners []chat.UserID
}

// SettingsFromConfig derives Settings from a loaded config.
func SettingsFromConfig(cfg config.Config) Settings {
	m := cfg.Moderation
	owners := make([]chat.UserID, 0, len(cfg.OwnerIDs))
	for _, id := range cfg.OwnerIDs {
		owners = append(owners, chat.UserID(id))
	}
	return Settings{
		Threshold:      m.Threshold,
		MuteDuration:   m.MuteDuration(),
		HistoryCount:   m.HistoryCount,
		Pace:           m.Pace(),
		DefaultEnabled: m.DefaultEnabled,
		UnbanKeyword:   m.UnbanKeyword,
		KickKeyword:    m.KickKeyword,
		ExemptAdmins:   m.ExemptAdmins,
		Owners:         owners,
	}
}

// IsOwner reports whether user is a configured system admin.
func (s Settings) IsOwner(user chat.UserID) bool {
	for _, o := range s.Owners {
		if o == user {
			return true
		}
	}
	return false
}

// CanAdminister reports whether the sender of m may run admin commands in
// the chat m was posted in. Private chats require a system admin.
func (s Settings) CanAdminister(m chat.TextMessage) bool {
	if s.IsOwner(m.User) {
		return true
	}
	if m.Private() {
		return false
	}
	return m.Role == chat.RoleOwner || m.Role == chat.RoleAdmin
}

// Exempt reports whether messages from user with role skip scoring.
func (s Settings) Exempt(user chat.UserID, role chat.Role) bool {
	if s.IsOwner(user) {
		return true
	}
	return s.ExemptAdmins && (role == chat.RoleOwner || role == chat.RoleAdmin)
}
