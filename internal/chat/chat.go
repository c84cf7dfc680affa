// Package chat holds the platform-neutral event and message types exchanged
// between the transport (internal/onebot) and the moderation core.
package chat

import (
	"encoding/json"
	"strings"
)

// Scope is a moderation namespace, normally one chat group.
type Scope string

// GlobalScope is the reserved scope whose rules are visible to every group.
const GlobalScope Scope = "0"

// IsGlobal reports whether s is the reserved global scope.
func (s Scope) IsGlobal() bool { return s == GlobalScope }

// UserID identifies a platform user.
type UserID string

// MessageRef identifies a message on the platform.
type MessageRef string

// Role is the sender's role inside a group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// SegmentType names a message segment kind.
type SegmentType string

const (
	SegmentText  SegmentType = "text"
	SegmentAt    SegmentType = "at"
	SegmentReply SegmentType = "reply"
)

// Segment is one piece of an outbound message.
type Segment struct {
	Type  SegmentType
	Value string
}

// Text builds a text segment.
func Text(s string) Segment { return Segment{Type: SegmentText, Value: s} }

// At builds a mention segment.
func At(user UserID) Segment { return Segment{Type: SegmentAt, Value: string(user)} }

// Reply builds a quote-reply segment.
func Reply(ref MessageRef) Segment { return Segment{Type: SegmentReply, Value: string(ref)} }

// PlainText concatenates the text segments of segs.
func PlainText(segs []Segment) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Type == SegmentText {
			b.WriteString(s.Value)
		}
	}
	return b.String()
}

// Event is any inbound platform event.
type Event interface {
	isEvent()
}

// TextMessage is a message posted in a group or a private chat. Scope is
// empty for private chats.
type TextMessage struct {
	Scope      Scope
	User       UserID
	Role       Role
	MessageRef MessageRef
	Text       string
	// ReplyTo is set when the message quotes another message.
	ReplyTo MessageRef
}

// Private reports whether the message came from a one-to-one chat.
func (m TextMessage) Private() bool { return m.Scope == "" }

// ForwardedMessageContainer is an opaque forwarded-message bundle whose
// contents must be fetched with a separate request.
type ForwardedMessageContainer struct {
	Scope        Scope
	User         UserID
	Role         Role
	MessageRef   MessageRef
	ContainerRef string
}

// MemberLeft is emitted when a user leaves or is removed from a group.
type MemberLeft struct {
	Scope Scope
	User  UserID
}

func (TextMessage) isEvent()               {}
func (ForwardedMessageContainer) isEvent() {}
func (MemberLeft) isEvent()                {}

// Response is the delayed result of an outbound request, matched back to
// its origin through CorrelationRef.
type Response struct {
	CorrelationRef string
	OK             bool
	Retcode        int
	Message        string
	Data           json.RawMessage
}

// HistoryEntry is one message of a HistoryBatchResponse.
type HistoryEntry struct {
	Author     UserID
	MessageRef MessageRef
}

// HistoryBatchResponse carries recent scope history.
type HistoryBatchResponse struct {
	CorrelationRef string
	Messages       []HistoryEntry
}

// ReferencedMessageResponse carries the text of a fetched message.
type ReferencedMessageResponse struct {
	CorrelationRef string
	Text           string
}

// ForwardExpansionResponse carries the texts contained in a forwarded
// message container, in order.
type ForwardExpansionResponse struct {
	CorrelationRef string
	Texts          []string
}
