package moderation

import (
	"context"
	"time"

	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/scoring"
)

// Platform is the outbound side of the chat platform. Every call only sends
// a request; request-style calls are answered later through
// Orchestrator.HandleResponse with the token passed in.
type Platform interface {
	SendNotice(ctx context.Context, scope chat.Scope, segs []chat.Segment) error
	SendPrivateNotice(ctx context.Context, user chat.UserID, segs []chat.Segment) error
	DeleteMessage(ctx context.Context, ref chat.MessageRef) error
	MuteUser(ctx context.Context, scope chat.Scope, user chat.UserID, d time.Duration) error
	UnmuteUser(ctx context.Context, scope chat.Scope, user chat.UserID) error
	KickUser(ctx context.Context, scope chat.Scope, user chat.UserID, banRejoin bool) error
	RequestHistory(ctx context.Context, scope chat.Scope, count int, token string) error
	RequestReferencedMessage(ctx context.Context, ref chat.MessageRef, token string) error
	ExpandForward(ctx context.Context, containerRef string, token string) error
}

// Decoder turns a raw delayed response into the payload a continuation
// expects.
type Decoder interface {
	DecodeHistory(resp chat.Response) (chat.HistoryBatchResponse, error)
	DecodeReferenced(resp chat.Response) (chat.ReferencedMessageResponse, error)
	DecodeForward(resp chat.Response) (chat.ForwardExpansionResponse, error)
}

// Scorer evaluates text for a scope.
type Scorer interface {
	Score(ctx context.Context, scope chat.Scope, text string) (scoring.Result, error)
}

// Store is the durable state the orchestrator reads and writes.
type Store interface {
	UpsertRule(ctx context.Context, scope chat.Scope, pattern string, weight int) error
	DeleteRule(ctx context.Context, scope chat.Scope, pattern string) error
	ListRulesForScope(ctx context.Context, scope chat.Scope) ([]persistence.Rule, error)
	CopyRules(ctx context.Context, from, to chat.Scope) (copied, total int, err error)

	GetSanction(ctx context.Context, scope chat.Scope, user chat.UserID) (persistence.SanctionStatus, error)
	SetSanctioned(ctx context.Context, scope chat.Scope, user chat.UserID) error
	LiftSanction(ctx context.Context, scope chat.Scope, user chat.UserID) error
	RemoveSanction(ctx context.Context, scope chat.Scope, user chat.UserID) error

	ModerationSwitch(ctx context.Context, scope chat.Scope) (enabled, found bool, err error)
	SetModerationSwitch(ctx context.Context, scope chat.Scope, enabled bool) error
}
