// Package correlation tracks outbound requests whose results arrive later as
// independent inbound responses on the shared connection.
package correlation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-warden/internal/chat"
)

// Intent is the workflow step a pending correlation resumes.
type Intent string

const (
	IntentCleanupHistory Intent = "cleanup_history"
	IntentAdminAction    Intent = "admin_action"
	IntentExpandForward  Intent = "expand_forward"
)

// ResponseKind is the payload shape a correlation expects.
type ResponseKind string

const (
	KindHistoryBatch      ResponseKind = "history_batch"
	KindReferencedMessage ResponseKind = "referenced_message"
	KindForwardExpansion  ResponseKind = "forward_expansion"
)

// AdminAction is the remediation carried by an IntentAdminAction continuation.
type AdminAction string

const (
	ActionLift   AdminAction = "lift"
	ActionRemove AdminAction = "remove"
)

const DefaultTTL = 5 * time.Minute

// Continuation is the captured state of a suspended workflow.
type Continuation struct {
	Intent    Intent
	Expected  ResponseKind
	Scope     chat.Scope
	User      chat.UserID
	Role      chat.Role
	SourceRef chat.MessageRef
	// Action and Requester are set for IntentAdminAction.
	Action    AdminAction
	Requester chat.UserID
	CreatedAt time.Time
}

// Config configures a Directory.
type Config struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

// Directory maps opaque tokens to pending continuations. All methods are
// linearizable; a token resolves at most once.
type Directory struct {
	mu      sync.Mutex
	pending map[string]Continuation
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func NewDirectory(cfg Config) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Directory{
		pending: make(map[string]Continuation),
		ttl:     cfg.TTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
}

// Register stores c under a fresh random token and returns the token.
func (d *Directory) Register(c Continuation) string {
	token := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = d.now()
	}
	d.pending[token] = c
	return token
}

// Resolve removes and returns the continuation for token. ok is false for
// unknown, already resolved, or expired tokens. An expired token is removed
// and logged as orphaned even if no sweep has run yet.
func (d *Directory) Resolve(token string) (Continuation, bool) {
	now := d.now()
	d.mu.Lock()
	c, ok := d.pending[token]
	if ok {
		delete(d.pending, token)
	}
	d.mu.Unlock()

	if ok && now.Sub(c.CreatedAt) >= d.ttl {
		d.logOrphan(c, now)
		return Continuation{}, false
	}
	return c, ok
}

// Cancel drops token without resuming it, used when the request that would
// have answered it could not be sent.
func (d *Directory) Cancel(token string) {
	d.mu.Lock()
	delete(d.pending, token)
	d.mu.Unlock()
}

// Sweep removes every continuation older than the TTL at now, logs each as
// orphaned, and returns them.
func (d *Directory) Sweep(now time.Time) []Continuation {
	d.mu.Lock()
	var expired []Continuation
	for token, c := range d.pending {
		if now.Sub(c.CreatedAt) < d.ttl {
			continue
		}
		delete(d.pending, token)
		expired = append(expired, c)
	}
	d.mu.Unlock()

	for _, c := range expired {
		d.logOrphan(c, now)
	}
	return expired
}

func (d *Directory) logOrphan(c Continuation, now time.Time) {
	d.logger.Warn("orphaned correlation expired",
		"intent", c.Intent,
		"expected", c.Expected,
		"group_id", c.Scope,
		"user_id", c.User,
		"age", now.Sub(c.CreatedAt).String(),
	)
}

// SweepNow sweeps using the directory's clock.
func (d *Directory) SweepNow() []Continuation {
	return d.Sweep(d.now())
}

// Len returns the number of pending continuations.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
