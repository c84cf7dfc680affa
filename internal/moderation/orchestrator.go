// Package moderation drives the sanction workflow: it scores inbound text,
// issues corrective platform actions in a fixed paced order, and resumes
// suspended workflows when their delayed responses arrive.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/correlation"
	wotel "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/scoring"
	"github.com/basket/go-warden/internal/shared"
	"github.com/basket/go-warden/internal/telemetry"
)

// Config wires an Orchestrator. Bus, Metrics, Tracer, Logger and Sleep are
// optional.
type Config struct {
	Store     Store
	Scorer    Scorer
	Directory *correlation.Directory
	Platform  Platform
	Decoder   Decoder
	Bus       *bus.Bus
	Metrics   *wotel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger
	Settings  Settings
	// Sleep pauses between corrective actions. It must return early with
	// ctx.Err() when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator is safe for concurrent use. Every event is handled on its
// own goroutine; Dispatch never blocks the caller.
type Orchestrator struct {
	store    Store
	scorer   Scorer
	dir      *correlation.Directory
	platform Platform
	decoder  Decoder
	bus      *bus.Bus
	metrics  *wotel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	settings atomic.Pointer[Settings]
	inflight sync.WaitGroup
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("moderation: store is required")
	case cfg.Scorer == nil:
		return nil, errors.New("moderation: scorer is required")
	case cfg.Directory == nil:
		return nil, errors.New("moderation: correlation directory is required")
	case cfg.Platform == nil:
		return nil, errors.New("moderation: platform is required")
	case cfg.Decoder == nil:
		return nil, errors.New("moderation: decoder is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = wotel.NoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(wotel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	o := &Orchestrator{
		store:    cfg.Store,
		scorer:   cfg.Scorer,
		dir:      cfg.Directory,
		platform: cfg.Platform,
		decoder:  cfg.Decoder,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger.With("component", "moderation"),
		sleep:    cfg.Sleep,
	}
	s := cfg.Settings
	o.settings.Store(&s)
	return o, nil
}

// Settings returns the active settings.
func (o *Orchestrator) Settings() Settings {
	return *o.settings.Load()
}

// UpdateSettings swaps in s for every event handled from now on.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.settings.Store(&s)
	o.logger.Info("moderation settings updated", "threshold", s.Threshold, "owners", len(s.Owners))
}

// Dispatch handles ev on a new goroutine.
func (o *Orchestrator) Dispatch(ctx context.Context, ev chat.Event) {
	o.goSafe(ctx, "event", func(ctx context.Context) { o.HandleEvent(ctx, ev) })
}

// DispatchResponse handles resp on a new goroutine.
func (o *Orchestrator) DispatchResponse(ctx context.Context, resp chat.Response) {
	o.goSafe(ctx, "response", func(ctx context.Context) { o.HandleResponse(ctx, resp) })
}

// Wait blocks until every dispatched handler has returned.
func (o *Orchestrator) Wait() {
	o.inflight.Wait()
}

func (o *Orchestrator) goSafe(ctx context.Context, kind string, fn func(context.Context)) {
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("moderation handler panic", "kind", kind, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
		}()
		fn(ctx)
	}()
}

// HandleEvent processes one inbound event synchronously.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev chat.Event) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	switch e := ev.(type) {
	case chat.TextMessage:
		ctx = shared.WithActor(shared.WithScope(ctx, string(e.Scope)), string(e.User))
		ctx, span := wotel.StartConsumerSpan(ctx, o.tracer, "moderation.text",
			wotel.AttrScope.String(string(e.Scope)), wotel.AttrUser.String(string(e.User)))
		defer span.End()
		o.handleText(ctx, e)
	case chat.ForwardedMessageContainer:
		ctx = shared.WithActor(shared.WithScope(ctx, string(e.Scope)), string(e.User))
		ctx, span := wotel.StartConsumerSpan(ctx, o.tracer, "moderation.forward",
			wotel.AttrScope.String(string(e.Scope)), wotel.AttrUser.String(string(e.User)))
		defer span.End()
		o.handleForward(ctx, e)
	case chat.MemberLeft:
		ctx = shared.WithActor(shared.WithScope(ctx, string(e.Scope)), string(e.User))
		o.handleMemberLeft(ctx, e)
	default:
		o.logger.Debug("ignoring unsupported event", "type", fmt.Sprintf("%T", ev))
	}
}

func (o *Orchestrator) handleText(ctx context.Context, m chat.TextMessage) {
	s := o.Settings()
	if m.ReplyTo != "" && o.handleReplyKeyword(ctx, m, s) {
		return
	}
	if o.handleCommand(ctx, m, s) {
		return
	}
	if m.Private() {
		return
	}
	if !o.enabled(ctx, m.Scope, s) || s.Exempt(m.User, m.Role) {
		return
	}
	o.moderate(ctx, m.Scope, m.User, m.MessageRef, m.Text)
}

func (o *Orchestrator) handleForward(ctx context.Context, f chat.ForwardedMessageContainer) {
	s := o.Settings()
	if f.Scope == "" || !o.enabled(ctx, f.Scope, s) || s.Exempt(f.User, f.Role) {
		return
	}
	if o.resuppressIfSanctioned(ctx, f.Scope, f.User, f.MessageRef, s) {
		return
	}
	token := o.dir.Register(correlation.Continuation{
		Intent:    correlation.IntentExpandForward,
		Expected:  correlation.KindForwardExpansion,
		Scope:     f.Scope,
		User:      f.User,
		Role:      f.Role,
		SourceRef: f.MessageRef,
	})
	if err := o.act(ctx, "get_forward_msg", func() error {
		return o.platform.ExpandForward(ctx, f.ContainerRef, token)
	}); err != nil {
		o.dir.Cancel(token)
	}
}

func (o *Orchestrator) handleMemberLeft(ctx context.Context, e chat.MemberLeft) {
	log := telemetry.ForEvent(ctx, o.logger)
	prev, err := o.store.GetSanction(ctx, e.Scope, e.User)
	if err != nil {
		log.Error("read sanction on departure failed", "error", err)
		return
	}
	if prev == persistence.SanctionNormal {
		return
	}
	if err := o.store.RemoveSanction(ctx, e.Scope, e.User); err != nil {
		log.Error("remove sanction on departure failed", "error", err)
		return
	}
	o.recordTransition(ctx, persistence.SanctionRemoved)
	o.publish(bus.TopicSanctionRemoved, bus.SanctionEvent{
		Scope:   string(e.Scope),
		User:    string(e.User),
		Summary: fmt.Sprintf("用户 %s 已离开群 %s，违禁状态已清除", e.User, e.Scope),
		At:      time.Now().UTC(),
	})
	log.Info("sanction removed after member left", "previous", prev)
}

// moderate re-suppresses a sanctioned user's message, or scores it and
// sanctions on violation.
func (o *Orchestrator) moderate(ctx context.Context, scope chat.Scope, user chat.UserID, ref chat.MessageRef, text string) {
	s := o.Settings()
	if o.resuppressIfSanctioned(ctx, scope, user, ref, s) {
		return
	}
	o.scoreAndSanction(ctx, scope, user, ref, text, s)
}

// resuppressIfSanctioned deletes ref and re-mutes user without scoring when
// user is already sanctioned in scope.
func (o *Orchestrator) resuppressIfSanctioned(ctx context.Context, scope chat.Scope, user chat.UserID, ref chat.MessageRef, s Settings) bool {
	log := telemetry.ForEvent(ctx, o.logger)
	status, err := o.store.GetSanction(ctx, scope, user)
	if err != nil {
		log.Error("read sanction status failed", "error", err)
		return false
	}
	if status != persistence.SanctionSanctioned {
		return false
	}
	log.Info("sanctioned user posted again; re-suppressing", "message_id", ref)
	_ = o.act(ctx, "delete_msg", func() error { return o.platform.DeleteMessage(ctx, ref) })
	_ = o.act(ctx, "set_group_ban", func() error { return o.platform.MuteUser(ctx, scope, user, s.MuteDuration) })
	return true
}

func (o *Orchestrator) scoreAndSanction(ctx context.Context, scope chat.Scope, user chat.UserID, ref chat.MessageRef, raw string, s Settings) {
	log := telemetry.ForEvent(ctx, o.logger)
	text := scoring.Normalize(raw)

	start := time.Now()
	res, err := o.scorer.Score(ctx, scope, text)
	o.metrics.ScoreDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		log.Error("scoring failed", "error", err)
		return
	}
	o.metrics.MessagesScored.Add(ctx, 1)
	if len(res.Matches) > 0 {
		log.Debug("rules matched", "total_weight", res.TotalWeight, "matches", len(res.Matches))
	}
	if !res.IsViolation(s.Threshold) {
		return
	}
	o.metrics.Violations.Add(ctx, 1)
	trace.SpanFromContext(ctx).SetAttributes(wotel.AttrTotalWeight.Int(res.TotalWeight))

	// Platform actions still go out when the write fails; the next message
	// from this user is then scored again instead of re-suppressed.
	if err := o.store.SetSanctioned(ctx, scope, user); err != nil {
		log.Error("persist sanction failed", "error", err)
	} else {
		o.recordTransition(ctx, persistence.SanctionSanctioned)
	}
	audit.RecordContext(ctx, "allow", "sanction.apply",
		fmt.Sprintf("total_weight=%d threshold=%d", res.TotalWeight, s.Threshold), subject(scope, user))
	log.Warn("violation detected; sanctioning user", "total_weight", res.TotalWeight, "threshold", s.Threshold)

	o.runSanctionSequence(ctx, scope, user, ref, res, s)
}

// runSanctionSequence issues the corrective actions in their fixed order:
// history request, mute, delete, public notice, operator notices, then the
// quick-copy remediation commands.
func (o *Orchestrator) runSanctionSequence(ctx context.Context, scope chat.Scope, user chat.UserID, ref chat.MessageRef, res scoring.Result, s Settings) {
	log := telemetry.ForEvent(ctx, o.logger)

	token := o.dir.Register(correlation.Continuation{
		Intent:    correlation.IntentCleanupHistory,
		Expected:  correlation.KindHistoryBatch,
		Scope:     scope,
		User:      user,
		SourceRef: ref,
	})
	if err := o.act(ctx, "get_group_msg_history", func() error {
		return o.platform.RequestHistory(ctx, scope, s.HistoryCount, token)
	}); err != nil {
		o.dir.Cancel(token)
	}
	if o.pace(ctx, s) != nil {
		return
	}

	muteErr := o.act(ctx, "set_group_ban", func() error {
		return o.platform.MuteUser(ctx, scope, user, s.MuteDuration)
	})
	if o.pace(ctx, s) != nil {
		return
	}

	_ = o.act(ctx, "delete_msg", func() error { return o.platform.DeleteMessage(ctx, ref) })
	if o.pace(ctx, s) != nil {
		return
	}

	_ = o.act(ctx, "send_group_msg", func() error {
		return o.platform.SendNotice(ctx, scope, publicNotice(user))
	})
	if o.pace(ctx, s) != nil {
		return
	}

	notice := operatorNotice(scope, user, res, s.Threshold, s, muteErr)
	if len(s.Owners) == 0 {
		log.Warn("no owner_ids configured; operator notice not sent")
	}
	for _, owner := range s.Owners {
		_ = o.act(ctx, "send_private_msg", func() error {
			return o.platform.SendPrivateNotice(ctx, owner, notice)
		})
	}

	patterns := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		patterns = append(patterns, m.Pattern)
	}
	o.publish(bus.TopicSanctionApplied, bus.SanctionEvent{
		Scope:       string(scope),
		User:        string(user),
		TotalWeight: res.TotalWeight,
		Patterns:    patterns,
		Summary:     chat.PlainText(notice),
		At:          time.Now().UTC(),
	})

	// Quick-copy follow-ups: one message per remediation command.
	for _, keyword := range []string{s.UnbanKeyword, s.KickKeyword} {
		if len(s.Owners) == 0 || o.pace(ctx, s) != nil {
			return
		}
		segs := []chat.Segment{chat.Text(remediationCommand(keyword, scope, user))}
		for _, owner := range s.Owners {
			_ = o.act(ctx, "send_private_msg", func() error {
				return o.platform.SendPrivateNotice(ctx, owner, segs)
			})
		}
	}
}

// HandleResponse resumes the workflow waiting on resp. Responses with no
// pending correlation are unrelated traffic and are dropped.
func (o *Orchestrator) HandleResponse(ctx context.Context, resp chat.Response) {
	c, ok := o.dir.Resolve(resp.CorrelationRef)
	if !ok {
		o.logger.Debug("dropping uncorrelated response", "correlation", resp.CorrelationRef)
		return
	}
	o.metrics.CorrelationsResolved.Add(ctx, 1, metric.WithAttributes(wotel.AttrIntent.String(string(c.Intent))))

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithActor(shared.WithScope(ctx, string(c.Scope)), string(c.User))
	ctx, span := wotel.StartConsumerSpan(ctx, o.tracer, "moderation.resume",
		wotel.AttrIntent.String(string(c.Intent)), wotel.AttrScope.String(string(c.Scope)))
	defer span.End()
	log := telemetry.ForEvent(ctx, o.logger).With("intent", c.Intent)

	if !resp.OK {
		span.SetStatus(codes.Error, resp.Message)
		log.Warn("correlated request failed", "retcode", resp.Retcode, "message", resp.Message)
		if c.Intent == correlation.IntentAdminAction {
			o.reply(ctx, c, fmt.Sprintf("获取被回复的消息失败 (retcode %d)", resp.Retcode))
		}
		return
	}

	switch c.Expected {
	case correlation.KindHistoryBatch:
		batch, err := o.decoder.DecodeHistory(resp)
		if err != nil {
			log.Warn("decode history failed", "error", err)
			return
		}
		o.cleanupHistory(ctx, c, batch)
	case correlation.KindReferencedMessage:
		ref, err := o.decoder.DecodeReferenced(resp)
		if err != nil {
			log.Warn("decode referenced message failed", "error", err)
			o.reply(ctx, c, "无法解析被回复的消息")
			return
		}
		o.completeAdminAction(ctx, c, ref)
	case correlation.KindForwardExpansion:
		fwd, err := o.decoder.DecodeForward(resp)
		if err != nil {
			log.Warn("decode forward failed", "error", err)
			return
		}
		o.moderate(ctx, c.Scope, c.User, c.SourceRef, strings.Join(fwd.Texts, ""))
	default:
		log.Warn("continuation with unknown response kind", "expected", c.Expected)
	}
}

// cleanupHistory deletes every message by the sanctioned user in batch. A
// failed deletion does not stop the rest.
func (o *Orchestrator) cleanupHistory(ctx context.Context, c correlation.Continuation, batch chat.HistoryBatchResponse) {
	deleted := 0
	for _, m := range batch.Messages {
		if m.Author != c.User || m.MessageRef == c.SourceRef {
			continue
		}
		ref := m.MessageRef
		if err := o.act(ctx, "delete_msg", func() error { return o.platform.DeleteMessage(ctx, ref) }); err == nil {
			deleted++
		}
	}
	telemetry.ForEvent(ctx, o.logger).Info("history cleanup finished", "scanned", len(batch.Messages), "deleted", deleted)
}

// act runs one fire-and-forget platform call with metrics and logging.
func (o *Orchestrator) act(ctx context.Context, action string, fn func() error) error {
	attrs := metric.WithAttributes(wotel.AttrAction.String(action))
	o.metrics.ActionsIssued.Add(ctx, 1, attrs)
	err := fn()
	if err != nil {
		o.metrics.ActionFailures.Add(ctx, 1, attrs)
		telemetry.ForEvent(ctx, o.logger).Warn("platform action failed", "action", action, "error", err)
	}
	return err
}

func (o *Orchestrator) pace(ctx context.Context, s Settings) error {
	if err := o.sleep(ctx, s.Pace); err != nil {
		telemetry.ForEvent(ctx, o.logger).Warn("sanction sequence interrupted", "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) enabled(ctx context.Context, scope chat.Scope, s Settings) bool {
	on, found, err := o.store.ModerationSwitch(ctx, scope)
	if err != nil {
		telemetry.ForEvent(ctx, o.logger).Error("read moderation switch failed", "error", err)
		return s.DefaultEnabled
	}
	if !found {
		return s.DefaultEnabled
	}
	return on
}

func (o *Orchestrator) recordTransition(ctx context.Context, to persistence.SanctionStatus) {
	o.metrics.SanctionTransitions.Add(ctx, 1, metric.WithAttributes(wotel.AttrStatus.String(string(to))))
}

func (o *Orchestrator) publish(topic string, ev bus.SanctionEvent) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, ev)
}

func subject(scope chat.Scope, user chat.UserID) string {
	return string(scope) + "/" + string(user)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
