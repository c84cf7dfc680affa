package moderation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/correlation"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/telemetry"
)

// handleReplyKeyword starts the remediation round trip when an authorised
// operator replies to a message with the lift or kick keyword. It reports
// whether m was consumed.
func (o *Orchestrator) handleReplyKeyword(ctx context.Context, m chat.TextMessage, s Settings) bool {
	var action correlation.AdminAction
	switch strings.TrimSpace(m.Text) {
	case s.UnbanKeyword:
		action = correlation.ActionLift
	case s.KickKeyword:
		action = correlation.ActionRemove
	default:
		return false
	}
	if !s.CanAdminister(m) {
		audit.RecordContext(ctx, "deny", "sanction."+string(action), "not_admin", subject(m.Scope, m.User))
		return false
	}

	token := o.dir.Register(correlation.Continuation{
		Intent:    correlation.IntentAdminAction,
		Expected:  correlation.KindReferencedMessage,
		Scope:     m.Scope,
		User:      m.User,
		SourceRef: m.MessageRef,
		Action:    action,
		Requester: m.User,
	})
	if err := o.act(ctx, "get_msg", func() error {
		return o.platform.RequestReferencedMessage(ctx, m.ReplyTo, token)
	}); err != nil {
		o.dir.Cancel(token)
	}
	return true
}

// completeAdminAction applies the lift or kick once the replied-to notice has
// been fetched and its target parsed back out of its text.
func (o *Orchestrator) completeAdminAction(ctx context.Context, c correlation.Continuation, ref chat.ReferencedMessageResponse) {
	log := telemetry.ForEvent(ctx, o.logger)
	scope, user, ok := parseNoticeTarget(ref.Text)
	if !ok {
		log.Info("replied-to message carries no moderation target")
		o.reply(ctx, c, "被回复的消息不是违禁词告警")
		return
	}
	// Group admins may only act on their own group.
	if c.Scope != "" && c.Scope != scope && !o.Settings().IsOwner(c.Requester) {
		audit.RecordContext(ctx, "deny", "sanction."+string(c.Action), "scope_mismatch", subject(scope, user))
		o.reply(ctx, c, "只能处理本群的违禁记录")
		return
	}
	text, err := o.applyRemediation(ctx, c.Action, scope, user, c.Requester, "operator_reply")
	if err != nil {
		text = confirmation(actionLabel(c.Action), scope, user, err)
	}
	o.reply(ctx, c, text)
}

func actionLabel(action correlation.AdminAction) string {
	if action == correlation.ActionRemove {
		return "踢出"
	}
	return "解禁"
}

// applyRemediation lifts or removes user in scope on behalf of requester and
// returns the operator confirmation. A storage error is returned and nothing
// is sent to the platform; a failed kick is reported in the confirmation.
func (o *Orchestrator) applyRemediation(ctx context.Context, action correlation.AdminAction, scope chat.Scope, user, requester chat.UserID, via string) (string, error) {
	log := telemetry.ForEvent(ctx, o.logger).With("target_group_id", scope, "target_user_id", user, "action", action)
	reason := via + " by " + string(requester)

	switch action {
	case correlation.ActionLift:
		if err := o.store.LiftSanction(ctx, scope, user); err != nil {
			log.Error("lift sanction failed", "error", err)
			return "", err
		}
		o.recordTransition(ctx, persistence.SanctionLifted)
		audit.RecordContext(ctx, "allow", "sanction.lift", reason, subject(scope, user))
		_ = o.act(ctx, "set_group_ban", func() error { return o.platform.UnmuteUser(ctx, scope, user) })
		_ = o.act(ctx, "send_group_msg", func() error { return o.platform.SendNotice(ctx, scope, liftedNotice(user)) })
		o.publish(bus.TopicSanctionLifted, bus.SanctionEvent{
			Scope: string(scope), User: string(user), Actor: string(requester),
			Summary: fmt.Sprintf("管理员 %s 解除了群 %s 用户 %s 的禁言", requester, scope, user),
			At:      time.Now().UTC(),
		})
		log.Info("sanction lifted by operator", "via", via)
		return confirmation("解禁", scope, user, nil), nil
	case correlation.ActionRemove:
		if err := o.store.RemoveSanction(ctx, scope, user); err != nil {
			log.Error("remove sanction failed", "error", err)
			return "", err
		}
		o.recordTransition(ctx, persistence.SanctionRemoved)
		audit.RecordContext(ctx, "allow", "sanction.remove", reason, subject(scope, user))
		kickErr := o.act(ctx, "set_group_kick", func() error { return o.platform.KickUser(ctx, scope, user, true) })
		if kickErr == nil {
			_ = o.act(ctx, "send_group_msg", func() error { return o.platform.SendNotice(ctx, scope, removedNotice(user)) })
		}
		o.publish(bus.TopicSanctionRemoved, bus.SanctionEvent{
			Scope: string(scope), User: string(user), Actor: string(requester),
			Summary: fmt.Sprintf("管理员 %s 将用户 %s 移出群 %s", requester, user, scope),
			At:      time.Now().UTC(),
		})
		log.Info("user removed by operator", "via", via)
		return confirmation("踢出", scope, user, kickErr), nil
	default:
		log.Warn("remediation without action")
		return "", fmt.Errorf("unknown remediation %q", action)
	}
}

// reply answers the operator who triggered c, privately or in the group the
// keyword was posted in.
func (o *Orchestrator) reply(ctx context.Context, c correlation.Continuation, text string) {
	if c.Requester == "" {
		return
	}
	if c.Scope == "" {
		_ = o.act(ctx, "send_private_msg", func() error {
			return o.platform.SendPrivateNotice(ctx, c.Requester, []chat.Segment{chat.Text(text)})
		})
		return
	}
	segs := []chat.Segment{chat.Text(text)}
	if c.SourceRef != "" {
		segs = append([]chat.Segment{chat.Reply(c.SourceRef)}, segs...)
	}
	_ = o.act(ctx, "send_group_msg", func() error { return o.platform.SendNotice(ctx, c.Scope, segs) })
}
