package moderation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/scoring"
)

var (
	noticeScopeRe = regexp.MustCompile(`group_id=(\d+)`)
	noticeUserRe  = regexp.MustCompile(`user_id=(\d+)`)
)

func publicNotice(user chat.UserID) []chat.Segment {
	return []chat.Segment{
		chat.At(user),
		chat.Text(" 发送的消息触发违禁词检测，已撤回并禁言。如有异议请联系管理员。"),
	}
}

// operatorNotice is sent privately to every owner. The group_id= and
// user_id= lines are parsed back by parseNoticeTarget when an operator
// replies to it.
func operatorNotice(scope chat.Scope, user chat.UserID, res scoring.Result, threshold int, s Settings, muteErr error) []chat.Segment {
	var b strings.Builder
	b.WriteString("【违禁词告警】\n")
	fmt.Fprintf(&b, "group_id=%s\n", scope)
	fmt.Fprintf(&b, "user_id=%s\n", user)
	fmt.Fprintf(&b, "总权重: %d (阈值 %d)\n", res.TotalWeight, threshold)
	b.WriteString("命中规则:\n")
	for _, m := range res.Matches {
		fmt.Fprintf(&b, "- %s (%d, %s)\n", m.Pattern, m.Weight, provenanceLabel(m.Provenance))
	}
	if muteErr != nil {
		fmt.Fprintf(&b, "⚠ 禁言失败: %v\n", muteErr)
	}
	fmt.Fprintf(&b, "回复「%s」解除禁言，回复「%s」移出本群\n", s.UnbanKeyword, s.KickKeyword)
	fmt.Fprintf(&b, "也可发送「%s/%s <群号> <QQ号>」", s.UnbanKeyword, s.KickKeyword)
	return []chat.Segment{chat.Text(b.String())}
}

// remediationCommand is the ready-to-send text form of a lift or kick, sent
// on its own so operators can copy it in one tap.
func remediationCommand(keyword string, scope chat.Scope, user chat.UserID) string {
	return fmt.Sprintf("%s %s %s", keyword, scope, user)
}

func provenanceLabel(p scoring.Provenance) string {
	if p == scoring.ProvenanceGlobal {
		return "全局"
	}
	return "本群"
}

func liftedNotice(user chat.UserID) []chat.Segment {
	return []chat.Segment{chat.At(user), chat.Text(" 已被管理员解除禁言。")}
}

func removedNotice(user chat.UserID) []chat.Segment {
	return []chat.Segment{chat.Text(fmt.Sprintf("用户 %s 因发送违规内容已被移出本群。", user))}
}

func confirmation(action string, scope chat.Scope, user chat.UserID, err error) string {
	if err != nil {
		return fmt.Sprintf("%s 群 %s 用户 %s 时出错: %v", action, scope, user, err)
	}
	return fmt.Sprintf("已%s: 群 %s 用户 %s", action, scope, user)
}

// parseNoticeTarget recovers the scope and user embedded in an operator
// notice.
func parseNoticeTarget(text string) (chat.Scope, chat.UserID, bool) {
	sm := noticeScopeRe.FindStringSubmatch(text)
	um := noticeUserRe.FindStringSubmatch(text)
	if sm == nil || um == nil {
		return "", "", false
	}
	return chat.Scope(sm[1]), chat.UserID(um[1]), true
}
