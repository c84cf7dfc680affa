package moderation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-warden/internal/audit"
	"github.com/basket/go-warden/internal/bus"
	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/correlation"
	wotel "github.com/basket/go-warden/internal/otel"
	"github.com/basket/go-warden/internal/persistence"
	"github.com/basket/go-warden/internal/telemetry"
)

// ErrUsage marks malformed command input.
var ErrUsage = errors.New("usage")

type commandKind string

const (
	cmdAddRules    commandKind = "add_rules"
	cmdDeleteRules commandKind = "delete_rules"
	cmdCopyRules   commandKind = "copy_rules"
	cmdListRules   commandKind = "list_rules"
	cmdEnable      commandKind = "enable"
	cmdDisable     commandKind = "disable"
	cmdLift        commandKind = "lift"
	cmdKick        commandKind = "kick"
)

type commandWord struct {
	word string
	kind commandKind
}

// commandWords maps command words to kinds. Longer words must not be
// prefixes of shorter ones.
var commandWords = []commandWord{
	{"添加违禁词", cmdAddRules},
	{"删除违禁词", cmdDeleteRules},
	{"复制违禁词", cmdCopyRules},
	{"查看违禁词", cmdListRules},
	{"开启违禁词", cmdEnable},
	{"关闭违禁词", cmdDisable},
	{"/add_rule", cmdAddRules},
	{"/delete_rule", cmdDeleteRules},
	{"/copy_rules", cmdCopyRules},
	{"/list_rules", cmdListRules},
}

type command struct {
	kind commandKind
	args string
}

// parseCommand splits text into a command word and its raw arguments. The
// remediation keywords come from s so they follow config reloads.
func parseCommand(text string, s Settings) (command, bool) {
	trimmed := strings.TrimSpace(text)
	words := make([]commandWord, 0, len(commandWords)+2)
	if s.UnbanKeyword != "" {
		words = append(words, commandWord{s.UnbanKeyword, cmdLift})
	}
	if s.KickKeyword != "" {
		words = append(words, commandWord{s.KickKeyword, cmdKick})
	}
	words = append(words, commandWords...)
	for _, cw := range words {
		if !strings.HasPrefix(trimmed, cw.word) {
			continue
		}
		rest := trimmed[len(cw.word):]
		if rest != "" && !startsWithSpace(rest) {
			continue
		}
		return command{kind: cw.kind, args: strings.TrimSpace(rest)}, true
	}
	return command{}, false
}

func startsWithSpace(s string) bool {
	return s[0] == ' ' || s[0] == '\n' || s[0] == '\t' || s[0] == '\r'
}

// ruleLine is one parsed line of an add command.
type ruleLine struct {
	pattern string
	weight  int
	err     error
}

// parseRuleLines reads `pattern [weight]` lines. A missing weight defaults
// to 10.
func parseRuleLines(args string) []ruleLine {
	var out []ruleLine
	for _, line := range strings.Split(args, "\n") {
		fields := strings.Fields(line)
		switch len(fields) {
		case 0:
			continue
		case 1:
			out = append(out, ruleLine{pattern: fields[0], weight: defaultRuleWeight})
		case 2:
			w, err := strconv.Atoi(fields[1])
			if err != nil || w < 0 {
				out = append(out, ruleLine{pattern: fields[0], err: fmt.Errorf("%w: weight %q must be a non-negative integer", ErrUsage, fields[1])})
				continue
			}
			out = append(out, ruleLine{pattern: fields[0], weight: w})
		default:
			out = append(out, ruleLine{pattern: fields[0], err: fmt.Errorf("%w: expected `词 [权重]`", ErrUsage)})
		}
	}
	return out
}

// handleCommand runs an admin command in m. It reports whether m was a
// command from an authorised sender; other senders fall through to scoring.
func (o *Orchestrator) handleCommand(ctx context.Context, m chat.TextMessage, s Settings) bool {
	cmd, ok := parseCommand(m.Text, s)
	if !ok {
		return false
	}
	if !s.CanAdminister(m) {
		audit.RecordContext(ctx, "deny", "command."+string(cmd.kind), "not_admin", subject(m.Scope, m.User))
		return false
	}

	scope := m.Scope
	if m.Private() {
		scope = chat.GlobalScope
	}

	var (
		reply string
		err   error
	)
	switch cmd.kind {
	case cmdAddRules:
		reply, err = o.addRules(ctx, scope, cmd.args)
	case cmdDeleteRules:
		reply, err = o.deleteRules(ctx, scope, cmd.args)
	case cmdCopyRules:
		reply, err = o.copyRules(ctx, m, scope, cmd.args)
	case cmdListRules:
		reply, err = o.listRules(ctx, scope)
	case cmdEnable, cmdDisable:
		reply, err = o.setSwitch(ctx, m, cmd.kind == cmdEnable)
	case cmdLift, cmdKick:
		reply, err = o.remediate(ctx, m, cmd, s)
	}

	outcome := "ok"
	switch {
	case errors.Is(err, ErrUsage):
		outcome = "usage"
		reply = err.Error()
	case err != nil:
		outcome = "error"
		telemetry.ForEvent(ctx, o.logger).Error("command failed", "command", cmd.kind, "error", err)
		reply = fmt.Sprintf("操作失败: %v", err)
	default:
		audit.RecordContext(ctx, "allow", "command."+string(cmd.kind), cmd.args, subject(scope, m.User))
	}
	o.metrics.CommandsHandled.Add(ctx, 1, metric.WithAttributes(
		wotel.AttrCommand.String(string(cmd.kind)), wotel.AttrOutcome.String(outcome)))

	o.answer(ctx, m, reply)
	return true
}

func (o *Orchestrator) addRules(ctx context.Context, scope chat.Scope, args string) (string, error) {
	lines := parseRuleLines(args)
	if len(lines) == 0 {
		return "", fmt.Errorf("%w: 添加违禁词 <词> [权重]，可多行", ErrUsage)
	}
	var b strings.Builder
	added := 0
	for _, l := range lines {
		if l.err != nil {
			fmt.Fprintf(&b, "✗ %s: %v\n", l.pattern, l.err)
			continue
		}
		if err := o.store.UpsertRule(ctx, scope, l.pattern, l.weight); err != nil {
			if !errors.Is(err, persistence.ErrInvalidWeight) && !errors.Is(err, persistence.ErrInvalidPattern) {
				return "", err
			}
			fmt.Fprintf(&b, "✗ %s: %v\n", l.pattern, err)
			continue
		}
		added++
		fmt.Fprintf(&b, "✓ %s (权重 %d)\n", l.pattern, l.weight)
	}
	fmt.Fprintf(&b, "%s: 成功 %d/%d", scopeLabel(scope), added, len(lines))
	o.publishRulesChanged(scope, cmdAddRules, added)
	return b.String(), nil
}

func (o *Orchestrator) deleteRules(ctx context.Context, scope chat.Scope, args string) (string, error) {
	patterns := strings.Fields(args)
	if len(patterns) == 0 {
		return "", fmt.Errorf("%w: 删除违禁词 <词> [<词> ...]", ErrUsage)
	}
	var b strings.Builder
	deleted := 0
	for _, p := range patterns {
		err := o.store.DeleteRule(ctx, scope, p)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
			fmt.Fprintf(&b, "✗ %s: 不存在\n", p)
		case err != nil:
			return "", err
		default:
			deleted++
			fmt.Fprintf(&b, "✓ %s\n", p)
		}
	}
	fmt.Fprintf(&b, "%s: 删除 %d/%d", scopeLabel(scope), deleted, len(patterns))
	o.publishRulesChanged(scope, cmdDeleteRules, deleted)
	return b.String(), nil
}

// copyRules acknowledges immediately and copies in the background, then
// reports the succeeded/total count to the same chat.
func (o *Orchestrator) copyRules(ctx context.Context, m chat.TextMessage, to chat.Scope, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		return "", fmt.Errorf("%w: 复制违禁词 <来源群号>", ErrUsage)
	}
	from := chat.Scope(fields[0])
	if from == to {
		return "", fmt.Errorf("%w: 来源与目标相同", ErrUsage)
	}
	if _, err := strconv.ParseUint(string(from), 10, 64); err != nil {
		return "", fmt.Errorf("%w: 群号必须是数字", ErrUsage)
	}

	o.goSafe(ctx, "copy_rules", func(ctx context.Context) {
		copied, total, err := o.store.CopyRules(ctx, from, to)
		var text string
		if err != nil {
			telemetry.ForEvent(ctx, o.logger).Error("copy rules failed", "from", from, "error", err)
			text = fmt.Sprintf("复制失败: %v", err)
		} else {
			text = fmt.Sprintf("复制完成: %s → %s，成功 %d/%d", scopeLabel(from), scopeLabel(to), copied, total)
			o.publishRulesChanged(to, cmdCopyRules, copied)
		}
		o.answer(ctx, m, text)
	})
	return fmt.Sprintf("开始从 %s 复制违禁词…", scopeLabel(from)), nil
}

func (o *Orchestrator) listRules(ctx context.Context, scope chat.Scope) (string, error) {
	rules, err := o.store.ListRulesForScope(ctx, scope)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return scopeLabel(scope) + " 暂无违禁词", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s 违禁词 (%d):", scopeLabel(scope), len(rules))
	for _, r := range rules {
		fmt.Fprintf(&b, "\n%s %d", r.Pattern, r.Weight)
	}
	return b.String(), nil
}

// remediate handles `解禁 <群号> <QQ>` and `踢出 <群号> <QQ>`, the text form of
// the reply-keyword round trip. Group admins may only target their own group.
func (o *Orchestrator) remediate(ctx context.Context, m chat.TextMessage, cmd command, s Settings) (string, error) {
	keyword := s.UnbanKeyword
	action := correlation.ActionLift
	if cmd.kind == cmdKick {
		keyword = s.KickKeyword
		action = correlation.ActionRemove
	}
	fields := strings.Fields(cmd.args)
	if len(fields) != 2 {
		return "", fmt.Errorf("%w: %s <群号> <QQ号>", ErrUsage, keyword)
	}
	for _, f := range fields {
		if _, err := strconv.ParseUint(f, 10, 64); err != nil {
			return "", fmt.Errorf("%w: 群号和QQ号必须是数字", ErrUsage)
		}
	}
	scope, user := chat.Scope(fields[0]), chat.UserID(fields[1])
	if scope.IsGlobal() {
		return "", fmt.Errorf("%w: 群号不能为 %s", ErrUsage, chat.GlobalScope)
	}
	if !s.IsOwner(m.User) && scope != m.Scope {
		audit.RecordContext(ctx, "deny", "sanction."+string(action), "scope_mismatch", subject(scope, user))
		return "", fmt.Errorf("%w: 只能处理本群的违禁记录", ErrUsage)
	}
	return o.applyRemediation(ctx, action, scope, user, m.User, "command")
}

func (o *Orchestrator) setSwitch(ctx context.Context, m chat.TextMessage, on bool) (string, error) {
	if m.Private() {
		return "", fmt.Errorf("%w: 请在群内开启或关闭", ErrUsage)
	}
	if err := o.store.SetModerationSwitch(ctx, m.Scope, on); err != nil {
		return "", err
	}
	if on {
		return "已开启违禁词检测", nil
	}
	return "已关闭违禁词检测", nil
}

// answer replies in the chat m came from.
func (o *Orchestrator) answer(ctx context.Context, m chat.TextMessage, text string) {
	if m.Private() {
		_ = o.act(ctx, "send_private_msg", func() error {
			return o.platform.SendPrivateNotice(ctx, m.User, []chat.Segment{chat.Text(text)})
		})
		return
	}
	segs := []chat.Segment{chat.Reply(m.MessageRef), chat.Text(text)}
	_ = o.act(ctx, "send_group_msg", func() error { return o.platform.SendNotice(ctx, m.Scope, segs) })
}

func (o *Orchestrator) publishRulesChanged(scope chat.Scope, kind commandKind, changed int) {
	if o.bus == nil || changed == 0 {
		return
	}
	o.bus.Publish(bus.TopicRulesChanged, bus.RulesChangedEvent{Scope: string(scope), Command: string(kind), Changed: changed})
}

func scopeLabel(scope chat.Scope) string {
	if scope.IsGlobal() {
		return "全局"
	}
	return "群 " + string(scope)
}
