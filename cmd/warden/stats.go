package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-warden/internal/chat"
	"github.com/basket/go-warden/internal/config"
	"github.com/basket/go-warden/internal/persistence"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(22)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

type statsOptions struct {
	json  bool
	group string
	user  string
}

func parseStatsArgs(args []string) (statsOptions, error) {
	var opts statsOptions
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&opts.json, "json", false, "print JSON")
	fs.StringVar(&opts.group, "group", "", "list sanctions of one group")
	fs.StringVar(&opts.user, "user", "", "with -group, print one user's sanction history")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if opts.user != "" && opts.group == "" {
		return opts, fmt.Errorf("-user requires -group")
	}
	return opts, nil
}

func runStatsCommand(ctx context.Context, w io.Writer, args []string) int {
	opts, err := parseStatsArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\nusage: warden stats [-json] [-group <id> [-user <id>]]\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		return 1
	}
	defer store.Close()

	var (
		payload any
		render  func() string
	)
	switch {
	case opts.user != "":
		history, err := store.SanctionHistory(ctx, chat.Scope(opts.group), chat.UserID(opts.user))
		if err != nil {
			fmt.Fprintf(os.Stderr, "sanction history: %v\n", err)
			return 1
		}
		payload = map[string]any{"history": history}
		render = func() string { return renderHistory(opts.group, opts.user, history) }
	case opts.group != "":
		records, err := store.ListSanctions(ctx, chat.Scope(opts.group))
		if err != nil {
			fmt.Fprintf(os.Stderr, "list sanctions: %v\n", err)
			return 1
		}
		payload = map[string]any{"sanctions": records}
		render = func() string { return renderSanctions(opts.group, records) }
	default:
		st, err := store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "stats: %v\n", err)
			return 1
		}
		payload = st
		render = func() string { return renderStats(st) }
	}

	if opts.json {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(payload); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintln(w, render())
	return 0
}

func row(label string, value any) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(fmt.Sprint(value)))
}

func renderStats(st persistence.RuleStats) string {
	lines := []string{
		titleStyle.Render("违禁词统计"),
		row("groups with rules", st.ScopesWithRules),
		row("group rules", st.ScopedRules),
		row("global rules", st.GlobalRules),
		row("sanction records", st.Sanctions),
	}
	if len(st.RulesByScope) > 0 {
		lines = append(lines, "", titleStyle.Render("rules per group"))
		for _, sc := range st.RulesByScope {
			lines = append(lines, row(string(sc.Scope), sc.Count))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderSanctions(group string, records []persistence.SanctionRecord) string {
	lines := []string{titleStyle.Render("sanctions in " + group)}
	if len(records) == 0 {
		lines = append(lines, valueStyle.Render("none"))
	}
	for _, r := range records {
		lines = append(lines, row(string(r.User), fmt.Sprintf("%-10s %s", r.Status, r.UpdatedAt.Local().Format(time.DateTime))))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderHistory(group, user string, history []persistence.SanctionEvent) string {
	lines := []string{titleStyle.Render(fmt.Sprintf("history of %s in %s", user, group))}
	if len(history) == 0 {
		lines = append(lines, valueStyle.Render("no status changes"))
	}
	for _, ev := range history {
		lines = append(lines, row(ev.CreatedAt.Local().Format(time.DateTime), fmt.Sprintf("%s → %s", ev.From, ev.To)))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}
