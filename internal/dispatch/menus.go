package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/songying/claude-tgbot/internal/editsession"
	"github.com/songying/claude-tgbot/internal/registry"
	"github.com/songying/claude-tgbot/internal/tmux"
	"github.com/songying/claude-tgbot/internal/transport"
	"github.com/songying/claude-tgbot/internal/userstate"
)

var intervalOptions = []userstate.Interval{
	userstate.Interval1m, userstate.Interval5m, userstate.Interval1h, userstate.IntervalNone,
}

// handleCallback implements the §6 callback-data grammar: a literal
// prefix-colon decode, ported 1:1 from bot_service.py's _callbacks.
// Unknown or malformed data yields a "bad action" response (spec.md §6).
func (d *Dispatcher) handleCallback(ctx context.Context, u transport.Update, state *userstate.State) {
	data := u.CallbackData

	switch {
	case data == "tab:list":
		d.sendTabMenu(u, state)
	case strings.HasPrefix(data, "tab:select:"):
		d.activateTab(ctx, u, state, strings.TrimPrefix(data, "tab:select:"))
	case strings.HasPrefix(data, "tab:rename:"):
		d.promptRename(u, state, strings.TrimPrefix(data, "tab:rename:"))
	case strings.HasPrefix(data, "tab:close:"):
		d.closeTab(ctx, u, state, strings.TrimPrefix(data, "tab:close:"))
	case data == "tab:new":
		d.createTab(ctx, u, state)
	case data == "interval:list":
		d.sendIntervalMenu(u, state)
	case strings.HasPrefix(data, "interval:set:"):
		d.setInterval(u, state, strings.TrimPrefix(data, "interval:set:"))
	case data == "refresh:now":
		d.refreshNow(ctx, u, state)
	case data == "edit:list":
		d.sendEditMenu(ctx, u, state)
	case strings.HasPrefix(data, "edit:open:"):
		d.openEditor(ctx, u, state, strings.TrimPrefix(data, "edit:open:"))
	case strings.HasPrefix(data, "edit:save:"):
		d.saveEditor(u, state)
	case data == "jobs:list":
		d.sendJobsMenu(ctx, u, state)
	case data == "jobs:ctrlz":
		d.ctrlzJob(ctx, u, state)
	case strings.HasPrefix(data, "jobs:bg:"):
		d.bgJob(ctx, u, state, strings.TrimPrefix(data, "jobs:bg:"))
	case data == "mode:claude":
		d.setMode(u, state, userstate.ModeClaude)
	case data == "mode:shell":
		d.setMode(u, state, userstate.ModeNormal)
	case strings.HasPrefix(data, "prompt:"):
		d.promptAction(ctx, u, state, strings.TrimPrefix(data, "prompt:"))
	default:
		d.log.Warn("unknown callback data", "data", data)
		d.reply(u.ChatID, "bad action")
	}
}

func (d *Dispatcher) renderMainMenu(u transport.Update, state *userstate.State) {
	modeButton := transport.Button{Label: "switch to claude mode", Action: "mode:claude"}
	if state.Mode == userstate.ModeClaude {
		modeButton = transport.Button{Label: "switch to shell mode", Action: "mode:shell"}
	}
	buttons := []transport.Button{
		{Label: "tabs", Action: "tab:list"},
		{Label: "interval", Action: "interval:list"},
		{Label: "refresh", Action: "refresh:now"},
		{Label: "edit", Action: "edit:list"},
		{Label: "jobs", Action: "jobs:list"},
		modeButton,
	}
	d.send(u.ChatID, "control panel:", buttons)
}

func (d *Dispatcher) sendTabMenu(u transport.Update, state *userstate.State) {
	tabs := d.registry.ListTags(state.UserID)
	buttons := make([]transport.Button, 0, len(tabs)*3+1)
	for _, t := range tabs {
		label := t.DisplayName
		if t.TabID == state.ActiveTabID {
			label = "* " + label
		}
		buttons = append(buttons,
			transport.Button{Label: label, Action: "tab:select:" + t.TabID},
			transport.Button{Label: "rename " + t.DisplayName, Action: "tab:rename:" + t.TabID},
			transport.Button{Label: "close " + t.DisplayName, Action: "tab:close:" + t.TabID},
		)
	}
	buttons = append(buttons, transport.Button{Label: "+ new tab", Action: "tab:new"})
	d.send(u.ChatID, "select a tab:", buttons)
}

func (d *Dispatcher) activateTab(ctx context.Context, u transport.Update, state *userstate.State, tabID string) {
	tab, err := d.registry.Get(tabID)
	if err != nil {
		d.reply(u.ChatID, "tab does not exist")
		return
	}
	if err := d.driver.CreateSession(ctx, tab.SessionName, ""); err != nil {
		d.log.Warn("recreate session failed", "tab_id", tab.TabID, "err", err)
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	if err := d.states.SetActiveTab(state.UserID, tab.TabID); err != nil {
		d.reply(u.ChatID, "failed to switch tab")
		return
	}
	if err := d.registry.Touch(tab.TabID); err != nil {
		d.log.Warn("failed to touch tab", "tab_id", tab.TabID, "err", err)
	}
	d.reply(u.ChatID, fmt.Sprintf("switched to tab %s", tab.DisplayName))
	d.restartSchedulerForUser(state.UserID)
}

func (d *Dispatcher) createTab(ctx context.Context, u transport.Update, state *userstate.State) {
	existing := d.registry.ListTags(state.UserID)
	name := nextTabName(existing)
	tab, err := d.registry.CreateTag(state.UserID, name)
	if err != nil {
		d.reply(u.ChatID, "failed to create tab")
		return
	}
	if err := d.driver.CreateSession(ctx, tab.SessionName, ""); err != nil {
		d.log.Warn("create session failed", "tab_id", tab.TabID, "err", err)
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	if err := d.states.SetActiveTab(state.UserID, tab.TabID); err != nil {
		d.log.Warn("failed to set active tab", "user_id", state.UserID, "err", err)
	}
	d.reply(u.ChatID, fmt.Sprintf("created tab %s", tab.DisplayName))
	d.restartSchedulerForUser(state.UserID)
}

func nextTabName(existing []*registry.Tab) string {
	taken := make(map[string]bool, len(existing))
	for _, t := range existing {
		taken[t.DisplayName] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("tab-%d", i)
		if !taken[name] {
			return name
		}
	}
}

func (d *Dispatcher) promptRename(u transport.Update, state *userstate.State, tabID string) {
	tab, err := d.registry.Get(tabID)
	if err != nil {
		d.reply(u.ChatID, "tab does not exist")
		return
	}
	if err := d.states.SetRenameTabID(state.UserID, tabID); err != nil {
		d.reply(u.ChatID, "failed to start rename")
		return
	}
	d.reply(u.ChatID, fmt.Sprintf("send the new name for %s", tab.DisplayName))
}

func (d *Dispatcher) handleRenameContent(u transport.Update, state *userstate.State, text string) {
	newName := strings.TrimSpace(text)
	if newName == "" {
		d.reply(u.ChatID, "tab name must not be empty")
		return
	}
	if err := d.registry.RenameTag(state.RenameTabID, newName); err != nil {
		d.reply(u.ChatID, err.Error())
		return
	}
	if err := d.states.SetRenameTabID(state.UserID, ""); err != nil {
		d.log.Warn("failed to clear rename state", "user_id", state.UserID, "err", err)
	}
	d.reply(u.ChatID, fmt.Sprintf("renamed to %s", newName))
}

func (d *Dispatcher) closeTab(ctx context.Context, u transport.Update, state *userstate.State, tabID string) {
	tab, err := d.registry.Get(tabID)
	if err != nil {
		d.reply(u.ChatID, "tab does not exist")
		return
	}
	if err := d.registry.CloseTag(tabID); err != nil {
		d.reply(u.ChatID, "failed to close tab")
		return
	}
	if err := d.driver.KillSession(ctx, tab.SessionName); err != nil {
		d.log.Warn("failed to kill session for closed tab", "tab_id", tabID, "err", err)
	}
	if state.ActiveTabID == tabID {
		if err := d.states.SetActiveTab(state.UserID, ""); err != nil {
			d.log.Warn("failed to clear active tab", "user_id", state.UserID, "err", err)
		}
		d.sched.Stop(state.UserID)
	}
	d.reply(u.ChatID, fmt.Sprintf("closed tab %s", tab.DisplayName))
}

func (d *Dispatcher) sendIntervalMenu(u transport.Update, state *userstate.State) {
	buttons := make([]transport.Button, 0, len(intervalOptions))
	for _, opt := range intervalOptions {
		label := string(opt)
		if opt == state.Interval {
			label = "* " + label
		}
		buttons = append(buttons, transport.Button{Label: label, Action: "interval:set:" + string(opt)})
	}
	d.send(u.ChatID, "select capture interval:", buttons)
}

func (d *Dispatcher) setInterval(u transport.Update, state *userstate.State, value string) {
	interval := userstate.Interval(value)
	switch interval {
	case userstate.Interval1m, userstate.Interval5m, userstate.Interval1h, userstate.IntervalNone:
	default:
		d.reply(u.ChatID, "invalid interval option")
		return
	}
	if err := d.states.SetInterval(state.UserID, interval); err != nil {
		d.reply(u.ChatID, "failed to set interval")
		return
	}
	d.reply(u.ChatID, fmt.Sprintf("interval set to %s", value))
	d.restartSchedulerForUser(state.UserID)
}

func (d *Dispatcher) refreshNow(ctx context.Context, u transport.Update, state *userstate.State) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	if err := d.driver.CreateSession(ctx, tab.SessionName, ""); err != nil {
		d.log.Warn("ensure session failed before refresh", "tab_id", tab.TabID, "err", err)
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	d.sched.RefreshNow(state.UserID, tab.TabID, tab.SessionName, state.Mode)
}

func (d *Dispatcher) sendEditMenu(ctx context.Context, u transport.Update, state *userstate.State) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	if err := d.driver.CreateSession(ctx, tab.SessionName, ""); err != nil {
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	cwd, err := d.driver.WorkDir(ctx, tab.SessionName)
	if err != nil {
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	page, err := d.editMgr.ListFiles(cwd, ".", 0)
	if err != nil {
		d.reply(u.ChatID, "could not list files")
		return
	}
	buttons := make([]transport.Button, 0, len(page.Entries))
	for _, f := range page.Entries {
		buttons = append(buttons, transport.Button{Label: f.Name, Action: "edit:open:" + f.Name})
	}
	d.send(u.ChatID, fmt.Sprintf("cwd: %s\nselect a file to edit:", cwd), buttons)
}

func (d *Dispatcher) openEditor(ctx context.Context, u transport.Update, state *userstate.State, relPath string) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	cwd, err := d.driver.WorkDir(ctx, tab.SessionName)
	if err != nil {
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	content, _, err := d.editMgr.Open(cwd, state.UserID, relPath)
	if err != nil {
		if errors.Is(err, editsession.ErrPathOutsideRoot) {
			d.reply(u.ChatID, "illegal path")
			return
		}
		d.reply(u.ChatID, "file does not exist or is not editable")
		return
	}
	d.reply(u.ChatID, fmt.Sprintf("editing %s\nsend new content to save.\n\n%s", relPath, content))
}

func (d *Dispatcher) handleEditContent(u transport.Update, state *userstate.State, content string) {
	if err := d.editMgr.HandleContent(state.UserID, content); err != nil {
		d.reply(u.ChatID, err.Error())
		return
	}
	d.reply(u.ChatID, "saved.")
	d.auditRecord(state.UserID, state.ActiveTabID, "[edit:save]", "saved")
}

func (d *Dispatcher) saveEditor(u transport.Update, state *userstate.State) {
	if state.EditSession == nil {
		d.reply(u.ChatID, "no edit session is open")
		return
	}
	d.reply(u.ChatID, "send the new content to save")
}

func (d *Dispatcher) sendJobsMenu(ctx context.Context, u transport.Update, state *userstate.State) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	if err := d.driver.CreateSession(ctx, tab.SessionName, ""); err != nil {
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	jobs, err := d.driver.ListJobs(ctx, tab.SessionName)
	if err != nil {
		d.reply(u.ChatID, "terminal driver error, try again")
		return
	}
	buttons := []transport.Button{{Label: "Ctrl-Z", Action: "jobs:ctrlz"}}
	for _, j := range jobs {
		buttons = append(buttons, transport.Button{
			Label:  fmt.Sprintf("#%s %s", j.ID, truncateLabel(j.Command, 12)),
			Action: "jobs:bg:" + j.ID,
		})
	}
	d.send(u.ChatID, "jobs:", buttons)
}

func truncateLabel(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (d *Dispatcher) ctrlzJob(ctx context.Context, u transport.Update, state *userstate.State) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	if err := d.driver.SendKey(ctx, tab.SessionName, tmux.KeyCtrlZ); err != nil {
		d.reportDriverFault(u.ChatID, tab.TabID, "C-z", err)
		return
	}
	d.reply(u.ChatID, "sent Ctrl-Z")
}

func (d *Dispatcher) bgJob(ctx context.Context, u transport.Update, state *userstate.State, jobID string) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	cmd := "bg %" + jobID
	if err := d.driver.SendText(ctx, tab.SessionName, cmd); err != nil {
		d.reportDriverFault(u.ChatID, tab.TabID, cmd, err)
		return
	}
	d.reply(u.ChatID, fmt.Sprintf("backgrounded job %%%s", jobID))
}

func (d *Dispatcher) promptAction(ctx context.Context, u transport.Update, state *userstate.State, action string) {
	tab := d.activeTab(state)
	if tab == nil {
		d.reply(u.ChatID, "no active tab")
		return
	}
	if err := d.checkPolicy(ctx, tab, action); err != nil {
		d.reply(u.ChatID, "command rejected by policy")
		d.auditRecord(state.UserID, tab.TabID, action, "policy_rejected")
		return
	}
	if err := d.driver.SendText(ctx, tab.SessionName, action); err != nil {
		d.reportDriverFault(u.ChatID, tab.TabID, action, err)
		return
	}
	d.reply(u.ChatID, fmt.Sprintf("sent: %s", action))
	d.auditRecord(state.UserID, tab.TabID, action, "sent")
	if state.Mode == userstate.ModeClaude {
		d.sched.RefreshNow(state.UserID, tab.TabID, tab.SessionName, state.Mode)
	}
}
