// Package dispatch is the Dispatcher (4.I): the state machine that routes
// inbound chat updates through auth, policy, the terminal driver, the
// registry, and the edit-session manager, then renders and emits a
// response. Per-user ordering is guaranteed by a lazily-spawned goroutine
// and channel per user_id — the Go analogue of bot_service.py's
// asyncio.Lock-guarded handler, generalized into a worker-pool-with-
// mailboxes shape per spec.md §5.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/songying/claude-tgbot/internal/admin"
	"github.com/songying/claude-tgbot/internal/audit"
	"github.com/songying/claude-tgbot/internal/auditstream"
	"github.com/songying/claude-tgbot/internal/auth"
	"github.com/songying/claude-tgbot/internal/editsession"
	"github.com/songying/claude-tgbot/internal/policy"
	"github.com/songying/claude-tgbot/internal/promptrule"
	"github.com/songying/claude-tgbot/internal/registry"
	"github.com/songying/claude-tgbot/internal/scheduler"
	"github.com/songying/claude-tgbot/internal/tmux"
	"github.com/songying/claude-tgbot/internal/transport"
	"github.com/songying/claude-tgbot/internal/userstate"
)

// adminCommands is the set of slash commands that require the whitelist
// admin flag, ported from admin.py/config.py's admin_user_ids gate but
// re-targeted at a per-entry flag (spec.md's "admin-flag on whitelist
// entry" redesign) instead of a separate admin_user_ids list.
var adminCommands = map[string]bool{
	"/update_key":   true,
	"/revoke_key":   true,
	"/rotate_token": true,
}

const mailboxSize = 32

// Dispatcher wires every other component together and is the sole Sink
// the scheduler emits into.
type Dispatcher struct {
	transport transport.Transport
	states    *userstate.Store
	registry  *registry.Registry
	authMgr   *auth.Manager
	policyCfg *policy.Config
	driver    tmux.Driver
	rules     *promptrule.Engine
	sched     *scheduler.Scheduler
	editMgr   *editsession.Manager
	auditLog  *audit.Log
	auditHub  *auditstream.Hub
	log       *slog.Logger

	mu        sync.Mutex
	mailboxes map[string]chan transport.Update
	chatIDs   map[string]int64
	wg        sync.WaitGroup
}

// Config bundles every collaborator the Dispatcher needs. AuditHub is
// optional: passing nil simply means no admin live-tail is wired.
type Config struct {
	Transport transport.Transport
	States    *userstate.Store
	Registry  *registry.Registry
	Auth      *auth.Manager
	Policy    *policy.Config
	Driver    tmux.Driver
	Rules     *promptrule.Engine
	Scheduler *scheduler.Scheduler
	EditMgr   *editsession.Manager
	AuditLog  *audit.Log
	AuditHub  *auditstream.Hub
	Log       *slog.Logger
}

// SetScheduler wires the scheduler after construction, breaking the
// Dispatcher/Scheduler construction cycle: the scheduler needs the
// Dispatcher as its Sink, so it can only be built once the Dispatcher
// already exists.
func (d *Dispatcher) SetScheduler(s *scheduler.Scheduler) {
	d.sched = s
}

func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		transport: cfg.Transport,
		states:    cfg.States,
		registry:  cfg.Registry,
		authMgr:   cfg.Auth,
		policyCfg: cfg.Policy,
		driver:    cfg.Driver,
		rules:     cfg.Rules,
		sched:     cfg.Scheduler,
		editMgr:   cfg.EditMgr,
		auditLog:  cfg.AuditLog,
		auditHub:  cfg.AuditHub,
		log:       log.With("component", "dispatch"),
		mailboxes: make(map[string]chan transport.Update),
		chatIDs:   make(map[string]int64),
	}
}

// Run reads updates off the transport until it closes or ctx is cancelled,
// fanning each one into its user's mailbox. It returns once every mailbox
// has drained — callers should give ctx a bounded grace period before
// forcing a harder shutdown, per spec.md §5's drain requirement.
func (d *Dispatcher) Run(ctx context.Context) error {
	updates := d.transport.Updates()
	for {
		select {
		case <-ctx.Done():
			d.closeMailboxes()
			d.wg.Wait()
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				d.closeMailboxes()
				d.wg.Wait()
				return nil
			}
			d.enqueue(u)
		}
	}
}

func (d *Dispatcher) enqueue(u transport.Update) {
	d.mu.Lock()
	ch, ok := d.mailboxes[u.UserID]
	if !ok {
		ch = make(chan transport.Update, mailboxSize)
		d.mailboxes[u.UserID] = ch
		d.wg.Add(1)
		go d.worker(ch)
	}
	d.mu.Unlock()
	ch <- u
}

func (d *Dispatcher) worker(ch chan transport.Update) {
	defer d.wg.Done()
	for u := range ch {
		d.handle(context.Background(), u)
	}
}

func (d *Dispatcher) closeMailboxes() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.mailboxes {
		close(ch)
	}
	d.mailboxes = make(map[string]chan transport.Update)
}

func (d *Dispatcher) rememberChat(userID string, chatID int64) {
	if chatID == 0 {
		return
	}
	d.mu.Lock()
	d.chatIDs[userID] = chatID
	d.mu.Unlock()
}

func (d *Dispatcher) chatID(userID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.chatIDs[userID]
	return id, ok
}

// Emit implements scheduler.Sink: periodic and prompt-triggered flushes
// arrive here from the scheduler's own goroutines, outside any user's
// mailbox — this is the one entry point that bypasses per-user
// serialization. A scheduled tick neither waits for nor skips on a command
// that is in flight for the same user.
func (d *Dispatcher) Emit(e scheduler.Emission) {
	chatID, ok := d.chatID(e.UserID)
	if !ok || len(e.Chunks) == 0 {
		return
	}
	for i, chunk := range e.Chunks {
		out := transport.Outbound{ChatID: chatID, Text: chunk}
		if i == len(e.Chunks)-1 {
			out.Buttons = promptButtons(e.Buttons)
		}
		if err := d.transport.Send(context.Background(), out); err != nil {
			d.log.Warn("failed to send scheduled emission", "user_id", e.UserID, "err", err)
		}
	}
}

func promptButtons(buttons []promptrule.Button) []transport.Button {
	if len(buttons) == 0 {
		return nil
	}
	out := make([]transport.Button, 0, len(buttons))
	for _, b := range buttons {
		out = append(out, transport.Button{Label: b.Label, Action: "prompt:" + b.Action})
	}
	return out
}

func (d *Dispatcher) handle(ctx context.Context, u transport.Update) {
	d.rememberChat(u.UserID, u.ChatID)
	state := d.states.Get(u.UserID)

	if u.IsCallback() {
		if !state.Authorized {
			d.replyLoginPrompt(u.ChatID)
			return
		}
		if state.EditSession != nil && !strings.HasPrefix(u.CallbackData, "edit:save:") {
			d.reply(u.ChatID, editsession.ErrEditOpen.Error())
			return
		}
		d.handleCallback(ctx, u, state)
		return
	}

	text := strings.TrimSpace(u.Text)
	switch {
	case strings.HasPrefix(text, "/login"):
		d.handleLogin(ctx, u, text)
		return
	case text == "/start":
		d.handleStart(u, state)
		return
	case text == "/help":
		d.handleHelp(u)
		return
	}

	if !state.Authorized {
		d.replyLoginPrompt(u.ChatID)
		return
	}

	// /cancel closes an open edit session or rename prompt without writing,
	// no matter what state the user is in (spec.md §4.H); any other slash
	// command is refused with ErrEditOpen while an edit session is open. Slash
	// commands are routed before the edit-session/rename-tab content gates
	// below, which only apply to plain non-command text.
	if strings.HasPrefix(text, "/") {
		if state.EditSession != nil && commandName(text) != "/cancel" {
			d.reply(u.ChatID, editsession.ErrEditOpen.Error())
			return
		}
		if adminCommands[commandName(text)] {
			d.handleAdmin(u, state, text)
			return
		}
		d.handleSlash(ctx, u, state, text)
		return
	}
	if state.EditSession != nil {
		d.handleEditContent(u, state, text)
		return
	}
	if state.RenameTabID != "" {
		d.handleRenameContent(u, state, text)
		return
	}
	d.handleText(ctx, u, state, text)
}

func commandName(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func (d *Dispatcher) handleStart(u transport.Update, state *userstate.State) {
	if !state.Authorized {
		d.replyLoginPrompt(u.ChatID)
		return
	}
	d.renderMainMenu(u, state)
}

func (d *Dispatcher) handleHelp(u transport.Update) {
	d.reply(u.ChatID, strings.Join([]string{
		"Plain text is executed as a shell command in the active tab.",
		"Commands: /tabs /interval /refresh /edit /jobs /claude /cancel",
		"Login: /login <server_ip> <key>",
	}, "\n"))
}

func (d *Dispatcher) replyLoginPrompt(chatID int64) {
	d.reply(chatID, "please /login <server_ip> <key> first")
}

func (d *Dispatcher) handleLogin(ctx context.Context, u transport.Update, text string) {
	fields := strings.Fields(text)
	if len(fields) < 3 {
		d.reply(u.ChatID, "usage: /login <server_ip> <key>")
		return
	}
	serverIP, key := fields[1], fields[2]
	now := time.Now()
	outcome := d.authMgr.Login(u.UserID, serverIP, key, now)

	switch {
	case outcome.Granted:
		if err := d.states.MarkAuthorized(u.UserID, serverIP); err != nil {
			d.log.Warn("failed to persist authorization", "user_id", u.UserID, "err", err)
			d.reply(u.ChatID, "login succeeded but could not be saved, try again")
			return
		}
		d.reply(u.ChatID, "logged in")
		state := d.states.Get(u.UserID)
		d.renderMainMenu(u, state)
		d.restartSchedulerForUser(u.UserID)
	case outcome.LockedOut:
		d.reply(u.ChatID, fmt.Sprintf("too many failed attempts, try again %s", humanize.Time(outcome.LockedTill)))
	default:
		d.reply(u.ChatID, "authentication failed")
	}
}

func (d *Dispatcher) handleAdmin(u transport.Update, state *userstate.State, text string) {
	entry, ok := d.authMgr.Whitelisted(u.UserID)
	if !ok || !entry.Admin {
		d.reply(u.ChatID, "unknown command")
		return
	}
	reply, err := admin.Handle(text, d.authMgr, time.Now())
	if err != nil {
		d.reply(u.ChatID, err.Error())
		return
	}
	d.reply(u.ChatID, reply)
}

func (d *Dispatcher) handleSlash(ctx context.Context, u transport.Update, state *userstate.State, text string) {
	switch commandName(text) {
	case "/tabs":
		d.sendTabMenu(u, state)
	case "/interval":
		d.sendIntervalMenu(u, state)
	case "/refresh":
		d.refreshNow(ctx, u, state)
	case "/edit":
		d.sendEditMenu(ctx, u, state)
	case "/jobs":
		d.sendJobsMenu(ctx, u, state)
	case "/claude":
		d.toggleClaude(u, state)
	case "/cancel":
		d.handleCancel(u, state)
	default:
		d.reply(u.ChatID, "unknown command")
	}
}

func (d *Dispatcher) handleText(ctx context.Context, u transport.Update, state *userstate.State, text string) {
	if state.ActiveTabID == "" {
		d.reply(u.ChatID, "select or create a tab first")
		return
	}
	tab, err := d.registry.Get(state.ActiveTabID)
	if err != nil {
		d.reply(u.ChatID, "active tab is invalid, please choose another")
		return
	}
	d.executeCommand(ctx, u, state, tab, text)
}

func (d *Dispatcher) executeCommand(ctx context.Context, u transport.Update, state *userstate.State, tab *registry.Tab, command string) {
	alive, err := d.driver.HasSession(ctx, tab.SessionName)
	if err != nil {
		d.reportDriverFault(u.ChatID, tab.TabID, command, err)
		return
	}
	if !alive {
		d.send(u.ChatID, "this tab's session is gone", []transport.Button{
			{Label: "Recreate", Action: "tab:select:" + tab.TabID},
		})
		d.auditRecord(u.UserID, tab.TabID, command, "session_missing")
		return
	}

	if err := d.checkPolicy(ctx, tab, command); err != nil {
		var perr *policy.PolicyError
		if errors.As(err, &perr) {
			d.reply(u.ChatID, fmt.Sprintf("command rejected by policy (%s)", perr.Rule))
		} else {
			d.reply(u.ChatID, "command rejected")
		}
		d.auditRecord(u.UserID, tab.TabID, command, "policy_rejected")
		return
	}

	if err := d.driver.SendText(ctx, tab.SessionName, command); err != nil {
		d.reportDriverFault(u.ChatID, tab.TabID, command, err)
		return
	}
	if err := d.registry.Touch(tab.TabID); err != nil {
		d.log.Warn("failed to touch tab", "tab_id", tab.TabID, "err", err)
	}
	d.auditRecord(u.UserID, tab.TabID, command, "sent")

	if state.Mode == userstate.ModeClaude {
		d.sched.RefreshNow(u.UserID, tab.TabID, tab.SessionName, state.Mode)
	}
}

func (d *Dispatcher) checkPolicy(ctx context.Context, tab *registry.Tab, command string) error {
	workDir := ""
	if d.policyCfg.Strict != nil {
		if cwd, err := d.driver.WorkDir(ctx, tab.SessionName); err == nil {
			workDir = cwd
		}
	}
	return d.policyCfg.Check(command, tab.TabID, workDir)
}

func (d *Dispatcher) reportDriverFault(chatID int64, tabID, command string, err error) {
	d.log.Warn("driver fault", "tab_id", tabID, "err", err)
	d.reply(chatID, "terminal driver error, try again")
	d.auditRecord("", tabID, command, "driver_fault")
}

func (d *Dispatcher) handleCancel(u transport.Update, state *userstate.State) {
	if state.EditSession != nil {
		if err := d.editMgr.Cancel(state.UserID); err != nil {
			d.log.Warn("failed to cancel edit session", "user_id", state.UserID, "err", err)
		}
	}
	if state.RenameTabID != "" {
		if err := d.states.SetRenameTabID(state.UserID, ""); err != nil {
			d.log.Warn("failed to clear rename state", "user_id", state.UserID, "err", err)
		}
	}
	d.reply(u.ChatID, "cancelled")
}

func (d *Dispatcher) toggleClaude(u transport.Update, state *userstate.State) {
	mode := userstate.ModeClaude
	if state.Mode == userstate.ModeClaude {
		mode = userstate.ModeNormal
	}
	d.setMode(u, state, mode)
}

func (d *Dispatcher) setMode(u transport.Update, state *userstate.State, mode userstate.Mode) {
	if err := d.states.SetMode(state.UserID, mode); err != nil {
		d.reply(u.ChatID, "failed to change mode")
		return
	}
	d.reply(u.ChatID, fmt.Sprintf("mode: %s", mode))
	d.restartSchedulerForUser(state.UserID)
}

func (d *Dispatcher) activeTab(state *userstate.State) *registry.Tab {
	if state.ActiveTabID == "" {
		return nil
	}
	tab, err := d.registry.Get(state.ActiveTabID)
	if err != nil {
		return nil
	}
	return tab
}

func (d *Dispatcher) restartSchedulerForUser(userID string) {
	state := d.states.Get(userID)
	if state.ActiveTabID == "" {
		d.sched.Stop(userID)
		return
	}
	tab, err := d.registry.Get(state.ActiveTabID)
	if err != nil {
		d.sched.Stop(userID)
		return
	}
	d.sched.Start(userID, tab.TabID, tab.SessionName, state.Interval, state.Mode)
}

func (d *Dispatcher) auditRecord(userID, tabID, command, outcome string) {
	if d.auditLog == nil {
		return
	}
	rec := audit.Record{Timestamp: time.Now(), UserID: userID, TabID: tabID, Command: command, Outcome: outcome}
	d.auditLog.Append(rec)
	if d.auditHub != nil {
		d.auditHub.BroadcastRecord(rec)
	}
}

func (d *Dispatcher) reply(chatID int64, text string) {
	d.send(chatID, text, nil)
}

func (d *Dispatcher) send(chatID int64, text string, buttons []transport.Button) {
	if chatID == 0 {
		return
	}
	if err := d.transport.Send(context.Background(), transport.Outbound{ChatID: chatID, Text: text, Buttons: buttons}); err != nil {
		d.log.Warn("failed to send message", "chat_id", chatID, "err", err)
	}
}
