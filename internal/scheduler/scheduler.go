// Package scheduler is the Output Scheduler (4.G): one logical timer per
// (user_id, active_tab_id) pair, feeding captured pane text through the
// Prompt-Rule Engine in claude mode and emitting full snapshots in normal
// mode, chunked to the chat transport's message-size cap.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/songying/claude-tgbot/internal/format"
	"github.com/songying/claude-tgbot/internal/promptrule"
	"github.com/songying/claude-tgbot/internal/userstate"
)

// Capturer is the narrow slice of tmux.Driver the scheduler needs.
type Capturer interface {
	Capture(ctx context.Context, sessionName string, scrollbackLines int) (string, error)
}

// Emission is one rendered flush ready for the chat transport.
type Emission struct {
	UserID  string
	Chunks  []string
	Buttons []promptrule.Button
}

// Sink receives emissions. Implementations must not block for long — the
// scheduler calls it from the per-user ticker goroutine, and RefreshNow
// calls it on the caller's goroutine.
type Sink interface {
	Emit(Emission)
}

// Config bounds scrollback and chunking behaviour.
type Config struct {
	ScrollbackLines int
	FallbackLines   int // trailing-line fallback when a capture isn't a proper extension of the previous one
	MaxChars        int
	MaxBytes        int
	MaxLineLength   int
}

func DefaultConfig() Config {
	return Config{
		ScrollbackLines: 2000,
		FallbackLines:   30,
		MaxChars:        format.DefaultMaxChars,
		MaxBytes:        format.DefaultMaxBytes,
		MaxLineLength:   format.DefaultMaxLineLength,
	}
}

func intervalDuration(i userstate.Interval) (time.Duration, bool) {
	switch i {
	case userstate.Interval1m:
		return time.Minute, true
	case userstate.Interval5m:
		return 5 * time.Minute, true
	case userstate.Interval1h:
		return time.Hour, true
	case userstate.IntervalNone:
		return 0, false
	default:
		return 5 * time.Minute, true
	}
}

type tabTimer struct {
	userID      string
	tabID       string
	sessionName string
	mode        userstate.Mode
	interval    time.Duration
	stop        chan struct{}
	lastText    string // last text emitted for incremental diffing, claude mode only
}

// Scheduler owns one goroutine per authenticated, actively-ticking user.
type Scheduler struct {
	cfg      Config
	capturer Capturer
	rules    *promptrule.Engine
	states   *userstate.Store
	sink     Sink
	log      *slog.Logger

	mu     sync.Mutex
	timers map[string]*tabTimer // keyed by user_id
}

func New(cfg Config, capturer Capturer, rules *promptrule.Engine, states *userstate.Store, sink Sink, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		capturer: capturer,
		rules:    rules,
		states:   states,
		sink:     sink,
		log:      log.With("component", "scheduler"),
		timers:   make(map[string]*tabTimer),
	}
}

// Start begins ticking for userID against tabID/sessionName at the given
// interval and mode, stopping whatever timer previously ran for that user —
// switching active tab or changing interval both funnel through here.
func (s *Scheduler) Start(userID, tabID, sessionName string, interval userstate.Interval, mode userstate.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(userID)

	dur, active := intervalDuration(interval)
	if !active {
		return
	}
	t := &tabTimer{
		userID:      userID,
		tabID:       tabID,
		sessionName: sessionName,
		mode:        mode,
		interval:    dur,
		stop:        make(chan struct{}),
	}
	s.timers[userID] = t
	go s.run(t)
}

// Stop halts the timer for userID, if any, silencing background capture
// for that user.
func (s *Scheduler) Stop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(userID)
}

func (s *Scheduler) stopLocked(userID string) {
	if t, ok := s.timers[userID]; ok {
		close(t.stop)
		delete(s.timers, userID)
	}
}

func (s *Scheduler) run(t *tabTimer) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			s.tick(t, false)
		}
	}
}

// RefreshNow performs one immediate, unconditional capture+emit for the
// user's currently active tab. It requires the caller to already know the
// session name and mode (the dispatcher reads these from user state).
func (s *Scheduler) RefreshNow(userID, tabID, sessionName string, mode userstate.Mode) {
	s.mu.Lock()
	t, ok := s.timers[userID]
	if !ok {
		t = &tabTimer{userID: userID, tabID: tabID, sessionName: sessionName, mode: mode}
	}
	s.mu.Unlock()
	s.tick(t, true)
}

func (s *Scheduler) tick(t *tabTimer, forced bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	capture, err := s.capturer.Capture(ctx, t.sessionName, s.cfg.ScrollbackLines)
	if err != nil {
		s.log.Warn("capture failed", "user_id", t.userID, "session", t.sessionName, "err", err)
		return
	}
	capture = normalizeForDiff(capture)

	hash := hashOf(capture)
	prevHash := s.states.Get(t.userID).LastCaptureHash[t.tabID]
	changed := hash != prevHash

	if t.mode == userstate.ModeClaude {
		s.tickClaude(t, capture, forced, changed, hash)
		return
	}
	s.tickNormal(t, capture, forced, changed, hash)
}

func (s *Scheduler) tickNormal(t *tabTimer, capture string, forced, changed bool, hash string) {
	if !forced && !changed {
		return
	}
	s.states.SetLastCaptureHash(t.userID, t.tabID, hash)
	s.emit(t, capture)
}

func (s *Scheduler) tickClaude(t *tabTimer, capture string, forced, changed bool, hash string) {
	sig := s.rules.Evaluate(capture, t.userID)
	if !forced {
		if sig == nil {
			return
		}
	}
	if !changed && !forced {
		return
	}
	s.states.SetLastCaptureHash(t.userID, t.tabID, hash)

	tail := incrementalTail(t.lastText, capture, s.cfg.FallbackLines)
	t.lastText = capture
	if tail == "" {
		return
	}
	var buttons []promptrule.Button
	if sig != nil {
		buttons = sig.Buttons
	}
	s.emitWithButtons(t, tail, buttons)
}

func (s *Scheduler) emit(t *tabTimer, text string) {
	s.emitWithButtons(t, text, nil)
}

func (s *Scheduler) emitWithButtons(t *tabTimer, text string, buttons []promptrule.Button) {
	chunks := format.SplitForTelegram(text, s.cfg.MaxChars, s.cfg.MaxBytes, s.cfg.MaxLineLength)
	if len(chunks) == 0 {
		return
	}
	s.sink.Emit(Emission{UserID: t.userID, Chunks: chunks, Buttons: buttons})
}

// normalizeForDiff applies the CRLF->LF + trailing-blank-line trim the
// diffing algorithm assumes both sides have already had done to them.
func normalizeForDiff(text string) string {
	text = format.NormalizeNewlines(text)
	return strings.TrimRight(text, "\n") + "\n"
}

func hashOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// incrementalTail returns the suffix of current after previous, when
// current is a proper extension of previous. Byte-prefix comparison is
// code-point safe here: previous is itself a valid UTF-8 string, so a
// match never lands mid-rune. If current is not an extension of previous
// (the pane scrolled, or content was replaced rather than appended), it
// falls back to the trailing fallbackLines of current.
func incrementalTail(previous, current string, fallbackLines int) string {
	if previous == "" {
		return current
	}
	if current == previous {
		return ""
	}
	if strings.HasPrefix(current, previous) {
		return current[len(previous):]
	}
	return trailingLines(current, fallbackLines)
}

func trailingLines(text string, n int) string {
	if n <= 0 {
		return text
	}
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}
