package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/songying/claude-tgbot/internal/promptrule"
	"github.com/songying/claude-tgbot/internal/userstate"
)

type fakeCapturer struct {
	mu   sync.Mutex
	text string
}

func (f *fakeCapturer) Capture(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, nil
}

func (f *fakeCapturer) set(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

type fakeSink struct {
	mu        sync.Mutex
	emissions []Emission
}

func (f *fakeSink) Emit(e Emission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emissions = append(f.emissions, e)
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emissions)
}

func newTestStates(t *testing.T) *userstate.Store {
	t.Helper()
	s, err := userstate.Open(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("userstate.Open() error = %v", err)
	}
	return s
}

func TestIncrementalTailExtension(t *testing.T) {
	got := incrementalTail("hello\n", "hello\nworld\n", 30)
	if got != "world\n" {
		t.Fatalf("incrementalTail() = %q, want %q", got, "world\n")
	}
}

func TestIncrementalTailNoChange(t *testing.T) {
	got := incrementalTail("hello\n", "hello\n", 30)
	if got != "" {
		t.Fatalf("incrementalTail() = %q, want empty", got)
	}
}

func TestIncrementalTailFallsBackOnScroll(t *testing.T) {
	previous := "line1\nline2\n"
	current := "totally different content\nmore lines\n"
	got := incrementalTail(previous, current, 1)
	if got != "more lines\n" {
		t.Fatalf("incrementalTail() = %q, want trailing-line fallback", got)
	}
}

func TestIncrementalTailFirstCaptureReturnsFull(t *testing.T) {
	got := incrementalTail("", "brand new\n", 30)
	if got != "brand new\n" {
		t.Fatalf("incrementalTail() = %q, want full text on first capture", got)
	}
}

func TestRefreshNowNormalModeEmitsUnconditionally(t *testing.T) {
	cap := &fakeCapturer{text: "same output\n"}
	sink := &fakeSink{}
	states := newTestStates(t)
	sched := New(DefaultConfig(), cap, promptrule.New(), states, sink, nil)

	sched.RefreshNow("u1", "tab1", "tgbot_tab1", userstate.ModeNormal)
	sched.RefreshNow("u1", "tab1", "tgbot_tab1", userstate.ModeNormal)

	if sink.count() != 2 {
		t.Fatalf("expected 2 emissions from 2 forced refreshes, got %d", sink.count())
	}
}

func TestTickerEmitsOnChangeInNormalMode(t *testing.T) {
	cap := &fakeCapturer{text: "v1\n"}
	sink := &fakeSink{}
	states := newTestStates(t)
	sched := New(DefaultConfig(), cap, promptrule.New(), states, sink, nil)

	sched.Start("u1", "tab1", "tgbot_tab1", userstate.Interval1m, userstate.ModeNormal)
	defer sched.Stop("u1")

	sched.mu.Lock()
	tm := sched.timers["u1"]
	sched.mu.Unlock()

	sched.tick(tm, false)
	if sink.count() != 1 {
		t.Fatalf("first tick should emit (hash changed from empty), got %d", sink.count())
	}

	sched.tick(tm, false)
	if sink.count() != 1 {
		t.Fatalf("unchanged capture should not re-emit, got %d", sink.count())
	}

	cap.set("v2\n")
	sched.tick(tm, false)
	if sink.count() != 2 {
		t.Fatalf("changed capture should emit again, got %d", sink.count())
	}
}

func TestStartStopsPreviousTimerForSameUser(t *testing.T) {
	cap := &fakeCapturer{text: "x\n"}
	sink := &fakeSink{}
	states := newTestStates(t)
	sched := New(DefaultConfig(), cap, promptrule.New(), states, sink, nil)

	sched.Start("u1", "tab1", "tgbot_tab1", userstate.IntervalNone, userstate.ModeNormal)
	sched.mu.Lock()
	_, hasFirst := sched.timers["u1"]
	sched.mu.Unlock()
	if hasFirst {
		t.Fatalf("interval=never should not register a running timer")
	}

	sched.Start("u1", "tab2", "tgbot_tab2", userstate.Interval1h, userstate.ModeNormal)
	sched.mu.Lock()
	tm, ok := sched.timers["u1"]
	sched.mu.Unlock()
	if !ok || tm.tabID != "tab2" {
		t.Fatalf("expected timer for tab2 to be active, got %+v ok=%v", tm, ok)
	}
	sched.Stop("u1")
}

func TestClaudeModeSuppressesUnmatchedTicks(t *testing.T) {
	cap := &fakeCapturer{text: "plain output with nothing interesting\n"}
	sink := &fakeSink{}
	states := newTestStates(t)
	sched := New(DefaultConfig(), cap, promptrule.New(), states, sink, nil)

	sched.Start("u1", "tab1", "tgbot_tab1", userstate.Interval1h, userstate.ModeClaude)
	defer sched.Stop("u1")
	sched.mu.Lock()
	tm := sched.timers["u1"]
	sched.mu.Unlock()

	sched.tick(tm, false)
	if sink.count() != 0 {
		t.Fatalf("claude mode should stay silent without a prompt-rule match, got %d emissions", sink.count())
	}
}

func TestClaudeModeEmitsIncrementalTailOnMatch(t *testing.T) {
	cap := &fakeCapturer{text: "user@host:~$ "}
	sink := &fakeSink{}
	states := newTestStates(t)
	sched := New(DefaultConfig(), cap, promptrule.New(), states, sink, nil)

	sched.Start("u1", "tab1", "tgbot_tab1", userstate.Interval1h, userstate.ModeClaude)
	defer sched.Stop("u1")
	sched.mu.Lock()
	tm := sched.timers["u1"]
	sched.mu.Unlock()

	sched.tick(tm, false)
	if sink.count() != 1 {
		t.Fatalf("expected shell-prompt matcher to trigger one emission, got %d", sink.count())
	}
}
