package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// DefaultGeometry is the pane size applied to every session this driver
// creates, so that capture output doesn't depend on whatever terminal
// happened to be attached when the session was born.
var DefaultGeometry = Geometry{Width: 220, Height: 50}

// ExecDriver shells out to the tmux binary for every operation. It keeps no
// in-process state — tmux itself is the source of truth — mirroring the
// teacher's has-session-by-exit-code idiom rather than caching a handle per
// session.
type ExecDriver struct {
	geometry Geometry
	log      *slog.Logger
}

func NewExecDriver(geometry Geometry, log *slog.Logger) *ExecDriver {
	if geometry.Width <= 0 || geometry.Height <= 0 {
		geometry = DefaultGeometry
	}
	if log == nil {
		log = slog.Default()
	}
	return &ExecDriver{geometry: geometry, log: log.With("component", "tmux")}
}

func (d *ExecDriver) CreateSession(ctx context.Context, name string, workDir string) error {
	exists, err := d.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	args := []string{"new-session", "-d", "-s", name,
		"-x", strconv.Itoa(d.geometry.Width), "-y", strconv.Itoa(d.geometry.Height)}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if _, err := d.run(ctx, "create-session", args...); err != nil {
		return err
	}
	return d.applyGeometry(ctx, name)
}

// applyGeometry re-asserts the fixed pane size after creation, ported from
// the original tmux_manager's set_uniform_size: new-session's -x/-y only
// takes effect when no client is attached, so resize-window/resize-pane
// pin it regardless.
func (d *ExecDriver) applyGeometry(ctx context.Context, name string) error {
	w := strconv.Itoa(d.geometry.Width)
	h := strconv.Itoa(d.geometry.Height)
	if _, err := d.run(ctx, "resize-window", "resize-window", "-t", name, "-x", w, "-y", h); err != nil {
		return err
	}
	if _, err := d.run(ctx, "resize-pane", "resize-pane", "-t", name, "-x", w, "-y", h); err != nil {
		return err
	}
	return nil
}

func (d *ExecDriver) HasSession(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", name)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if isNoSessionExit(err) {
		return false, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return false, &DriverFault{Op: "has-session", Err: fmt.Errorf("tmux binary not found")}
	}
	return false, &DriverFault{Op: "has-session", Err: err}
}

func (d *ExecDriver) KillSession(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", name)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if isNoSessionExit(err) {
		return nil
	}
	return &DriverFault{Op: "kill-session", Stderr: strings.TrimSpace(string(out)), Err: err}
}

func (d *ExecDriver) ListSessions(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoSessionExit(err) {
			return nil, nil
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	sessions := make([]string, 0, len(lines))
	for _, line := range lines {
		name := strings.TrimSpace(line)
		if name != "" {
			sessions = append(sessions, name)
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (d *ExecDriver) SendText(ctx context.Context, name string, text string) error {
	if err := d.requireSession(ctx, name); err != nil {
		return err
	}
	if _, err := d.run(ctx, "send-keys", "send-keys", "-t", name, "-l", "--", text); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "send-keys", "-t", name, string(KeyEnter))
	return err
}

func (d *ExecDriver) SendKey(ctx context.Context, name string, key Key) error {
	if err := d.requireSession(ctx, name); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "send-keys", "-t", name, string(key))
	return err
}

func (d *ExecDriver) Capture(ctx context.Context, name string, scrollbackLines int) (string, error) {
	if err := d.requireSession(ctx, name); err != nil {
		return "", err
	}
	if scrollbackLines <= 0 {
		scrollbackLines = 2000
	}
	start := strconv.Itoa(-scrollbackLines)
	out, err := d.run(ctx, "capture-pane", "capture-pane", "-p", "-t", name, "-S", start)
	if err != nil {
		return "", err
	}
	return normalizeCapture(out), nil
}

func (d *ExecDriver) ListJobs(ctx context.Context, name string) ([]Job, error) {
	if err := d.requireSession(ctx, name); err != nil {
		return nil, err
	}
	marker := "__JOBS_" + name + "__"
	if err := d.SendText(ctx, name, fmt.Sprintf("jobs -l; echo %s", marker)); err != nil {
		return nil, err
	}
	out, err := d.Capture(ctx, name, 200)
	if err != nil {
		return nil, err
	}
	return parseJobs(out, marker), nil
}

func (d *ExecDriver) WorkDir(ctx context.Context, name string) (string, error) {
	if err := d.requireSession(ctx, name); err != nil {
		return "", err
	}
	out, err := d.run(ctx, "display-message", "display-message", "-p", "-t", name, "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (d *ExecDriver) requireSession(ctx context.Context, name string) error {
	exists, err := d.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrSessionMissing, name)
	}
	return nil
}

func (d *ExecDriver) run(ctx context.Context, op string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		d.log.Warn("tmux command failed", "op", op, "err", err)
		return "", &DriverFault{Op: op, Stderr: strings.TrimSpace(string(out)), Err: err}
	}
	return string(out), nil
}

func isNoSessionExit(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == 1
}

// parseJobs ports TmuxController._parse_jobs: lines of the form
// "[1]+  Stopped    vim foo.txt" preceding the echoed marker line.
func parseJobs(capture string, marker string) []Job {
	lines := strings.Split(capture, "\n")
	var jobs []Job
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line == marker || strings.Contains(line, marker) {
			continue
		}
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		id := line[1:end]
		rest := strings.TrimSpace(line[end+1:])
		rest = strings.TrimPrefix(rest, "+")
		rest = strings.TrimPrefix(rest, "-")
		rest = strings.TrimSpace(rest)
		fields := strings.Fields(rest)
		cmd := rest
		if len(fields) > 1 {
			for i, f := range fields {
				if f == "Running" || f == "Stopped" || f == "Done" {
					cmd = strings.TrimSpace(strings.Join(fields[i+1:], " "))
					break
				}
			}
		}
		jobs = append(jobs, Job{ID: id, Command: cmd})
	}
	return jobs
}
