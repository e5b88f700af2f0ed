package tmux

import "regexp"

// escapeSequence matches every terminal escape form a `capture-pane -p`
// dump can contain: CSI (cursor/SGR), OSC/DCS/PM/APC strings terminated by
// BEL or ST, the old-style title-set form, charset selection, keypad mode
// switches, and any other bare ESC+byte pair the rest don't cover.
var escapeSequence = regexp.MustCompile(
	`\x1b\[[0-?]*[ -/]*[@-~]` + // CSI
		`|\x1b\].*?(?:\x07|\x1b\\)` + // OSC
		`|\x1bP.*?\x1b\\` + // DCS
		`|\x1b\^.*?\x1b\\` + // PM
		`|\x1b_.*?\x1b\\` + // APC
		`|\x1bk.*?\x1b\\` + // old-style title
		`|\x1b[()][0-9A-Za-z]` + // charset select
		`|\x1b[=>]` + // keypad mode
		`|\x1b.`, // anything else ESC leads
)

// normalizeCapture turns raw `capture-pane -p` output into the plain text
// the rest of the system works with: every escape form a tmux pane can
// emit is stripped in one regex pass, then a second pass over the
// remaining bytes collapses CR, applies backspace as a real erase, and
// drops every other control byte except newline.
func normalizeCapture(raw string) string {
	s := escapeSequence.ReplaceAllString(raw, "")

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
			continue
		case ch == '\b':
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		case (ch < 0x20 || ch == 0x7f) && ch != '\n':
			continue
		}
		out = append(out, ch)
	}
	return string(out)
}
