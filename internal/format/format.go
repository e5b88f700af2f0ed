// Package format normalizes and chunks terminal output for delivery
// through the chat transport: newline normalization, long-line wrapping,
// UTF-8 sanitization, and a rune/byte-bounded splitter that prefers line
// boundaries, ported from the original system's telegram_format module.
package format

import (
	"strings"
	"unicode/utf8"
)

// NormalizeNewlines collapses CRLF and bare CR to LF.
func NormalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

// NormalizeLineWrapping hard-wraps any line longer than maxLineLength,
// breaking mid-word rather than dropping characters, so a single unbroken
// token (a long path, a hash) never produces an oversized chunk on its own.
func NormalizeLineWrapping(text string, maxLineLength int) string {
	if maxLineLength <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if utf8.RuneCountInString(line) <= maxLineLength {
			continue
		}
		lines[i] = wrapLine(line, maxLineLength)
	}
	return strings.Join(lines, "\n")
}

func wrapLine(line string, width int) string {
	runes := []rune(line)
	var b strings.Builder
	for i := 0; i < len(runes); i += width {
		if i > 0 {
			b.WriteByte('\n')
		}
		end := i + width
		if end > len(runes) {
			end = len(runes)
		}
		b.WriteString(string(runes[i:end]))
	}
	return b.String()
}

// SanitizeUTF8 replaces any invalid byte sequence with the UTF-8
// replacement character, guaranteeing the result round-trips cleanly.
func SanitizeUTF8(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "�")
}

const (
	DefaultMaxChars      = 4000
	DefaultMaxBytes      = 4096
	DefaultMaxLineLength = 120
)

// NormalizeForTelegram runs the fix-newlines -> wrap -> sanitize chain.
func NormalizeForTelegram(text string, maxLineLength int) string {
	text = NormalizeNewlines(text)
	text = NormalizeLineWrapping(text, maxLineLength)
	return SanitizeUTF8(text)
}

// SplitForTelegram normalizes text and splits it into chunks that respect
// both a rune-count cap and a byte-count cap (Telegram bounds messages by
// UTF-16 code units in practice, but a byte cap is the conservative stand-in
// the rest of this system uses). It prefers splitting at line boundaries;
// a single line that alone exceeds either cap is hard-split rune by rune so
// a multi-byte character is never cut in half.
func SplitForTelegram(text string, maxChars, maxBytes, maxLineLength int) []string {
	normalized := NormalizeForTelegram(text, maxLineLength)
	return chunkText(normalized, maxChars, maxBytes)
}

func chunkText(text string, maxChars, maxBytes int) []string {
	if maxChars <= 0 || maxBytes <= 0 {
		panic("format: maxChars and maxBytes must be positive")
	}
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentChars := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentChars = 0
		}
	}

	for _, segment := range splitKeepingNewlines(text) {
		segChars := utf8.RuneCountInString(segment)
		segBytes := len(segment)
		if segChars <= maxChars && segBytes <= maxBytes {
			if currentChars+segChars > maxChars || current.Len()+segBytes > maxBytes {
				flush()
			}
			current.WriteString(segment)
			currentChars += segChars
			continue
		}

		for _, r := range segment {
			rLen := utf8.RuneLen(r)
			if currentChars+1 > maxChars || current.Len()+rLen > maxBytes {
				flush()
			}
			current.WriteRune(r)
			currentChars++
		}
	}
	flush()
	return chunks
}

// splitKeepingNewlines is strings.SplitAfter("\n") without producing a
// trailing empty segment when the text ends in a newline.
func splitKeepingNewlines(text string) []string {
	var segments []string
	start := 0
	for i, r := range text {
		if r == '\n' {
			segments = append(segments, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		segments = append(segments, text[start:])
	}
	return segments
}
