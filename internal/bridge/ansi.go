package bridge

import (
	"regexp"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var (
	// CSI, BEL-terminated OSC and charset select are what shells emit
	// most. They are removed up front; ansi.Strip handles the rest (DCS,
	// APC, stray two-byte escapes).
	csiSequence     = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	oscSequence     = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	charsetSequence = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
)

// StripTerminal removes terminal escape and control sequences from s and
// returns plain text suitable for a chat message. Line feeds and tabs
// survive; carriage returns are dropped and backspace erases the previous
// rune.
func StripTerminal(s string) string {
	s = csiSequence.ReplaceAllString(s, "")
	s = oscSequence.ReplaceAllString(s, "")
	s = charsetSequence.ReplaceAllString(s, "")
	s = ansi.Strip(s)

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\r':
			continue
		case ch == '\b':
			if len(result) > 0 {
				_, size := utf8.DecodeLastRune(result)
				result = result[:len(result)-size]
			}
			continue
		case (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t':
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
