package telegram

import "strings"

// maxMessageLen is Telegram's hard limit for a single message.
const maxMessageLen = 4096

// splitMessage chunks long outbound text at the Telegram message limit,
// preferring to break on a newline near the boundary so paragraphs stay
// intact. Counts runes; Telegram counts characters, not bytes.
func splitMessage(s string) []string {
	runes := []rune(s)
	if len(runes) <= maxMessageLen {
		return []string{s}
	}

	var parts []string
	for len(runes) > maxMessageLen {
		cut := maxMessageLen
		window := runes[:maxMessageLen]
		if i := strings.LastIndexByte(string(window), '\n'); i > 0 {
			cut = len([]rune(string(window)[:i]))
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
