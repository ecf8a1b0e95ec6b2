package protocol

import "unicode/utf8"

// SplitContent breaks chat text into pieces of at most maxBytes each so every
// piece fits one envelope. Splits prefer the last space inside the window and
// never land inside a UTF-8 sequence; joining the pieces gives back text.
// A rune wider than maxBytes is emitted on its own. Returns nil for empty
// text or a non-positive limit.
func SplitContent(text string, maxBytes int) []string {
	if text == "" || maxBytes <= 0 {
		return nil
	}

	var parts []string
	for len(text) > maxBytes {
		cut := runeBoundary(text, maxBytes)
		if cut == 0 {
			// Single rune larger than the window.
			_, size := utf8.DecodeRuneInString(text)
			cut = size
		} else if sp := lastSpace(text[:cut]); sp > 0 {
			cut = sp
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// ClampContent truncates text to at most maxBytes without splitting a rune.
func ClampContent(text string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(text) <= maxBytes {
		return text
	}
	return text[:runeBoundary(text, maxBytes)]
}

// runeBoundary walks back from n to the start of a rune.
func runeBoundary(text string, n int) int {
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return n
}

// lastSpace returns the index just past the last space in s, or 0.
func lastSpace(s string) int {
	for i := len(s); i > 0; i-- {
		if s[i-1] == ' ' {
			return i
		}
	}
	return 0
}
