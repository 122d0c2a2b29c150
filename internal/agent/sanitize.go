package agent

import "strings"

// Sanitize strips protocol debris from a final reply: when a closing
// brace remains, only the text after the last one is kept. Replies that
// legitimately contain braces lose their leading part; the loss is
// accepted in exchange for never showing raw JSON.
func Sanitize(text string) string {
	if i := strings.LastIndexByte(text, '}'); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}
