package tools

import "fmt"

// Tool responses above this size are clipped before being appended to the
// conversation: the first and last halves are kept around an omission marker.
const (
	MaxToolResponseBytes = 160 * 1024
	keepBytes            = 80 * 1024
)

// TruncateResponse clips oversized tool output, keeping the head and tail.
func TruncateResponse(s string) string {
	if len(s) <= MaxToolResponseBytes {
		return s
	}
	omitted := len(s) - 2*keepBytes
	return s[:keepBytes] +
		fmt.Sprintf("\n\n[... %d bytes omitted ...]\n\n", omitted) +
		s[len(s)-keepBytes:]
}

// Truncate returns at most maxLen runes of s, appending "..." when clipped.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
