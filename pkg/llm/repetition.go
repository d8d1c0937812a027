package llm

import (
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/kanbeast/kanbeast/pkg/models"
)

const (
	repetitionWarnAt = 3
	repetitionStopAt = 5

	repetitionSnippetLimit = 500
)

// repetitionTracker fingerprints assistant turns per driver invocation. Tool
// call ids are excluded because they vary per call; identical content plus
// identical name/argument pairs count as a repeat.
type repetitionTracker struct {
	counts map[uint32]int
}

func newRepetitionTracker() *repetitionTracker {
	return &repetitionTracker{counts: make(map[uint32]int)}
}

func fingerprint(msg models.Message) uint32 {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, tc := range msg.ToolCalls {
		b.WriteString("\x00")
		b.WriteString(tc.Name)
		b.WriteString("\x00")
		b.WriteString(tc.Arguments)
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// observe records one assistant turn and returns its repeat count.
func (r *repetitionTracker) observe(msg models.Message) int {
	fp := fingerprint(msg)
	r.counts[fp]++
	return r.counts[fp]
}

// repetitionWarning is appended in-band when the model starts looping.
func repetitionWarning(count int) string {
	return fmt.Sprintf(
		"[Warning] You have produced this exact response %d times. Repeating it again will terminate this conversation. Change your approach.",
		count)
}

// repetitionContext renders the last three assistant turns with their
// trailing tool results, clipped, as the RepetitionDetected payload.
func repetitionContext(messages []models.Message) string {
	type turn struct {
		assistant models.Message
		results   []models.Message
	}
	var turns []turn
	for i := len(messages) - 1; i >= 0 && len(turns) < 3; i-- {
		if messages[i].Role != "assistant" {
			continue
		}
		t := turn{assistant: messages[i]}
		for j := i + 1; j < len(messages) && messages[j].Role == "tool"; j++ {
			t.results = append(t.results, messages[j])
		}
		turns = append(turns, t)
	}

	var b strings.Builder
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		b.WriteString("assistant: ")
		b.WriteString(t.assistant.Content)
		for _, tc := range t.assistant.ToolCalls {
			fmt.Fprintf(&b, "\n  -> %s(%s)", tc.Name, clip(tc.Arguments, repetitionSnippetLimit))
		}
		for _, res := range t.results {
			fmt.Fprintf(&b, "\ntool: %s", clip(res.Content, repetitionSnippetLimit))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
