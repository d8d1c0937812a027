package conversation

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
)

var transcriptSeq struct {
	mu   sync.Mutex
	next int
}

// Transcript writes a human-readable log of every message a conversation
// appends. After each compaction a fresh file with a -cN suffix is opened so
// the pre-compaction history stays on disk.
type Transcript struct {
	mu      sync.Mutex
	dir     string
	base    string
	chapter int
	file    *os.File
}

func NewTranscript(dir, ticketID string) *Transcript {
	transcriptSeq.mu.Lock()
	transcriptSeq.next++
	seq := transcriptSeq.next
	transcriptSeq.mu.Unlock()

	base := fmt.Sprintf("%s-%s-%03d", ticketID, time.Now().UTC().Format("20060102T150405"), seq)
	return &Transcript{dir: dir, base: base}
}

func (t *Transcript) path() string {
	name := t.base
	if t.chapter > 0 {
		name = fmt.Sprintf("%s-c%d", t.base, t.chapter)
	}
	return filepath.Join(t.dir, name+".log")
}

func (t *Transcript) ensureOpen() error {
	if t.file != nil {
		return nil
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(t.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	t.file = file
	return nil
}

// Record appends one message to the transcript. Failures are logged and
// swallowed; the transcript is a convenience, not a store.
func (t *Transcript) Record(msg models.Message) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureOpen(); err != nil {
		logger.WarnCF("transcript", "Failed to open transcript", map[string]any{"error": err.Error()})
		return
	}

	fmt.Fprintf(t.file, "=== %s ===\n", msg.Role)
	if msg.Content != "" {
		fmt.Fprintln(t.file, msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		fmt.Fprintf(t.file, ">> %s(%s)\n", tc.Name, tc.Arguments)
	}
	if msg.ToolCallID != "" {
		fmt.Fprintf(t.file, "(for call %s)\n", msg.ToolCallID)
	}
	fmt.Fprintln(t.file)
}

// NextChapter rotates to a new file; called after a compaction.
func (t *Transcript) NextChapter() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	t.chapter++
}

func (t *Transcript) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
