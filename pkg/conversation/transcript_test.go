package conversation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
)

func readTranscript(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func TestTranscriptRotatesChapters(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(dir, "7")

	tr.Record(models.Message{Role: "user", Content: "first chapter line"})
	tr.NextChapter()
	tr.Record(models.Message{Role: "assistant", Content: "second chapter line"})
	tr.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.log"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	chapters, err := filepath.Glob(filepath.Join(dir, "7-*-c1.log"))
	require.NoError(t, err)
	require.Len(t, chapters, 1)

	var base string
	for _, f := range files {
		if f != chapters[0] {
			base = f
		}
	}
	assert.True(t, strings.HasPrefix(filepath.Base(base), "7-"))

	first := readTranscript(t, base)
	assert.Contains(t, first, "first chapter line")
	assert.NotContains(t, first, "second chapter line")

	second := readTranscript(t, chapters[0])
	assert.Contains(t, second, "second chapter line")
	assert.NotContains(t, second, "first chapter line")
}

func TestCompactionOpensNewTranscriptChapter(t *testing.T) {
	dir := t.TempDir()
	tr := NewTranscript(dir, "9")
	c := newTestConversation(Options{
		CompactionThreshold: 3072,
		Transcript:          tr,
		Compactor: func(ctx context.Context, r CompactionRequest) (string, error) {
			return "summary", nil
		},
	})
	fillHistory(c, 30, 300)

	require.NoError(t, c.MaybeCompact(context.Background()))
	c.AppendUser("after the summary")
	tr.Close()

	// The compaction rotated the transcript; later messages land in -c1.
	chapters, err := filepath.Glob(filepath.Join(dir, "9-*-c1.log"))
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	assert.Contains(t, readTranscript(t, chapters[0]), "after the summary")
}
