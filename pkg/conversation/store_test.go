package conversation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
)

func storedConversation(id, ticketID, displayName string, started time.Time, finished bool) *models.ConversationData {
	return &models.ConversationData{
		ID:          id,
		TicketID:    ticketID,
		DisplayName: displayName,
		Role:        models.RolePlanning,
		Strategy:    models.StrategyCompacting,
		StartedAt:   started,
		Finished:    finished,
		Messages: []models.Message{
			{Role: "system", Content: "prompt"},
			{Role: "user", Content: "goal"},
		},
	}
}

func TestStoreUpsertAndGet(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(storedConversation("c1", "1", "Planning", now, false)))

	got, err := s.Get("1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Planning", got.DisplayName)
	assert.Len(t, got.Messages, 2)

	missing, err := s.Get("1", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStoreRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "convos-7.json"), []byte("{not json"), 0o644))

	// Reads treat the corrupt file as empty instead of erroring out.
	got, err := s.Get("7", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The next write replaces the corrupt file and the store works again.
	require.NoError(t, s.Upsert(storedConversation("c1", "7", "Planning", time.Now().UTC(), false)))
	got, err = s.Get("7", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Planning", got.DisplayName)
}

func TestStoreGetActivePlanning(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(storedConversation("old", "1", "Planning", now.Add(-time.Hour), true)))
	require.NoError(t, s.Upsert(storedConversation("live", "1", "Planning", now, false)))
	require.NoError(t, s.Upsert(storedConversation("dev", "1", "Developer: x", now, false)))

	got, err := s.GetActivePlanning("1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "live", got.ID)
}

func TestStoreGetActivePlanningNone(t *testing.T) {
	s := NewStore(t.TempDir())
	got, err := s.GetActivePlanning("1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreFinish(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Upsert(storedConversation("c1", "1", "Planning", time.Now().UTC(), false)))

	require.NoError(t, s.Finish("1", "c1"))
	got, err := s.Get("1", "c1")
	require.NoError(t, err)
	assert.True(t, got.Finished)

	// Finishing an absent conversation is a no-op.
	require.NoError(t, s.Finish("1", "ghost"))
}

func TestStoreGetNonFinalized(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(storedConversation("a", "1", "Planning", now.Add(-2*time.Minute), false)))
	require.NoError(t, s.Upsert(storedConversation("b", "1", "Developer: x", now.Add(-time.Minute), true)))
	require.NoError(t, s.Upsert(storedConversation("c", "1", "Developer: y", now, false)))

	open, err := s.GetNonFinalized("1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "a", open[0].ID)
	assert.Equal(t, "c", open[1].ID)
}

func TestStoreGetInfoListOrdersByStart(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(storedConversation("later", "1", "Developer: x", now, false)))
	require.NoError(t, s.Upsert(storedConversation("earlier", "1", "Planning", now.Add(-time.Hour), true)))

	infos, err := s.GetInfoList("1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "earlier", infos[0].ID)
	assert.Equal(t, 2, infos[0].Messages)
	assert.Equal(t, "later", infos[1].ID)
}

func TestStoreDeleteFinished(t *testing.T) {
	s := NewStore(t.TempDir())
	now := time.Now().UTC()

	require.NoError(t, s.Upsert(storedConversation("done", "1", "Planning", now, true)))
	require.NoError(t, s.Upsert(storedConversation("live", "1", "Developer: x", now, false)))

	require.NoError(t, s.DeleteFinished("1"))

	gone, err := s.Get("1", "done")
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := s.Get("1", "live")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestStoreDeleteForTicket(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Upsert(storedConversation("c1", "1", "Planning", time.Now().UTC(), false)))

	require.NoError(t, s.DeleteForTicket("1"))
	got, err := s.Get("1", "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent ticket file is fine.
	require.NoError(t, s.DeleteForTicket("404"))
}

func TestStoreTicketsAreIsolated(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Upsert(storedConversation("c1", "1", "Planning", time.Now().UTC(), false)))
	require.NoError(t, s.Upsert(storedConversation("c1", "2", "Planning", time.Now().UTC(), false)))

	require.NoError(t, s.DeleteForTicket("1"))
	got, err := s.Get("2", "c1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
