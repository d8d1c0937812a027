package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
)

func newTestBoard(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), nil)
	require.NoError(t, err)
	return svc
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	svc := newTestBoard(t)

	first := svc.Create("first", "desc", "", "", 0)
	second := svc.Create("second", "desc", "", "", 0)
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, models.TicketBacklog, first.Status)
	assert.NotNil(t, first.Tasks)
}

func TestTicketsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	svc, err := NewService(dir, nil)
	require.NoError(t, err)
	svc.Create("persisted", "desc", "feature/x", "", 1.5)

	reloaded, err := NewService(dir, nil)
	require.NoError(t, err)
	got, err := reloaded.GetTicket("1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)
	assert.Equal(t, "feature/x", got.Branch)
	assert.Equal(t, 1.5, got.MaxCost)

	// The id sequence resumes past the loaded tickets.
	assert.Equal(t, "2", reloaded.Create("next", "", "", "", 0).ID)
}

func TestGetTicketReturnsCopy(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("immutable", "desc", "", "", 0)

	got, err := svc.GetTicket("1")
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := svc.GetTicket("1")
	require.NoError(t, err)
	assert.Equal(t, "immutable", again.Title)
}

func TestGetTicketMissing(t *testing.T) {
	svc := newTestBoard(t)
	_, err := svc.GetTicket("404")
	assert.ErrorContains(t, err, "not found")
}

func TestSetTicketStatusTransitions(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("flow", "", "", "", 0)

	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))
	require.NoError(t, svc.SetTicketStatus("1", models.TicketDone))

	got, err := svc.GetTicket("1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketDone, got.Status)
	require.Len(t, got.Activity, 2)
	assert.Contains(t, got.Activity[0], "Status changed to Active")
	assert.Contains(t, got.Activity[1], "Status changed to Done")
}

func TestSetTicketStatusRejectsInvalidTransition(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("flow", "", "", "", 0)

	err := svc.SetTicketStatus("1", models.TicketDone)
	assert.ErrorContains(t, err, "invalid ticket transition")

	got, _ := svc.GetTicket("1")
	assert.Equal(t, models.TicketBacklog, got.Status)
	assert.Empty(t, got.Activity)
}

func TestSetTicketStatusFiresOnActivatedOnce(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("flow", "", "", "", 0)

	var launched []string
	svc.OnActivated = func(t *models.Ticket) { launched = append(launched, t.ID) }

	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))
	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))
	assert.Equal(t, []string{"1"}, launched)

	// Backlog and back again re-fires.
	require.NoError(t, svc.SetTicketStatus("1", models.TicketBacklog))
	require.NoError(t, svc.SetTicketStatus("1", models.TicketActive))
	assert.Equal(t, []string{"1", "1"}, launched)
}

func TestAddTaskIdempotentByName(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("plan", "", "", "", 0)

	first, err := svc.AddTask("1", "Build API", "initial cut")
	require.NoError(t, err)
	second, err := svc.AddTask("1", "Build API", "revised scope")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	got, _ := svc.GetTicket("1")
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "revised scope", got.Tasks[0].Description)
}

func TestAddSubtask(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("plan", "", "", "", 0)
	_, err := svc.AddTask("1", "Build API", "")
	require.NoError(t, err)

	st, err := svc.AddSubtask("1", "Build API", "add handler", "wire the route")
	require.NoError(t, err)
	assert.Equal(t, models.SubtaskIncomplete, st.Status)

	again, err := svc.AddSubtask("1", "Build API", "add handler", "updated details")
	require.NoError(t, err)
	assert.Equal(t, st.ID, again.ID)

	got, _ := svc.GetTicket("1")
	require.Len(t, got.Tasks[0].Subtasks, 1)
	assert.Equal(t, "updated details", got.Tasks[0].Subtasks[0].Description)
}

func TestAddSubtaskUnknownTask(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("plan", "", "", "", 0)

	_, err := svc.AddSubtask("1", "No Such Task", "x", "")
	assert.ErrorContains(t, err, "not found")
}

func TestSetSubtaskStatus(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("plan", "", "", "", 0)
	svc.AddTask("1", "Build API", "")
	st, err := svc.AddSubtask("1", "Build API", "add handler", "")
	require.NoError(t, err)

	require.NoError(t, svc.SetSubtaskStatus("1", st.ID, models.SubtaskComplete))
	got, _ := svc.GetTicket("1")
	assert.Equal(t, models.SubtaskComplete, got.Tasks[0].Subtasks[0].Status)

	assert.Error(t, svc.SetSubtaskStatus("1", "subtask-nope", models.SubtaskComplete))
}

func TestAddLlmCost(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("spend", "", "", "", 5)

	require.NoError(t, svc.AddLlmCost("1", 1.25))
	require.NoError(t, svc.AddLlmCost("1", 0.75))
	require.NoError(t, svc.AddLlmCost("1", 0)) // ignored

	got, _ := svc.GetTicket("1")
	assert.InDelta(t, 2.0, got.LlmCost, 1e-9)
	assert.InDelta(t, 3.0, got.RemainingBudget(), 1e-9)
}

func TestUpdatePatchesFields(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("old title", "", "", "", 0)

	updated, err := svc.Update("1", func(t *models.Ticket) {
		t.Title = "new title"
		t.MaxCost = 9
	})
	require.NoError(t, err)
	assert.Equal(t, "new title", updated.Title)
	assert.Equal(t, 9.0, updated.MaxCost)
}

func TestDelete(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("doomed", "", "", "", 0)

	require.NoError(t, svc.Delete("1"))
	_, err := svc.GetTicket("1")
	assert.Error(t, err)
	assert.Error(t, svc.Delete("1"))
}

func TestListSortsByCreation(t *testing.T) {
	svc := newTestBoard(t)
	svc.Create("a", "", "", "", 0)
	svc.Create("b", "", "", "", 0)

	list := svc.List()
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].ID)
	assert.Equal(t, "2", list[1].ID)
}

func TestUpdateLlmNotesRequiresSink(t *testing.T) {
	svc := newTestBoard(t)
	assert.Error(t, svc.UpdateLlmNotes("m1", "s", "w"))

	var gotID string
	svc.NotesSink = func(llmID, strengths, weaknesses string) error {
		gotID = llmID
		return nil
	}
	require.NoError(t, svc.UpdateLlmNotes("m1", "s", "w"))
	assert.Equal(t, "m1", gotID)
}
