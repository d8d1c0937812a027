package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kanbeast/kanbeast/pkg/models"
)

func TestForRoleBacklogPlanner(t *testing.T) {
	reg := ForRole(models.RolePlanning, models.TicketBacklog, Deps{Board: newBoardStub()})

	assert.True(t, reg.Has("create_task"))
	assert.True(t, reg.Has("create_subtask"))
	assert.True(t, reg.Has("log_activity"))
	assert.False(t, reg.Has("get_next_work_item"))
	assert.False(t, reg.Has("complete_ticket"))
	assert.False(t, reg.Has("end_subtask"))
}

func TestForRoleActivePlanner(t *testing.T) {
	reg := ForRole(models.RolePlanning, models.TicketActive, Deps{Board: newBoardStub()})

	assert.True(t, reg.Has("get_next_work_item"))
	assert.True(t, reg.Has("update_llm_notes"))
	assert.True(t, reg.Has("complete_ticket"))
	assert.False(t, reg.Has("create_task"))
	assert.False(t, reg.Has("end_subtask"))
}

func TestForRoleDeveloper(t *testing.T) {
	reg := ForRole(models.RoleDeveloper, models.TicketActive, Deps{Board: newBoardStub()})

	assert.True(t, reg.Has("end_subtask"))
	assert.True(t, reg.Has("log_activity"))
	assert.False(t, reg.Has("complete_ticket"))
	assert.False(t, reg.Has("create_task"))
}

func TestForRoleSubAgent(t *testing.T) {
	reg := ForRole(models.RoleSubAgent, models.TicketActive, Deps{Board: newBoardStub()})

	assert.False(t, reg.Has("end_subtask"))
	assert.False(t, reg.Has("complete_ticket"))
	assert.True(t, reg.Has("log_activity"))
}

func TestForRoleCompactionIsEmpty(t *testing.T) {
	reg := ForRole(models.RoleCompaction, models.TicketActive, Deps{})
	assert.Zero(t, reg.Count())
}

func TestSchemasAreSortedAndIncludeExtras(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Tool{Name: "zeta"})
	reg.Register(&Tool{Name: "alpha"})
	extra := &Tool{Name: "omega"}

	schemas := reg.Schemas([]*Tool{extra})
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		fn := s["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	assert.Equal(t, []string{"alpha", "zeta", "omega"}, names)
}

func TestResolvePrefersExtras(t *testing.T) {
	reg := NewRegistry()
	registered := &Tool{Name: "probe", Description: "registered"}
	reg.Register(registered)
	shadow := &Tool{Name: "probe", Description: "extra"}

	got, ok := reg.Resolve("probe", []*Tool{shadow})
	assert.True(t, ok)
	assert.Equal(t, "extra", got.Description)

	got, ok = reg.Resolve("probe", nil)
	assert.True(t, ok)
	assert.Equal(t, "registered", got.Description)

	_, ok = reg.Resolve("missing", nil)
	assert.False(t, ok)
}
