package tools

import (
	"github.com/kanbeast/kanbeast/pkg/models"
)

// Deps carries the collaborators the built-in tools need.
type Deps struct {
	Board        BoardAPI
	Web          *WebClient
	LlmSummaries func() []models.LlmSummary
}

// ForRole assembles the base toolset for an agent role. The ticket status
// matters only for Planning: a Backlog planner creates tasks, an Active
// planner selects work items and dispatches developers.
//
// Agent-spawning tools (start_developer, start_sub_agent,
// agent_task_complete) are registered by the orchestrator on top of this, and
// memory/strategy tools are contributed per-iteration by the conversation.
func ForRole(role models.ConversationRole, ticketStatus models.TicketStatus, deps Deps) *Registry {
	reg := NewRegistry()

	switch role {
	case models.RoleCompaction:
		// Summarization and memory tools only, both supplied by the
		// compaction conversation itself.
		return reg

	case models.RolePlanning:
		registerAll(reg, NewShellTools(true))
		registerAll(reg, NewFileTools(true))
		if ticketStatus == models.TicketBacklog {
			registerAll(reg, NewPlanningTools())
		} else {
			registerAll(reg, NewActivePlanningTools(deps.LlmSummaries))
			reg.Register(NewCompleteTicketTool())
		}

	case models.RoleDeveloper:
		registerAll(reg, NewShellTools(false))
		registerAll(reg, NewFileTools(false))
		reg.Register(NewEndSubtaskTool())

	case models.RoleSubAgent, models.RoleQA:
		registerAll(reg, NewShellTools(false))
		registerAll(reg, NewFileTools(false))
	}

	registerAll(reg, NewSearchTools())
	registerAll(reg, NewWebTools(deps.Web))
	reg.Register(NewTicketLogTool())
	return reg
}

func registerAll(reg *Registry, list []*Tool) {
	for _, tool := range list {
		reg.Register(tool)
	}
}
