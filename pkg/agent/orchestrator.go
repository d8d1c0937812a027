// Package agent nests the three agent roles: a Planner drives the ticket, each
// start_developer call drives one Developer synchronously, and Developers may
// fan out concurrent Sub-agents. All of them run on the same driver; only the
// toolsets and prompts differ.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kanbeast/kanbeast/pkg/config"
	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/llm"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

const (
	// A planner that keeps stopping without calling complete_ticket gets
	// this many fresh chances before the ticket is failed.
	maxPlannerContinues = 3

	defaultRateLimitWait = time.Minute
)

// Options wires an Orchestrator into the worker process.
type Options struct {
	Board          tools.BoardAPI
	Registry       *llm.Registry
	Store          *conversation.Store
	Prompts        *config.PromptStore
	Settings       *config.Settings
	WorkDir        string
	TranscriptsDir string

	// Optional hub hooks: busy indicator, live conversation snapshots, and
	// finish notifications.
	Busy               func(bool)
	ConversationSync   func(data *models.ConversationData)
	ConversationFinish func(conversationID string)
}

// Orchestrator owns the agent hierarchy of one ticket.
type Orchestrator struct {
	board       tools.BoardAPI
	registry    *llm.Registry
	store       *conversation.Store
	prompts     *config.PromptStore
	settings    *config.Settings
	workDir     string
	transcripts string
	busy        func(bool)
	onSync      func(data *models.ConversationData)
	onFinish    func(conversationID string)
	web         *tools.WebClient
}

func New(opts Options) *Orchestrator {
	busy := opts.Busy
	if busy == nil {
		busy = func(bool) {}
	}
	return &Orchestrator{
		board:       opts.Board,
		registry:    opts.Registry,
		store:       opts.Store,
		prompts:     opts.Prompts,
		settings:    opts.Settings,
		workDir:     opts.WorkDir,
		transcripts: opts.TranscriptsDir,
		busy:        busy,
		onSync:      opts.ConversationSync,
		onFinish:    opts.ConversationFinish,
		web:         tools.NewWebClient(),
	}
}

// RunTicket is the worker's whole job: prepare the workspace, run the planner
// until the ticket closes, and report how it went. A nil error means the
// planner called complete_ticket.
func (o *Orchestrator) RunTicket(ctx context.Context, ticketID string) error {
	ticket, err := o.board.GetTicket(ticketID)
	if err != nil {
		return fmt.Errorf("failed to load ticket %s: %w", ticketID, err)
	}
	if ticket.Status == models.TicketDone {
		logger.InfoCF("agent", "Ticket already done", map[string]any{"ticket_id": ticketID})
		return nil
	}

	if err := o.prepareWorkspace(ctx, ticket); err != nil {
		logger.WarnCF("agent", "Workspace preparation failed",
			map[string]any{"ticket_id": ticketID, "error": err.Error()})
	}

	o.busy(true)
	defer o.busy(false)

	return o.runPlanner(ctx, ticketID)
}

// runPlanner drives the Planning conversation through its two phases. While
// the ticket sits in Backlog (or has no tasks yet) the planner gets the
// task-creation toolset; finishing that phase flips the ticket to Active and
// planning continues with work-item selection and start_developer.
func (o *Orchestrator) runPlanner(ctx context.Context, ticketID string) error {
	ref := &serviceRef{}
	conv, transcript, err := o.planningConversation(ticketID, o.compactionRunner(ref))
	if err != nil {
		return err
	}
	defer transcript.Close()

	svc, err := o.plannerService(ticketID)
	if err != nil {
		return o.failTicket(ticketID, err.Error())
	}
	ref.set(svc)

	iterations := 0
	continues := 0

	for {
		ticket, err := o.board.GetTicket(ticketID)
		if err != nil {
			return fmt.Errorf("failed to reload ticket %s: %w", ticketID, err)
		}
		switch ticket.Status {
		case models.TicketDone:
			conv.Finish()
			return nil
		case models.TicketFailed:
			conv.Finish()
			return fmt.Errorf("ticket %s was failed externally", ticketID)
		}

		phase := models.TicketActive
		if ticket.Status == models.TicketBacklog || len(ticket.Tasks) == 0 {
			phase = models.TicketBacklog
		}

		reg := tools.ForRole(models.RolePlanning, phase, o.deps(ticketID))
		var extras []*tools.Tool
		if phase == models.TicketActive {
			extras = []*tools.Tool{o.startDeveloperTool(ref)}
		}

		req := &llm.RunRequest{
			Conversation: conv,
			Tools:        reg,
			ExtraTools:   extras,
			ToolContext: &tools.Context{
				TicketID:       ticketID,
				ConversationID: conv.ID(),
				WorkDir:        o.workDir,
				Board:          o.board,
				Shell:          tools.NewShellTable(),
				ReadFiles:      tools.NewReadSet(),
			},
			MaxIterations: o.settings.MaxIterations,
			Iterations:    &iterations,
		}

		res, err := o.drive(ctx, ref, req)
		if err != nil {
			return err
		}

		switch res.Reason {
		case llm.StopToolRequestedExit:
			if res.FinalTool == "complete_ticket" {
				conv.Finish()
				return nil
			}
			// Some other tool ended the loop; keep planning.

		case llm.StopCompleted:
			if phase == models.TicketBacklog {
				if ticket.Status == models.TicketBacklog {
					if err := o.board.SetTicketStatus(ticketID, models.TicketActive); err != nil {
						return o.failTicket(ticketID, "failed to activate ticket: "+err.Error())
					}
				}
				iterations = 0
				continue
			}
			continues++
			if continues > maxPlannerContinues {
				return o.failTicket(ticketID, "planner stalled without completing the ticket")
			}
			conv.AppendUser("The ticket is not complete. Check the remaining work with get_next_work_item and keep going, or call complete_ticket if everything is done.")
			iterations = 0

		case llm.StopMaxIterationsReached:
			return o.failTicket(ticketID, "planner ran out of iterations")
		case llm.StopCostExceeded:
			return o.failTicket(ticketID, "ticket budget exhausted")
		case llm.StopLlmCallFailed:
			return o.failTicket(ticketID, "planner model failed: "+res.Message)
		case llm.StopRepetitionDetected:
			return o.failTicket(ticketID, "planner stuck in a repetition loop")
		case llm.StopInterrupted:
			conv.Finish()
			return fmt.Errorf("planner interrupted")
		}
	}
}

// planningConversation resumes the stored planner conversation when one
// exists, otherwise starts a fresh one.
func (o *Orchestrator) planningConversation(ticketID string, compactor conversation.CompactionRunner) (*conversation.Conversation, *conversation.Transcript, error) {
	transcript := conversation.NewTranscript(o.transcripts, ticketID)

	data, err := o.store.GetActivePlanning(ticketID)
	if err != nil {
		return nil, nil, err
	}
	if data != nil {
		o.prompts.Refresh(config.PromptPlanning)
		conv := conversation.Reconstitute(data, conversation.Options{
			SystemPrompt:        o.systemPrompt(config.PromptPlanning, data.Strategy),
			CompactionThreshold: o.settings.CompactionThreshold,
			Transcript:          transcript,
			Store:               o.store,
			Compactor:           compactor,
			OnSync:              o.onSync,
			OnFinish:            o.onFinish,
		})
		logger.InfoCF("agent", "Resuming planner conversation",
			map[string]any{"ticket_id": ticketID, "conversation_id": conv.ID()})
		return conv, transcript, nil
	}

	ticket, err := o.board.GetTicket(ticketID)
	if err != nil {
		return nil, nil, err
	}
	conv := conversation.New(conversation.Options{
		TicketID:            ticketID,
		DisplayName:         "Planning",
		Role:                models.RolePlanning,
		Strategy:            o.settings.ConversationStrategy,
		SystemPrompt:        o.systemPrompt(config.PromptPlanning, o.settings.ConversationStrategy),
		UserInstructions:    ticketBrief(ticket),
		CompactionThreshold: o.settings.CompactionThreshold,
		Transcript:          transcript,
		Store:               o.store,
		Compactor:           compactor,
		OnSync:              o.onSync,
		OnFinish:            o.onFinish,
	})
	return conv, transcript, nil
}

// plannerService picks the planner's model: the ticket's choice, then the
// settings default, then any available service.
func (o *Orchestrator) plannerService(ticketID string) (*llm.Service, error) {
	ticket, err := o.board.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}

	for _, id := range []string{ticket.PlannerLlmID, o.settings.DefaultPlannerLlmID} {
		if id == "" {
			continue
		}
		if svc := o.registry.GetService(id); svc != nil && svc.IsAvailable() {
			return svc, nil
		}
	}
	for _, summary := range o.registry.GetAvailableLlmSummaries(0) {
		if !summary.IsAvailable {
			continue
		}
		if svc := o.registry.GetService(summary.ID); svc != nil {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("no LLM service available for planning")
}

// drive runs one conversation to a reason the caller has to act on. Model
// switches and short rate limits are absorbed here.
func (o *Orchestrator) drive(ctx context.Context, ref *serviceRef, req *llm.RunRequest) (*llm.RunResult, error) {
	for {
		res, err := ref.get().RunToCompletion(ctx, req)
		if err != nil {
			return nil, err
		}

		switch res.Reason {
		case llm.StopModelChanged:
			next := o.registry.GetService(res.NewConfigID)
			if next == nil {
				req.Conversation.AppendNote("No model config " + res.NewConfigID + " exists; keeping the current model.")
				continue
			}
			ref.set(next)
			req.Conversation.AppendNote("Model switched to " + next.Config().Model)
			continue

		case llm.StopRateLimited:
			wait := res.RetryAfter
			if wait <= 0 {
				wait = defaultRateLimitWait
			}
			logger.InfoCF("agent", "Rate limited; waiting",
				map[string]any{"conversation_id": req.Conversation.ID(), "wait_s": int(wait.Seconds())})
			if err := waitCtx(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}
		return res, nil
	}
}

// failTicket marks the ticket Failed with a reason in the activity log.
func (o *Orchestrator) failTicket(ticketID, reason string) error {
	if err := o.board.AppendActivity(ticketID, "Planning failed: "+reason); err != nil {
		logger.WarnCF("agent", "Failed to record failure",
			map[string]any{"ticket_id": ticketID, "error": err.Error()})
	}
	if err := o.board.SetTicketStatus(ticketID, models.TicketFailed); err != nil {
		logger.WarnCF("agent", "Failed to fail ticket",
			map[string]any{"ticket_id": ticketID, "error": err.Error()})
	}
	return fmt.Errorf("ticket %s failed: %s", ticketID, reason)
}

func (o *Orchestrator) deps(ticketID string) tools.Deps {
	return tools.Deps{
		Board: o.board,
		Web:   o.web,
		LlmSummaries: func() []models.LlmSummary {
			remaining := 0.0
			if ticket, err := o.board.GetTicket(ticketID); err == nil && ticket.MaxCost > 0 {
				remaining = ticket.RemainingBudget()
			}
			return o.registry.GetAvailableLlmSummaries(remaining)
		},
	}
}

// systemPrompt joins the role prompt with the strategy guidance for SFCM
// conversations.
func (o *Orchestrator) systemPrompt(key, strategy string) string {
	prompt := o.prompts.Get(key)
	if strategy == models.StrategySFCM {
		prompt += "\n\n" + o.prompts.Get(config.PromptSFCM)
	}
	return prompt
}

func ticketBrief(t *models.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket #%s: %s\n\n%s", t.ID, t.Title, t.Description)
	if t.Branch != "" {
		fmt.Fprintf(&b, "\n\nWork on branch %q.", t.Branch)
	}
	if len(t.Tasks) > 0 {
		b.WriteString("\n\nExisting plan:")
		for _, task := range t.Tasks {
			fmt.Fprintf(&b, "\n- %s", task.Name)
			for _, st := range task.Subtasks {
				fmt.Fprintf(&b, "\n  - [%s] %s", st.Status, st.Name)
			}
		}
	}
	return b.String()
}

// serviceRef is the mutable "current model" of one agent, shared with its
// compaction runner so summaries use whatever the agent switched to.
type serviceRef struct {
	mu  sync.Mutex
	svc *llm.Service
}

func (r *serviceRef) get() *llm.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.svc
}

func (r *serviceRef) set(svc *llm.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.svc = svc
}

func waitCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
