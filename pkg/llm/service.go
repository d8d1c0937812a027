package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanbeast/kanbeast/pkg/conversation"
	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

const (
	defaultRequestTimeout = 300 * time.Second
	temporaryCooldown     = 5 * time.Minute
	maxInPlaceWait        = 20 * time.Second
	retryDelayStep        = 3 * time.Second
	retryDelayCap         = 15 * time.Second
	urgencyTurns          = 5
)

// Service drives one OpenAI-compatible endpoint + model + key. Availability
// state (cooldowns, permanent failures, the parallel-tool-calls flag) is
// per-service and shared by every agent in the process.
type Service struct {
	hub        HubLink
	httpClient *http.Client

	mu                sync.Mutex
	config            models.LLMConfig
	permanentlyDown   bool
	availableAt       time.Time
	hasSucceeded      bool
	parallelToolCalls bool
}

func NewService(cfg models.LLMConfig, hub HubLink) *Service {
	if hub == nil {
		hub = NopHub{}
	}
	return &Service{
		hub:               hub,
		httpClient:        &http.Client{Timeout: defaultRequestTimeout},
		config:            cfg,
		parallelToolCalls: true,
	}
}

func (s *Service) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.ID
}

func (s *Service) Config() models.LLMConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

func (s *Service) updateNotes(strengths, weaknesses string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Strengths = strengths
	s.config.Weaknesses = weaknesses
}

// availability reports whether the service may be called right now, and if
// not, how long until it can be (permanent means never).
func (s *Service) availability() (ok bool, wait time.Duration, permanent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.permanentlyDown {
		return false, 0, true
	}
	if wait := time.Until(s.availableAt); wait > 0 {
		return false, wait, false
	}
	return true, 0, false
}

func (s *Service) IsAvailable() bool {
	ok, _, _ := s.availability()
	return ok
}

func (s *Service) markTemporarilyDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availableAt = time.Now().Add(temporaryCooldown)
}

func (s *Service) markPermanentlyDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permanentlyDown = true
}

func (s *Service) markRateLimited(wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availableAt = time.Now().Add(wait)
}

func (s *Service) markSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasSucceeded = true
}

func (s *Service) disableParallelToolCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parallelToolCalls = false
}

// RunRequest is one driver invocation. Iterations points at a counter the
// orchestrator owns so it can reset it between conversation chapters.
type RunRequest struct {
	Conversation       *conversation.Conversation
	Tools              *tools.Registry
	ExtraTools         []*tools.Tool
	ToolContext        *tools.Context
	ContinueMessage    string
	ContinueOnToolExit bool
	FinalizeOnExit     bool
	MaxIterations      int
	Iterations         *int
}

// RunToCompletion drives the tool-calling loop until a terminal reason. The
// returned error is non-nil only when the parent context was cancelled; a
// direct conversation interrupt is swallowed into StopInterrupted.
//
// Accumulated cost is reported to the ticket exactly once, after the loop
// exits, and the conversation snapshot is force-flushed before return.
func (s *Service) RunToCompletion(parentCtx context.Context, req *RunRequest) (*RunResult, error) {
	conv := req.Conversation

	convCtx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	s.hub.RegisterCancel(conv.ID(), cancel)
	defer s.hub.UnregisterCancel(conv.ID())

	cfg := s.Config()
	conv.SetActiveModel(cfg.Model)
	req.ToolContext.ActiveModel = cfg.Model

	var accumulated float64
	result, err := s.runLoop(convCtx, parentCtx, req, &accumulated)

	if accumulated > 0 && req.ToolContext.Board != nil {
		if cerr := req.ToolContext.Board.AddLlmCost(req.ToolContext.TicketID, accumulated); cerr != nil {
			logger.WarnCF("llm", "Failed to record cost",
				map[string]any{"ticket_id": req.ToolContext.TicketID, "error": cerr.Error()})
		}
	}
	conv.Sync()
	return result, err
}

func (s *Service) runLoop(convCtx, parentCtx context.Context, req *RunRequest, accumulated *float64) (*RunResult, error) {
	conv := req.Conversation
	cfg := s.Config()

	reps := newRepetitionTracker()
	pendingWarning := ""

	for {
		s.hub.Heartbeat(convCtx, conv.TicketID())

		if convCtx.Err() != nil {
			return s.interrupted(parentCtx, conv)
		}

		if *req.Iterations >= req.MaxIterations {
			return &RunResult{
				Reason:  StopMaxIterationsReached,
				Content: repetitionContext(conv.Messages()),
			}, nil
		}

		if s.budgetExceeded(req, *accumulated) {
			return &RunResult{Reason: StopCostExceeded}, nil
		}

		for _, text := range s.hub.DrainChatMessages(conv.TicketID()) {
			conv.AppendUser(text)
		}

		if newID, ok := s.hub.PendingModelChange(conv.ID()); ok {
			return &RunResult{Reason: StopModelChanged, NewConfigID: newID}, nil
		}

		extras := append(conv.ExtraTools(), req.ExtraTools...)

		// A reconstituted conversation may end on an assistant message whose
		// tool calls never ran. Re-dispatch them before talking to the model
		// so the wire format stays valid and interrupted work resumes.
		if pending := conv.PendingToolCalls(); len(pending) > 0 {
			exitTool, _ := s.applyToolCalls(convCtx, req, extras, pending, "")
			conv.Sync()
			if exitTool != "" && !req.ContinueOnToolExit {
				if req.FinalizeOnExit {
					conv.Finish()
				}
				return &RunResult{Reason: StopToolRequestedExit, FinalTool: exitTool}, nil
			}
			continue
		}

		if last := conv.LastRole(); last != "user" && last != "tool" {
			kick := s.kickoffMessage(req)
			if pendingWarning != "" {
				kick += "\n\n" + pendingWarning
				pendingWarning = ""
			}
			conv.AppendUser(kick)
		}

		if ok, wait, permanent := s.availability(); !ok {
			if permanent {
				return &RunResult{
					Reason:  StopLlmCallFailed,
					Message: fmt.Sprintf("service %s is permanently unavailable", cfg.ID),
				}, nil
			}
			if wait > maxInPlaceWait {
				return &RunResult{Reason: StopRateLimited, RetryAfter: wait}, nil
			}
			if err := sleepCtx(convCtx, wait); err != nil {
				return s.interrupted(parentCtx, conv)
			}
			continue
		}

		resp, failure, err := s.chat(convCtx, toWire(conv.Messages()), req.Tools.Schemas(extras))
		if err != nil {
			return s.interrupted(parentCtx, conv)
		}
		if failure != nil {
			if failure.reason == StopRateLimited {
				return &RunResult{Reason: StopRateLimited, RetryAfter: failure.retryAfter}, nil
			}
			return &RunResult{Reason: StopLlmCallFailed, Message: failure.message}, nil
		}

		*req.Iterations++
		*accumulated += s.costOf(resp.Usage)
		conv.Sync()

		assistant := s.decodeAssistant(resp, req.Tools, extras)
		if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
			continue
		}

		count := reps.observe(assistant)
		if count >= repetitionStopAt {
			conv.AppendAssistant(assistant)
			return &RunResult{
				Reason:  StopRepetitionDetected,
				Content: repetitionContext(conv.Messages()),
			}, nil
		}
		warning := ""
		if count >= repetitionWarnAt {
			warning = repetitionWarning(count)
		}

		if len(assistant.ToolCalls) == 0 {
			conv.AppendAssistant(assistant)
			nudge, done := conv.HandleAssistantText(assistant.Content)
			if done {
				if req.FinalizeOnExit {
					conv.Finish()
				} else {
					conv.Sync()
				}
				return &RunResult{Reason: StopCompleted, Content: assistant.Content}, nil
			}
			if nudge != "" {
				if warning != "" {
					nudge += "\n\n" + warning
					warning = ""
				}
				conv.AppendUser(nudge)
			}
			pendingWarning = warning
			if err := conv.MaybeCompact(convCtx); err != nil {
				logger.WarnCF("llm", "Compaction failed", map[string]any{"error": err.Error()})
			}
			continue
		}

		conv.AppendAssistant(assistant)
		exitTool, leftover := s.applyToolCalls(convCtx, req, extras, assistant.ToolCalls, warning)
		pendingWarning = leftover
		conv.Sync()

		if exitTool != "" && !req.ContinueOnToolExit {
			if req.FinalizeOnExit {
				conv.Finish()
			}
			return &RunResult{Reason: StopToolRequestedExit, FinalTool: exitTool}, nil
		}

		if err := conv.MaybeCompact(convCtx); err != nil {
			logger.WarnCF("llm", "Compaction failed", map[string]any{"error": err.Error()})
		}
	}
}

// interrupted distinguishes a direct conversation stop (swallowed) from a
// parent cancellation (re-thrown so outer loops unwind).
func (s *Service) interrupted(parentCtx context.Context, conv *conversation.Conversation) (*RunResult, error) {
	if err := parentCtx.Err(); err != nil {
		return nil, err
	}
	conv.AppendNote("Conversation interrupted.")
	conv.Sync()
	return &RunResult{Reason: StopInterrupted}, nil
}

// budgetExceeded compares this invocation's accumulated spend against what
// was left of the ticket budget when the iteration started. MaxCost of zero
// means unlimited.
func (s *Service) budgetExceeded(req *RunRequest, accumulated float64) bool {
	board := req.ToolContext.Board
	if board == nil {
		return false
	}
	ticket, err := board.GetTicket(req.ToolContext.TicketID)
	if err != nil || ticket == nil || ticket.MaxCost <= 0 {
		return false
	}
	return accumulated >= ticket.RemainingBudget()
}

func (s *Service) kickoffMessage(req *RunRequest) string {
	remaining := req.MaxIterations - *req.Iterations
	kick := req.ContinueMessage
	if kick == "" {
		kick = "Continue working. {messagesRemaining} messages remaining."
	}
	kick = strings.ReplaceAll(kick, "{messagesRemaining}", strconv.Itoa(remaining))
	if remaining <= urgencyTurns {
		kick += fmt.Sprintf("\n[Only %d turns remain. Wrap up what you can now.]", remaining)
	}
	return kick
}

// costOf prefers the endpoint-reported cost; otherwise it is computed from
// token counts and the config's per-1M prices.
func (s *Service) costOf(usage *wireUsage) float64 {
	if usage == nil {
		return 0
	}
	if usage.Cost > 0 {
		return usage.Cost
	}
	cfg := s.Config()
	return float64(usage.PromptTokens)*cfg.InputPricePer1M/1e6 +
		float64(usage.CompletionTokens)*cfg.OutputPricePer1M/1e6
}

// decodeAssistant turns the wire response into a conversation message. Tool
// calls get fresh ids and trimmed names; content-embedded XML calls are
// recovered when the structured field is empty.
func (s *Service) decodeAssistant(resp *wireResponse, registry *tools.Registry, extras []*tools.Tool) models.Message {
	assistant := models.Message{Role: "assistant"}
	if len(resp.Choices) == 0 {
		return assistant
	}
	choice := resp.Choices[0]
	assistant.Content = strings.TrimSpace(choice.Message.Content)

	for _, tc := range choice.Message.ToolCalls {
		name := strings.TrimSpace(tc.Function.Name)
		if name == "" {
			continue
		}
		assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
			ID:        "call-" + uuid.NewString()[:8],
			Name:      name,
			Arguments: tc.Function.Arguments,
		})
	}

	if len(assistant.ToolCalls) == 0 && assistant.Content != "" {
		clean, calls := extractXMLToolCalls(assistant.Content, func(name string) (*tools.Tool, bool) {
			return registry.Resolve(name, extras)
		})
		if len(calls) > 0 {
			assistant.Content = clean
			assistant.ToolCalls = calls
		}
	}
	return assistant
}

// applyToolCalls dispatches one batch of calls and appends their responses in
// order. A repetition warning rides the last appended response; when every
// response was handled by its tool, the warning is returned for the next
// kickoff instead.
func (s *Service) applyToolCalls(ctx context.Context, req *RunRequest, extras []*tools.Tool, calls []models.ToolCall, warning string) (exitTool, leftover string) {
	conv := req.Conversation
	results := s.dispatchToolCalls(ctx, req, extras, calls)
	for i, call := range calls {
		res := results[i]
		if !res.MessageHandled {
			response := tools.TruncateResponse(res.Response)
			if warning != "" && i == len(calls)-1 {
				response += "\n\n" + warning
				warning = ""
			}
			conv.AppendToolResponse(call.ID, response)
		}
		if res.ExitLoop && exitTool == "" {
			exitTool = call.Name
		}
	}
	return exitTool, warning
}

// dispatchToolCalls runs every call of one assistant message concurrently and
// returns results in the original order. The tool context is cancelled before
// the conversation context unwinds, so handlers observe interrupts first.
func (s *Service) dispatchToolCalls(ctx context.Context, req *RunRequest, extras []*tools.Tool, calls []models.ToolCall) []*tools.Result {
	toolCtx, toolCancel := context.WithCancel(ctx)
	defer toolCancel()

	results := make([]*tools.Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = s.runToolCall(toolCtx, req, extras, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (s *Service) runToolCall(ctx context.Context, req *RunRequest, extras []*tools.Tool, call models.ToolCall) *tools.Result {
	tool, ok := req.Tools.Resolve(call.Name, extras)
	if !ok {
		return tools.ErrorResult("unknown tool %q", call.Name)
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return tools.ErrorResult("invalid arguments for %s: %v", call.Name, err)
		}
	}

	res, err := tool.Handler(ctx, req.ToolContext.WithToolCallID(call.ID), args)
	if err != nil {
		return tools.ErrorResult("%s", err.Error())
	}
	if res == nil {
		res = tools.NewResult("")
	}
	return res
}

// callFailure is a classified, non-retryable chat failure.
type callFailure struct {
	reason     StopReason
	message    string
	retryAfter time.Duration
}

// chat posts one completion request with retry classification. The returned
// error is reserved for context cancellation.
func (s *Service) chat(ctx context.Context, messages []wireMessage, schemas []map[string]any) (*wireResponse, *callFailure, error) {
	maxAttempts := 1
	s.mu.Lock()
	if s.hasSucceeded {
		maxAttempts = 3
	}
	s.mu.Unlock()

	adapted := false
	for attempt := 1; ; attempt++ {
		payload, err := s.requestBody(messages, schemas)
		if err != nil {
			return nil, &callFailure{reason: StopLlmCallFailed, message: err.Error()}, nil
		}

		status, headers, body, err := s.post(ctx, payload)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if attempt < maxAttempts {
				if serr := sleepCtx(ctx, retryDelay(attempt)); serr != nil {
					return nil, nil, serr
				}
				continue
			}
			s.markTemporarilyDown()
			return nil, &callFailure{reason: StopLlmCallFailed, message: "transport error: " + err.Error()}, nil
		}

		switch {
		case status == http.StatusTooManyRequests || bodyHasCode429(body):
			wait := ParseRetryAfter(headers, body)
			s.markRateLimited(wait)
			return nil, &callFailure{reason: StopRateLimited, retryAfter: wait}, nil

		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			s.markPermanentlyDown()
			return nil, &callFailure{
				reason:  StopLlmCallFailed,
				message: fmt.Sprintf("authentication failed (status %d); service disabled", status),
			}, nil

		case status >= 500:
			if attempt < maxAttempts {
				if serr := sleepCtx(ctx, retryDelay(attempt)); serr != nil {
					return nil, nil, serr
				}
				continue
			}
			s.markTemporarilyDown()
			return nil, &callFailure{
				reason:  StopLlmCallFailed,
				message: fmt.Sprintf("server error %d: %s", status, excerpt(body)),
			}, nil

		case status >= 400:
			if !adapted && isAdaptive4xx(status, body) {
				logger.WarnCF("llm", "Disabling parallel tool calls after endpoint rejection",
					map[string]any{"service": s.ID(), "status": status})
				s.disableParallelToolCalls()
				adapted = true
				continue
			}
			return nil, &callFailure{
				reason:  StopLlmCallFailed,
				message: fmt.Sprintf("request rejected with %d: %s", status, excerpt(body)),
			}, nil
		}

		var resp wireResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			if attempt < maxAttempts {
				if serr := sleepCtx(ctx, retryDelay(attempt)); serr != nil {
					return nil, nil, serr
				}
				continue
			}
			s.markTemporarilyDown()
			return nil, &callFailure{reason: StopLlmCallFailed, message: "undecodable response: " + excerpt(body)}, nil
		}
		if resp.Error != nil && resp.Error.Message != "" && len(resp.Choices) == 0 {
			return nil, &callFailure{reason: StopLlmCallFailed, message: resp.Error.Message}, nil
		}

		s.markSucceeded()
		return &resp, nil, nil
	}
}

func (s *Service) requestBody(messages []wireMessage, schemas []map[string]any) ([]byte, error) {
	s.mu.Lock()
	cfg := s.config
	parallel := s.parallelToolCalls
	s.mu.Unlock()

	body := map[string]any{
		"model":             cfg.Model,
		"messages":          messages,
		"temperature":       cfg.Temperature,
		"top_p":             1,
		"frequency_penalty": 0.1,
		"seed":              rand.IntN(1 << 30),
	}
	if len(schemas) > 0 {
		body["tools"] = schemas
		body["tool_choice"] = "auto"
		body["parallel_tool_calls"] = parallel
	}
	return json.Marshal(body)
}

func (s *Service) post(ctx context.Context, payload []byte) (int, http.Header, []byte, error) {
	cfg := s.Config()
	endpoint := strings.TrimRight(cfg.Endpoint, "/") + "/chat/completions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * retryDelayStep
	if d > retryDelayCap {
		d = retryDelayCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isAdaptive4xx(status int, body []byte) bool {
	text := strings.ToLower(string(body))
	if strings.Contains(text, "parallel_tool_calls") || strings.Contains(text, "parallel tool calls") {
		return true
	}
	return status == http.StatusBadRequest &&
		(strings.Contains(text, "upstream_error") || strings.Contains(text, "provider returned error"))
}

func bodyHasCode429(body []byte) bool {
	var probe struct {
		Code  json.Number `json:"code"`
		Error *struct {
			Code json.Number `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	if n, err := probe.Code.Int64(); err == nil && n == 429 {
		return true
	}
	if probe.Error != nil {
		if n, err := probe.Error.Code.Int64(); err == nil && n == 429 {
			return true
		}
	}
	return false
}

func excerpt(body []byte) string {
	const limit = 400
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		text = text[:limit] + "..."
	}
	return text
}

// Wire types for the chat-completions format.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

type wireError struct {
	Message string      `json:"message"`
	Code    json.Number `json:"code,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}

func toWire(messages []models.Message) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		wm := wireMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out[i] = wm
	}
	return out
}
