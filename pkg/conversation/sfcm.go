package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// SFCM (stack-frame context management) message layout:
//
//	0 system  sfcm instructions + role prompt
//	1 user    goal (immutable)
//	2 system  [Memories] (append-only, grown by FRAME_0 pops)
//	3 system  FRAME_0 marker
//	4 user    current work focus (rewritten by FRAME_0 pops)
//	5+        active frame work
const (
	sfcmIdxMemories = 2
	sfcmIdxFrame0   = 3
	sfcmPrefixLen   = 5

	maxFrameDepth = 6
)

var frameMarkerRe = regexp.MustCompile(`^FRAME_(\d+)$`)

type sfcmStrategy struct {
	frames []models.FrameInfo
}

func (s *sfcmStrategy) Name() string { return models.StrategySFCM }

func (s *sfcmStrategy) depth() int { return len(s.frames) }

func (s *sfcmStrategy) Prepare(c *Conversation, systemPrompt, userInstructions string) {
	c.data.Messages = []models.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userInstructions},
		{Role: "system", Content: c.memories.Render()},
		{Role: "system", Content: "FRAME_0"},
		{Role: "user", Content: userInstructions},
	}
}

func (s *sfcmStrategy) RefreshBlocks(c *Conversation) {
	if len(c.data.Messages) > sfcmIdxMemories {
		c.data.Messages[sfcmIdxMemories].Content = c.memories.Render()
	}
}

// SFCM never summarizes; frames bound the context instead.
func (s *sfcmStrategy) MaybeCompact(ctx context.Context, c *Conversation) error { return nil }

func (s *sfcmStrategy) OnAssistantText(c *Conversation, text string) (string, bool) {
	if s.depth() == 0 {
		return "", true
	}
	return "Continue. When this sub-task is complete, call pop_context with your findings.", false
}

func (s *sfcmStrategy) ExtraTools(c *Conversation) []*tools.Tool {
	extras := []*tools.Tool{s.popTool(c)}
	if s.depth() < maxFrameDepth {
		extras = append(extras, s.pushTool(c))
	}
	return extras
}

func (s *sfcmStrategy) pushTool(c *Conversation) *tools.Tool {
	return &tools.Tool{
		Name: "push_context",
		Description: "Open a new context frame before starting a multi-step sub-task. " +
			"Everything done inside the frame is discarded when you pop it; only the pop result survives.",
		Params: []tools.Param{
			{Name: "task", Type: "string", Description: "What this frame will accomplish", Required: true},
			{Name: "details", Type: "string", Description: "Context needed to do it"},
		},
		Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
			task, err := tools.RequireString(args, "task")
			if err != nil {
				return nil, err
			}
			details := tools.StringArg(args, "details")

			c.mu.Lock()
			defer c.mu.Unlock()

			if s.depth() >= maxFrameDepth {
				return tools.ErrorResult("frame stack is full; pop_context first"), nil
			}

			boundary := len(c.data.Messages) - 1
			marker := fmt.Sprintf("FRAME_%d", s.depth()+1)

			c.data.Messages = append(c.data.Messages,
				models.Message{Role: "tool", ToolCallID: tc.ToolCallID, Content: "Entered " + marker + ": " + task})
			start := len(c.data.Messages)
			c.data.Messages = append(c.data.Messages,
				models.Message{Role: "system", Content: marker},
				models.Message{Role: "user", Content: task + "\n\n" + details})

			s.frames = append(s.frames, models.FrameInfo{
				ID:            marker,
				Task:          task,
				Details:       details,
				Depth:         len(s.frames),
				BoundaryIndex: boundary,
				StartIndex:    start,
			})
			return &tools.Result{Response: "Entered " + marker, MessageHandled: true}, nil
		},
	}
}

func (s *sfcmStrategy) popTool(c *Conversation) *tools.Tool {
	var description string
	if s.depth() == 0 {
		description = "Close out the current focus. Your result is hoisted into the memories block and " +
			"the conversation restarts from a fresh FRAME_0 with next_steps as the new focus."
	} else {
		description = fmt.Sprintf("Finish %s. The frame's intermediate work is discarded; "+
			"result and next_steps are folded back into the parent frame.", s.frames[len(s.frames)-1].ID)
	}
	return &tools.Tool{
		Name:        "pop_context",
		Description: description,
		Params: []tools.Param{
			{Name: "result", Type: "string", Description: "What was accomplished or learned", Required: true},
			{Name: "next_steps", Type: "string", Description: "What to do next", Required: true},
		},
		Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
			result, err := tools.RequireString(args, "result")
			if err != nil {
				return nil, err
			}
			nextSteps, err := tools.RequireString(args, "next_steps")
			if err != nil {
				return nil, err
			}

			c.mu.Lock()
			defer c.mu.Unlock()

			if s.depth() == 0 {
				return s.popFrame0(c, result, nextSteps), nil
			}
			return s.popFrame(c, result, nextSteps), nil
		},
	}
}

// popFrame closes the top frame: everything after the boundary assistant
// message is dropped except responses to the boundary's own sibling calls,
// the push_context call is removed, and a single user message carries the
// result into the parent frame.
func (s *sfcmStrategy) popFrame(c *Conversation, result, nextSteps string) *tools.Result {
	frame := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]

	if frame.BoundaryIndex >= len(c.data.Messages) {
		logger.WarnCF("sfcm", "Frame boundary past end of conversation",
			map[string]any{"frame": frame.ID, "boundary": frame.BoundaryIndex})
		return tools.ErrorResult("frame state is inconsistent")
	}

	// Responses to the boundary's sibling calls were recorded inside the
	// frame; they must survive the truncation or the boundary would declare
	// call ids with no tool message answering them.
	responses := map[string]models.Message{}
	for _, msg := range c.data.Messages[frame.BoundaryIndex+1:] {
		if msg.Role == "tool" && msg.ToolCallID != "" {
			responses[msg.ToolCallID] = msg
		}
	}

	c.data.Messages = c.data.Messages[:frame.BoundaryIndex+1]

	boundary := &c.data.Messages[frame.BoundaryIndex]
	kept := boundary.ToolCalls[:0]
	var carried []models.Message
	for _, call := range boundary.ToolCalls {
		if call.Name == "push_context" {
			continue
		}
		resp, ok := responses[call.ID]
		if !ok {
			// No recorded response; keeping the call would orphan its id.
			continue
		}
		kept = append(kept, call)
		carried = append(carried, resp)
	}
	boundary.ToolCalls = kept
	if boundary.Content == "" && len(boundary.ToolCalls) == 0 {
		c.data.Messages = c.data.Messages[:frame.BoundaryIndex]
		carried = nil
	}

	c.data.Messages = append(c.data.Messages, carried...)
	c.data.Messages = append(c.data.Messages, models.Message{
		Role:    "user",
		Content: frame.Task + "\n" + result + "\n[Next: " + nextSteps + "]",
	})
	return &tools.Result{Response: "Popped " + frame.ID, MessageHandled: true}
}

// popFrame0 hoists the result into memories and restarts FRAME_0 with a new
// focus.
func (s *sfcmStrategy) popFrame0(c *Conversation, result, nextSteps string) *tools.Result {
	idx := s.frame0Index(c)
	if idx < 0 {
		return tools.ErrorResult("no FRAME_0 marker found")
	}

	c.memories.Add("DECISION", result)
	c.data.Messages = c.data.Messages[:idx]
	c.data.Messages[sfcmIdxMemories].Content = c.memories.Render()
	c.data.Messages = append(c.data.Messages,
		models.Message{Role: "system", Content: "FRAME_0"},
		models.Message{Role: "user", Content: nextSteps})
	return &tools.Result{Response: "FRAME_0 refreshed", MessageHandled: true}
}

func (s *sfcmStrategy) frame0Index(c *Conversation) int {
	for i, msg := range c.data.Messages {
		if msg.Role == "system" && msg.Content == "FRAME_0" {
			return i
		}
	}
	return -1
}

// Reconstitute rebuilds the frame stack by scanning for FRAME_N markers. The
// boundary of each frame is the nearest prior assistant message carrying a
// push_context call.
func (s *sfcmStrategy) Reconstitute(c *Conversation) {
	s.frames = nil
	messages := c.data.Messages

	for idx, msg := range messages {
		if msg.Role != "system" {
			continue
		}
		m := frameMarkerRe.FindStringSubmatch(msg.Content)
		if m == nil || msg.Content == "FRAME_0" {
			continue
		}

		boundary := -1
		for i := idx - 1; i >= 0; i-- {
			if messages[i].Role == "assistant" && messages[i].HasToolCall("push_context") {
				boundary = i
				break
			}
		}
		if boundary < 0 {
			logger.WarnCF("sfcm", "Frame marker without a push boundary; skipping",
				map[string]any{"marker": msg.Content, "index": idx})
			continue
		}

		task, details := "", ""
		if idx+1 < len(messages) && messages[idx+1].Role == "user" {
			task, details, _ = strings.Cut(messages[idx+1].Content, "\n\n")
		}
		s.frames = append(s.frames, models.FrameInfo{
			ID:            msg.Content,
			Task:          task,
			Details:       details,
			Depth:         len(s.frames),
			BoundaryIndex: boundary,
			StartIndex:    idx,
		})
	}

	// No frames and no FRAME_0 prefix: rebuild a clean base from the system
	// prompt and goal.
	if len(s.frames) == 0 && s.frame0Index(c) < 0 && len(messages) >= 2 {
		goal := messages[1].Content
		c.data.Messages = append(messages[:2],
			models.Message{Role: "system", Content: c.memories.Render()},
			models.Message{Role: "system", Content: "FRAME_0"},
			models.Message{Role: "user", Content: goal})
	}
}
