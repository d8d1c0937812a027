package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

func newSFCMConversation() *Conversation {
	return newTestConversation(Options{Strategy: models.StrategySFCM})
}

func findTool(c *Conversation, name string) *tools.Tool {
	for _, tool := range c.ExtraTools() {
		if tool.Name == name {
			return tool
		}
	}
	return nil
}

// pushFrame mimics the driver: the assistant message carrying the call is
// appended first, then the handler runs.
func pushFrame(t *testing.T, c *Conversation, callID, task, details string) {
	t.Helper()
	c.AppendAssistant(models.Message{ToolCalls: []models.ToolCall{
		{ID: callID, Name: "push_context", Arguments: "{}"},
	}})
	push := findTool(c, "push_context")
	require.NotNil(t, push)
	res, err := push.Handler(context.Background(), &tools.Context{ToolCallID: callID},
		map[string]any{"task": task, "details": details})
	require.NoError(t, err)
	assert.True(t, res.MessageHandled)
}

func popFrame(t *testing.T, c *Conversation, result, nextSteps string) *tools.Result {
	t.Helper()
	pop := findTool(c, "pop_context")
	require.NotNil(t, pop)
	res, err := pop.Handler(context.Background(), &tools.Context{ToolCallID: "call-pop"},
		map[string]any{"result": result, "next_steps": nextSteps})
	require.NoError(t, err)
	return res
}

func TestSFCMPrepareLayout(t *testing.T) {
	c := newSFCMConversation()

	msgs := c.Messages()
	require.Len(t, msgs, sfcmPrefixLen)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[sfcmIdxMemories].Content, "[Memories]")
	assert.Equal(t, "FRAME_0", msgs[sfcmIdxFrame0].Content)
	assert.Equal(t, "Do the thing.", msgs[4].Content)
}

func TestSFCMTextEndsLoopOnlyAtFrameZero(t *testing.T) {
	c := newSFCMConversation()

	_, done := c.HandleAssistantText("all finished")
	assert.True(t, done)

	pushFrame(t, c, "call-1", "explore parser", "start with the lexer")
	nudge, done := c.HandleAssistantText("partway there")
	assert.False(t, done)
	assert.Contains(t, nudge, "pop_context")
}

func TestSFCMPushOpensFrame(t *testing.T) {
	c := newSFCMConversation()
	pushFrame(t, c, "call-1", "explore parser", "start with the lexer")

	msgs := c.Messages()
	n := len(msgs)
	assert.Equal(t, "Entered FRAME_1: explore parser", msgs[n-3].Content)
	assert.Equal(t, "call-1", msgs[n-3].ToolCallID)
	assert.Equal(t, "FRAME_1", msgs[n-2].Content)
	assert.Equal(t, "explore parser\n\nstart with the lexer", msgs[n-1].Content)

	s := c.strategy.(*sfcmStrategy)
	require.Len(t, s.frames, 1)
	assert.Equal(t, "FRAME_1", s.frames[0].ID)
}

func TestSFCMPushDepthLimit(t *testing.T) {
	c := newSFCMConversation()
	for i := 0; i < maxFrameDepth; i++ {
		pushFrame(t, c, "call-x", "task", "details")
	}

	// At max depth the push tool is withheld; only pop remains.
	assert.Nil(t, findTool(c, "push_context"))
	assert.NotNil(t, findTool(c, "pop_context"))
}

func TestSFCMPopDiscardsFrameWork(t *testing.T) {
	c := newSFCMConversation()
	before := c.MessageCount()

	pushFrame(t, c, "call-1", "explore parser", "start with the lexer")
	c.AppendAssistant(models.Message{Content: "digging through lexer.go"})
	c.AppendUser("Continue.")

	res := popFrame(t, c, "the lexer handles unicode already", "check the parser next")
	assert.True(t, res.MessageHandled)

	// The boundary assistant carried only the push call, so it is dropped
	// along with everything inside the frame. One user message survives.
	msgs := c.Messages()
	assert.Equal(t, before+1, len(msgs))
	last := msgs[len(msgs)-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content, "the lexer handles unicode already")
	assert.Contains(t, last.Content, "[Next: check the parser next]")
	assert.NotContains(t, last.Content, "digging through lexer.go")

	assert.Empty(t, c.strategy.(*sfcmStrategy).frames)
}

func TestSFCMPopKeepsBoundaryWithOtherCalls(t *testing.T) {
	c := newSFCMConversation()
	c.AppendAssistant(models.Message{Content: "splitting the work", ToolCalls: []models.ToolCall{
		{ID: "call-1", Name: "push_context", Arguments: "{}"},
		{ID: "call-2", Name: "read_file", Arguments: `{"path":"a.go"}`},
	}})
	push := findTool(c, "push_context")
	_, err := push.Handler(context.Background(), &tools.Context{ToolCallID: "call-1"},
		map[string]any{"task": "explore", "details": ""})
	require.NoError(t, err)
	// The driver appends sibling responses after the push handler ran, so
	// read_file's answer lands inside the new frame.
	c.AppendToolResponse("call-2", "package main")
	c.AppendAssistant(models.Message{Content: "reading around"})

	popFrame(t, c, "done", "next")

	// Boundary keeps the sibling call and its response travels with it; no
	// declared call id is left without a tool message.
	msgs := c.Messages()
	boundary := msgs[len(msgs)-3]
	require.Equal(t, "assistant", boundary.Role)
	require.Len(t, boundary.ToolCalls, 1)
	assert.Equal(t, "read_file", boundary.ToolCalls[0].Name)

	resp := msgs[len(msgs)-2]
	assert.Equal(t, "tool", resp.Role)
	assert.Equal(t, "call-2", resp.ToolCallID)
	assert.Equal(t, "package main", resp.Content)

	assert.Equal(t, "user", msgs[len(msgs)-1].Role)
	assert.NotContains(t, msgs[len(msgs)-1].Content, "reading around")
}

func TestSFCMPopDropsSiblingCallsWithoutResponses(t *testing.T) {
	c := newSFCMConversation()
	c.AppendAssistant(models.Message{Content: "splitting the work", ToolCalls: []models.ToolCall{
		{ID: "call-1", Name: "push_context", Arguments: "{}"},
		{ID: "call-2", Name: "read_file", Arguments: `{"path":"a.go"}`},
	}})
	push := findTool(c, "push_context")
	_, err := push.Handler(context.Background(), &tools.Context{ToolCallID: "call-1"},
		map[string]any{"task": "explore", "details": ""})
	require.NoError(t, err)

	popFrame(t, c, "done", "next")

	// read_file never got a response, so keeping the call would orphan it.
	msgs := c.Messages()
	boundary := msgs[len(msgs)-2]
	require.Equal(t, "assistant", boundary.Role)
	assert.Empty(t, boundary.ToolCalls)
	assert.Equal(t, "splitting the work", boundary.Content)
}

func TestSFCMPopFrameZeroHoistsToMemories(t *testing.T) {
	c := newSFCMConversation()
	c.AppendAssistant(models.Message{Content: "did the first pass"})

	res := popFrame(t, c, "schema migration is complete", "start on the API layer")
	assert.True(t, res.MessageHandled)

	msgs := c.Messages()
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[sfcmIdxMemories].Content, "schema migration is complete")
	assert.Equal(t, "FRAME_0", msgs[sfcmIdxFrame0].Content)
	assert.Equal(t, "start on the API layer", msgs[4].Content)
}

func TestSFCMNestedFramesPopInOrder(t *testing.T) {
	c := newSFCMConversation()
	pushFrame(t, c, "call-1", "outer task", "outer details")
	pushFrame(t, c, "call-2", "inner task", "inner details")

	s := c.strategy.(*sfcmStrategy)
	require.Len(t, s.frames, 2)
	assert.Equal(t, "FRAME_2", s.frames[1].ID)

	popFrame(t, c, "inner result", "back to outer")
	require.Len(t, s.frames, 1)
	assert.Equal(t, "FRAME_1", s.frames[0].ID)

	msgs := c.Messages()
	assert.Contains(t, msgs[len(msgs)-1].Content, "inner result")
}

func TestSFCMReconstituteRebuildsFrames(t *testing.T) {
	c := newSFCMConversation()
	pushFrame(t, c, "call-1", "explore parser", "start with the lexer")
	c.AppendAssistant(models.Message{Content: "working"})
	snap := c.Snapshot()

	r := Reconstitute(snap, Options{})
	s := r.strategy.(*sfcmStrategy)
	require.Len(t, s.frames, 1)
	assert.Equal(t, "FRAME_1", s.frames[0].ID)
	assert.Equal(t, "explore parser", s.frames[0].Task)

	// A resumed frame still refuses to end on plain text.
	_, done := r.HandleAssistantText("still going")
	assert.False(t, done)
}

func TestSFCMReconstituteRebuildsMissingPrefix(t *testing.T) {
	data := &models.ConversationData{
		ID:       "c1",
		TicketID: "1",
		Strategy: models.StrategySFCM,
		Messages: []models.Message{
			{Role: "system", Content: "prompt"},
			{Role: "user", Content: "the goal"},
		},
	}

	r := Reconstitute(data, Options{})
	msgs := r.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "FRAME_0", msgs[sfcmIdxFrame0].Content)
	assert.Equal(t, "the goal", msgs[4].Content)
}
