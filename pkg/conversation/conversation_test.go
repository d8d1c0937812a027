package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanbeast/kanbeast/pkg/models"
)

func newTestConversation(opts Options) *Conversation {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "You are a test agent."
	}
	if opts.UserInstructions == "" {
		opts.UserInstructions = "Do the thing."
	}
	if opts.Strategy == "" {
		opts.Strategy = models.StrategyCompacting
	}
	opts.TicketID = "1"
	return New(opts)
}

func TestNewCompactingPrefix(t *testing.T) {
	c := newTestConversation(Options{})

	msgs := c.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "You are a test agent.", msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "Do the thing.", msgs[1].Content)
	assert.Contains(t, msgs[2].Content, "[Memories]")
	assert.Contains(t, msgs[3].Content, "[Chapter summaries]")
}

func TestNewGeneratesIDWhenEmpty(t *testing.T) {
	assert.NotEmpty(t, newTestConversation(Options{}).ID())
	assert.Equal(t, "dev-abc", newTestConversation(Options{ID: "dev-abc"}).ID())
}

func TestLastRole(t *testing.T) {
	c := newTestConversation(Options{})
	assert.Equal(t, "system", c.LastRole())

	c.AppendUser("hello")
	assert.Equal(t, "user", c.LastRole())
}

func TestPendingToolCalls(t *testing.T) {
	c := newTestConversation(Options{})
	assert.Empty(t, c.PendingToolCalls())

	c.AppendAssistant(models.Message{ToolCalls: []models.ToolCall{
		{ID: "call-1", Name: "probe", Arguments: "{}"},
	}})
	pending := c.PendingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "probe", pending[0].Name)

	c.AppendToolResponse("call-1", "done")
	assert.Empty(t, c.PendingToolCalls())
}

func TestSyncStreamsSnapshot(t *testing.T) {
	var streamed *models.ConversationData
	c := newTestConversation(Options{
		OnSync: func(data *models.ConversationData) { streamed = data },
	})

	c.AppendUser("hello")
	c.Sync()

	require.NotNil(t, streamed)
	assert.Equal(t, c.ID(), streamed.ID)
	assert.Equal(t, "hello", streamed.Messages[len(streamed.Messages)-1].Content)

	// The snapshot is detached from the live conversation.
	streamed.Messages[0].Content = "mutated"
	assert.Equal(t, "You are a test agent.", c.Messages()[0].Content)
}

func TestFinish(t *testing.T) {
	finished := ""
	c := newTestConversation(Options{
		OnFinish: func(id string) { finished = id },
	})

	c.Finish()
	assert.True(t, c.Finished())
	assert.Equal(t, c.ID(), finished)
}

func TestFinishPersistsToStore(t *testing.T) {
	store := NewStore(t.TempDir())
	c := newTestConversation(Options{ID: "dev-1", Store: store})

	c.AppendUser("work")
	c.Finish()

	data, err := store.Get("1", "dev-1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.True(t, data.Finished)
	assert.NotNil(t, data.CompletedAt)
}

func TestReconstituteReplacesSystemPrompt(t *testing.T) {
	c := newTestConversation(Options{})
	c.AppendUser("step one")
	snap := c.Snapshot()

	r := Reconstitute(snap, Options{SystemPrompt: "Updated prompt."})
	msgs := r.Messages()
	assert.Equal(t, "Updated prompt.", msgs[0].Content)
	assert.Equal(t, "step one", msgs[len(msgs)-1].Content)
}

func TestReconstituteAdoptsMemories(t *testing.T) {
	c := newTestConversation(Options{})
	c.Memories().Add("DECISION", "keep the schema")
	snap := c.Snapshot()

	r := Reconstitute(snap, Options{})
	assert.Contains(t, r.Memories().Render(), "keep the schema")
	assert.Contains(t, r.Messages()[idxMemoriesBlock].Content, "keep the schema")
}

func TestAppendNote(t *testing.T) {
	c := newTestConversation(Options{})
	c.AppendNote("Conversation interrupted.")

	msgs := c.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "[Note] Conversation interrupted.", last.Content)
}

func TestApproxSizeIgnoresSystemMessages(t *testing.T) {
	c := newTestConversation(Options{})
	base := c.ApproxSize()

	c.AppendUser("12345")
	assert.Equal(t, base+len("user")+5, c.ApproxSize())
}

func TestExtraToolsIncludeMemoryTools(t *testing.T) {
	c := newTestConversation(Options{})

	names := map[string]bool{}
	for _, tool := range c.ExtraTools() {
		names[tool.Name] = true
	}
	assert.True(t, names["add_memory"])
	assert.True(t, names["remove_memory"])
}
