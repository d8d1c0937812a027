package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kanbeast/kanbeast/pkg/logger"
	"github.com/kanbeast/kanbeast/pkg/models"
	"github.com/kanbeast/kanbeast/pkg/tools"
)

// CompactionRequest is what the compacting strategy hands to the injected
// runner: everything a Compaction agent needs to write a chapter summary.
type CompactionRequest struct {
	TicketID     string
	OriginalTask string
	Memories     *Memories
	HistoryBlock string
}

// CompactionRunner drives a Compaction sub-conversation and returns the
// chapter summary. Injected by the orchestrator so this package stays free of
// LLM plumbing.
type CompactionRunner func(ctx context.Context, req CompactionRequest) (string, error)

// Strategy is the context-management policy of a conversation: chapter
// summarization (compacting) or stack frames (sfcm).
type Strategy interface {
	Name() string
	// Prepare builds the fixed message prefix of a fresh conversation.
	Prepare(c *Conversation, systemPrompt, userInstructions string)
	// RefreshBlocks regenerates derived prefix messages (memories, chapter
	// summaries) before a request is shaped.
	RefreshBlocks(c *Conversation)
	// ExtraTools returns the strategy's per-iteration tools.
	ExtraTools(c *Conversation) []*tools.Tool
	// OnAssistantText decides what to do with a response that carries no
	// tool calls: done=true ends the loop, otherwise nudge is injected as a
	// user message and the loop continues.
	OnAssistantText(c *Conversation, text string) (nudge string, done bool)
	// MaybeCompact compacts the conversation if its thresholds are exceeded.
	MaybeCompact(ctx context.Context, c *Conversation) error
	// Reconstitute rebuilds strategy state from persisted messages.
	Reconstitute(c *Conversation)
}

// Options configures a new or reconstituted conversation.
type Options struct {
	ID                  string // generated when empty
	TicketID            string
	DisplayName         string
	Role                models.ConversationRole
	Strategy            string // models.StrategyCompacting or models.StrategySFCM
	SystemPrompt        string
	UserInstructions    string
	Memories            *Memories // shared with a parent when non-nil
	CompactionThreshold int
	Transcript          *Transcript
	Store               *Store
	Compactor           CompactionRunner

	// OnSync and OnFinish stream snapshots to the board hub for live
	// viewing. Both are optional.
	OnSync   func(data *models.ConversationData)
	OnFinish func(conversationID string)
}

// Conversation is an ordered message list plus the policies for appending,
// compacting, and persisting it. All mutation goes through its lock; tool
// handlers running concurrently may safely append.
type Conversation struct {
	mu         sync.Mutex
	data       *models.ConversationData
	memories   *Memories
	strategy   Strategy
	transcript *Transcript
	store      *Store
	compactor  CompactionRunner
	threshold  int
	onSync     func(data *models.ConversationData)
	onFinish   func(conversationID string)
}

// New creates a conversation with its fixed prefix in place.
func New(opts Options) *Conversation {
	memories := opts.Memories
	if memories == nil {
		memories = NewMemories()
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	c := &Conversation{
		data: &models.ConversationData{
			ID:          id,
			TicketID:    opts.TicketID,
			DisplayName: opts.DisplayName,
			Role:        opts.Role,
			Strategy:    opts.Strategy,
			StartedAt:   time.Now().UTC(),
		},
		memories:   memories,
		transcript: opts.Transcript,
		store:      opts.Store,
		compactor:  opts.Compactor,
		threshold:  opts.CompactionThreshold,
		onSync:     opts.OnSync,
		onFinish:   opts.OnFinish,
	}
	c.strategy = newStrategy(opts.Strategy)
	c.data.Strategy = c.strategy.Name()
	c.strategy.Prepare(c, opts.SystemPrompt, opts.UserInstructions)
	return c
}

// Reconstitute rebuilds a conversation from a persisted snapshot. The
// memories map is adopted by reference and the system prompt is replaced with
// the current one so live prompt edits take effect.
func Reconstitute(data *models.ConversationData, opts Options) *Conversation {
	c := &Conversation{
		data:       data,
		memories:   WrapMemories(data.Memories),
		transcript: opts.Transcript,
		store:      opts.Store,
		compactor:  opts.Compactor,
		threshold:  opts.CompactionThreshold,
		onSync:     opts.OnSync,
		onFinish:   opts.OnFinish,
	}
	c.strategy = newStrategy(data.Strategy)
	if opts.SystemPrompt != "" && len(c.data.Messages) > 0 && c.data.Messages[0].Role == "system" {
		c.data.Messages[0].Content = opts.SystemPrompt
	}
	c.strategy.Reconstitute(c)
	return c
}

func newStrategy(tag string) Strategy {
	if tag == models.StrategySFCM {
		return &sfcmStrategy{}
	}
	return &compactingStrategy{}
}

func (c *Conversation) ID() string                    { return c.data.ID }
func (c *Conversation) TicketID() string              { return c.data.TicketID }
func (c *Conversation) DisplayName() string           { return c.data.DisplayName }
func (c *Conversation) Role() models.ConversationRole { return c.data.Role }
func (c *Conversation) StrategyName() string          { return c.strategy.Name() }
func (c *Conversation) Memories() *Memories           { return c.memories }

func (c *Conversation) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.ActiveModel
}

func (c *Conversation) SetActiveModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.ActiveModel = model
}

func (c *Conversation) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Finished
}

// Finish marks the conversation complete and persists it one last time.
func (c *Conversation) Finish() {
	c.mu.Lock()
	now := time.Now().UTC()
	c.data.Finished = true
	c.data.CompletedAt = &now
	c.mu.Unlock()
	c.Sync()
	if c.onFinish != nil {
		c.onFinish(c.data.ID)
	}
}

// Messages returns a copy of the message list with derived prefix blocks
// refreshed, ready to be shaped into a request.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategy.RefreshBlocks(c)
	out := make([]models.Message, len(c.data.Messages))
	copy(out, c.data.Messages)
	return out
}

func (c *Conversation) MessageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data.Messages)
}

// LastRole returns the role of the final message, or "" when empty.
func (c *Conversation) LastRole() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data.Messages) == 0 {
		return ""
	}
	return c.data.Messages[len(c.data.Messages)-1].Role
}

// PendingToolCalls returns the tool calls of the final message when it is an
// assistant message still awaiting responses. A reconstituted conversation
// that died mid-dispatch resumes by re-running these.
func (c *Conversation) PendingToolCalls() []models.ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.data.Messages) == 0 {
		return nil
	}
	last := c.data.Messages[len(c.data.Messages)-1]
	if last.Role != "assistant" || len(last.ToolCalls) == 0 {
		return nil
	}
	return append([]models.ToolCall(nil), last.ToolCalls...)
}

func (c *Conversation) Append(msg models.Message) {
	c.mu.Lock()
	c.data.Messages = append(c.data.Messages, msg)
	c.mu.Unlock()
	c.transcript.Record(msg)
}

func (c *Conversation) AppendUser(text string) {
	c.Append(models.Message{Role: "user", Content: text})
}

func (c *Conversation) AppendAssistant(msg models.Message) {
	msg.Role = "assistant"
	c.Append(msg)
}

func (c *Conversation) AppendToolResponse(callID, content string) {
	c.Append(models.Message{Role: "tool", ToolCallID: callID, Content: content})
}

// AppendNote records an out-of-band event (interrupt, model switch) as a
// user-visible message so the model sees it on the next turn.
func (c *Conversation) AppendNote(text string) {
	c.AppendUser("[Note] " + text)
}

// ExtraTools returns memory tools plus whatever the strategy contributes for
// the next iteration.
func (c *Conversation) ExtraTools() []*tools.Tool {
	extras := c.memoryTools()
	c.mu.Lock()
	strategyTools := c.strategy.ExtraTools(c)
	c.mu.Unlock()
	return append(extras, strategyTools...)
}

// HandleAssistantText applies the strategy's policy for a plain-text
// response.
func (c *Conversation) HandleAssistantText(text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy.OnAssistantText(c, text)
}

// MaybeCompact compacts when the strategy's thresholds are exceeded.
func (c *Conversation) MaybeCompact(ctx context.Context) error {
	return c.strategy.MaybeCompact(ctx, c)
}

// ApproxSize is the rough character footprint of the compressible history:
// role plus content length of every non-system message.
func (c *Conversation) ApproxSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approxSizeLocked()
}

func (c *Conversation) approxSizeLocked() int {
	size := 0
	for _, msg := range c.data.Messages {
		if msg.Role == "system" {
			continue
		}
		size += len(msg.Role) + len(msg.Content)
		for _, tc := range msg.ToolCalls {
			size += len(tc.Name) + len(tc.Arguments)
		}
	}
	return size
}

// Snapshot returns a deep copy of the persisted form.
func (c *Conversation) Snapshot() *models.ConversationData {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := *c.data
	snap.Messages = make([]models.Message, len(c.data.Messages))
	copy(snap.Messages, c.data.Messages)
	snap.ChapterSummaries = append([]string(nil), c.data.ChapterSummaries...)
	snap.Memories = c.memories.Snapshot()
	return &snap
}

// Sync flushes the snapshot to the store and streams it to the hub hook.
// Persistence failures are warned and swallowed; the next write overwrites.
func (c *Conversation) Sync() {
	if c.store == nil && c.onSync == nil {
		return
	}
	snap := c.Snapshot()
	if c.store != nil {
		if err := c.store.Upsert(snap); err != nil {
			logger.WarnCF("conversation", "Failed to persist conversation",
				map[string]any{"conversation_id": c.data.ID, "error": err.Error()})
		}
	}
	if c.onSync != nil {
		c.onSync(snap)
	}
}

func (c *Conversation) memoryTools() []*tools.Tool {
	labelList := strings.Join(MemoryLabels, ", ")
	return []*tools.Tool{
		{
			Name:        "add_memory",
			Description: "Record a durable fact shared with related agents. Label must be one of: " + labelList + ".",
			Params: []tools.Param{
				{Name: "label", Type: "string", Description: "Memory label", Required: true},
				{Name: "text", Type: "string", Description: "The fact to remember", Required: true},
			},
			Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
				label, err := tools.RequireString(args, "label")
				if err != nil {
					return nil, err
				}
				text, err := tools.RequireString(args, "text")
				if err != nil {
					return nil, err
				}
				if !ValidMemoryLabel(label) {
					return tools.ErrorResult("unknown label %q; use one of %s", label, labelList), nil
				}
				if !c.memories.Add(label, text) {
					return tools.NewResult("Already remembered."), nil
				}
				return tools.NewResult("Remembered."), nil
			},
		},
		{
			Name:        "remove_memory",
			Description: "Remove a previously recorded memory. The text only has to match the start of the stored entry.",
			Params: []tools.Param{
				{Name: "label", Type: "string", Description: "Memory label", Required: true},
				{Name: "text", Type: "string", Description: "Memory text (or its prefix) to remove", Required: true},
			},
			Handler: func(ctx context.Context, tc *tools.Context, args map[string]any) (*tools.Result, error) {
				label, err := tools.RequireString(args, "label")
				if err != nil {
					return nil, err
				}
				text, err := tools.RequireString(args, "text")
				if err != nil {
					return nil, err
				}
				if !c.memories.Remove(label, text) {
					return tools.NewResult("No matching memory found."), nil
				}
				return tools.NewResult("Removed."), nil
			},
		},
	}
}
