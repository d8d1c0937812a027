package models

import "time"

type ConversationRole string

const (
	RolePlanning   ConversationRole = "Planning"
	RoleDeveloper  ConversationRole = "Developer"
	RoleSubAgent   ConversationRole = "SubAgent"
	RoleCompaction ConversationRole = "Compaction"
	RoleQA         ConversationRole = "QA"
)

// Conversation strategy tags.
const (
	StrategyCompacting = "compacting"
	StrategySFCM       = "sfcm"
)

// Message is one chat turn. Assistant messages may carry tool calls,
// tool messages carry the originating call id.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolCall is an assistant-issued intent: a function name plus its raw JSON
// argument string.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// HasToolCall reports whether the message carries a call to the named tool.
func (m *Message) HasToolCall(name string) bool {
	for _, tc := range m.ToolCalls {
		if tc.Name == name {
			return true
		}
	}
	return false
}

// ConversationData is the persisted snapshot of one conversation.
type ConversationData struct {
	ID               string              `json:"id"`
	TicketID         string              `json:"ticketId"`
	DisplayName      string              `json:"displayName"`
	Role             ConversationRole    `json:"role"`
	Strategy         string              `json:"strategy"`
	StartedAt        time.Time           `json:"startedAt"`
	CompletedAt      *time.Time          `json:"completedAt,omitempty"`
	Messages         []Message           `json:"messages"`
	ChapterSummaries []string            `json:"chapterSummaries,omitempty"`
	Memories         map[string][]string `json:"memories,omitempty"`
	Finished         bool                `json:"finished"`
	ActiveModel      string              `json:"activeModel,omitempty"`
}

// ConversationInfo is the lightweight listing entry for a stored conversation.
type ConversationInfo struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName"`
	Role        ConversationRole `json:"role"`
	Finished    bool             `json:"finished"`
	StartedAt   time.Time        `json:"startedAt"`
	Messages    int              `json:"messages"`
}

// FrameInfo is one entry of the SFCM frame stack. BoundaryIndex is the
// assistant message whose push_context call opened the frame; StartIndex is
// the FRAME_N marker's position.
type FrameInfo struct {
	ID            string `json:"id"`
	Task          string `json:"task"`
	Details       string `json:"details"`
	Depth         int    `json:"depth"`
	BoundaryIndex int    `json:"boundaryIndex"`
	StartIndex    int    `json:"startIndex"`
}
