package v1

// TimelineItemKind classifies a curated activity item.
type TimelineItemKind string

const (
	ItemUserMessage      TimelineItemKind = "user_message"
	ItemAssistantMessage TimelineItemKind = "assistant_message"
	ItemReasoning        TimelineItemKind = "reasoning"
	ItemToolCall         TimelineItemKind = "tool_call"
	ItemTodo             TimelineItemKind = "todo"
	ItemError            TimelineItemKind = "error"
)

// ToolCallStatus is the curated status of a tool invocation.
type ToolCallStatus string

const (
	ToolCallStarted   ToolCallStatus = "started"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// TodoEntry is one checklist line of a todo item.
type TodoEntry struct {
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

// TimelineItem is the curated unit of activity. Items are derived from the
// AgentUpdate log on demand and never persisted directly.
type TimelineItem struct {
	Kind TimelineItemKind `json:"kind"`

	// Text holds the concatenated message, reasoning, or error text.
	Text string `json:"text,omitempty"`

	// Tool call fields for ItemToolCall.
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolStatus ToolCallStatus `json:"toolStatus,omitempty"`
	ToolDetail map[string]any `json:"toolDetail,omitempty"`

	// Todo fields for ItemTodo.
	Todos         []TodoEntry `json:"todos,omitempty"`
	TodosComplete int         `json:"todosComplete,omitempty"`
	TodosTotal    int         `json:"todosTotal,omitempty"`
}

// TimelineDirection selects which end of the update log a query reads.
type TimelineDirection string

const (
	DirectionHead TimelineDirection = "head"
	DirectionTail TimelineDirection = "tail"
)

// TimelineProjection selects the output shape of a timeline fetch.
type TimelineProjection string

const (
	// ProjectionCanonical returns the ordered item list.
	ProjectionCanonical TimelineProjection = "canonical"
	// ProjectionCurated returns a flattened text rendering that summarizes
	// every canonical item without omission.
	ProjectionCurated TimelineProjection = "curated"
)

// TimelineQuery bounds and shapes a timeline fetch. Limit 0 is unbounded.
type TimelineQuery struct {
	Direction  TimelineDirection  `json:"direction"`
	Limit      int                `json:"limit"`
	Projection TimelineProjection `json:"projection"`
}
