package models

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ConversationTurn is one entry in an orchestration trace. Assistant turns
// that request a tool carry ToolName, ToolArgs and CallID; the tool turn
// answering them carries the same CallID.
type ConversationTurn struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
	ToolArgs string `json:"tool_args,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
}

// ToolCall is one dispatch to the tool registry.
type ToolCall struct {
	ID        string `json:"id"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Sequence  int    `json:"sequence"`
}

// ToolResult is the outcome of a ToolCall. Output is the text handed back
// to the oracle; Success drives the orchestrator's control flow.
type ToolResult struct {
	Tool     string  `json:"tool"`
	Sequence int     `json:"sequence"`
	Output   string  `json:"output"`
	Success  bool    `json:"success"`
	Error    string  `json:"error,omitempty"`
	SQL      string  `json:"sql,omitempty"`
	Rows     *RowSet `json:"-"`

	// Err keeps the typed error for errors.Is checks; it is not serialized.
	Err error `json:"-"`
}

// ToolSpec describes a tool to the oracle. Every tool takes a single
// string argument named ArgName.
type ToolSpec struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	ArgName        string `json:"arg_name"`
	ArgDescription string `json:"arg_description"`
	ArgRequired    bool   `json:"arg_required"`
}
