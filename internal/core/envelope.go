package core

// ContentBlock is one element of a tool result's display form.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the standard response shape every tool handler returns.
// Handlers never surface a Go error to the dispatcher: every outcome,
// including failures, is converted into a ToolResult carrying both a
// human-readable text block and a structured form mirroring the same data.
type ToolResult struct {
	Content    []ContentBlock `json:"content"`
	Structured any            `json:"structuredContent"`
	IsError    bool           `json:"isError,omitempty"`
}

// TextResult builds a successful result from a text block and its
// structured mirror.
func TextResult(text string, structured any) ToolResult {
	return ToolResult{
		Content:    []ContentBlock{{Type: "text", Text: text}},
		Structured: structured,
	}
}

// ErrorResult builds a failure result. When no structured form is supplied
// the message is mirrored as {"message": msg} so both forms stay present.
func ErrorResult(msg string, structured any) ToolResult {
	if structured == nil {
		structured = map[string]any{"message": msg}
	}
	return ToolResult{
		Content:    []ContentBlock{{Type: "text", Text: msg}},
		Structured: structured,
		IsError:    true,
	}
}
