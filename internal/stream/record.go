package stream

import (
	"encoding/json"
	"errors"
	"strings"
)

// Record types emitted by the agent in stream-json mode.
const (
	TypeSystem            = "system"
	TypeAssistant         = "assistant"
	TypeUser              = "user"
	TypeContentBlockDelta = "content_block_delta"
	TypeStreamEvent       = "stream_event"
	TypeResult            = "result"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	DeltaText       = "text_delta"
)

// ErrNoType is returned by Decode for JSON values without a type field.
var ErrNoType = errors.New("record has no type")

// Record is one line of the agent's structured output.
type Record struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// system
	Tools          []string `json:"tools,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Version        string   `json:"claude_code_version,omitempty"`
	CWD            string   `json:"cwd,omitempty"`

	// assistant, user
	Message *Body `json:"message,omitempty"`

	// content_block_delta; stream_event wraps one in Event
	Index int     `json:"index,omitempty"`
	Delta *Delta  `json:"delta,omitempty"`
	Event *Record `json:"event,omitempty"`

	// result
	IsError       bool              `json:"is_error,omitempty"`
	Result        string            `json:"result,omitempty"`
	Errors        []json.RawMessage `json:"errors,omitempty"`
	TotalCostUSD  *float64          `json:"total_cost_usd,omitempty"`
	CostUSD       *float64          `json:"cost_usd,omitempty"`
	NumTurns      int               `json:"num_turns,omitempty"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
	DurationAPIMS int64             `json:"duration_api_ms,omitempty"`
	StopReason    string            `json:"stop_reason,omitempty"`
	Usage         *WireUsage        `json:"usage,omitempty"`
}

// Body is the message field of assistant and user records.
type Body struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role,omitempty"`
	Model      string     `json:"model,omitempty"`
	Content    []Block    `json:"content"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      *WireUsage `json:"usage,omitempty"`
}

// UnmarshalJSON accepts content given as a bare string, which user records
// use for plain prompts.
func (b *Body) UnmarshalJSON(data []byte) error {
	type plain Body
	var raw struct {
		plain
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*b = Body(raw.plain)
	b.Content = nil
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw.Content, &text); err == nil {
		b.Content = []Block{{Type: BlockText, Text: text}}
		return nil
	}
	return json.Unmarshal(raw.Content, &b.Content)
}

// Block is one content block inside a message body.
type Block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Delta is the payload of a streaming content block delta.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// WireUsage is token usage as reported by the agent.
type WireUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// Decode parses one line into a Record.
func Decode(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	rec.Type = strings.TrimSpace(rec.Type)
	if rec.Type == "" {
		return Record{}, ErrNoType
	}
	return rec, nil
}

// flattenContent turns a tool_result content value (a string or a list of
// text blocks) into plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == BlockText && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// flattenErrors converts the result record's error list to strings. Entries
// may be bare strings or objects carrying a message field.
func flattenErrors(raw []json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			out = append(out, text)
			continue
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(item, &obj); err == nil && obj.Message != "" {
			out = append(out, obj.Message)
			continue
		}
		out = append(out, string(item))
	}
	return out
}
