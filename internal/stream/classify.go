package stream

import "encoding/json"

// Kind identifies the shape of a timeline entry.
type Kind string

const (
	KindSystemInit    Kind = "system_init"
	KindAssistantText Kind = "assistant_text"
	KindToolUse       Kind = "tool_use"
	KindToolResult    Kind = "tool_result"
	KindTextDelta     Kind = "text_delta"
	KindResult        Kind = "result"
)

// Reasons a record produced nothing.
const (
	IgnoredUnknownType = "unknown_type"
	IgnoredMalformed   = "malformed"
	IgnoredSubtype     = "unhandled_subtype"
)

// Init captures the agent's self-description from the system init record.
type Init struct {
	Tools          []string `json:"tools,omitempty"`
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	Version        string   `json:"version,omitempty"`
	CWD            string   `json:"cwd,omitempty"`
	AgentSessionID string   `json:"agentSessionId,omitempty"`
}

// ToolUse is one tool invocation requested by the agent.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of a tool invocation fed back to the agent.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// TokenUsage is the token breakdown of a run.
type TokenUsage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cacheRead"`
	CacheWrite int64 `json:"cacheWrite"`
}

// Result is the final summary of a run.
type Result struct {
	Subtype       string     `json:"subtype,omitempty"`
	IsError       bool       `json:"isError"`
	Text          string     `json:"text,omitempty"`
	TotalCost     float64    `json:"totalCost"`
	Turns         int        `json:"turns"`
	DurationMS    int64      `json:"durationMs,omitempty"`
	APIDurationMS int64      `json:"apiDurationMs,omitempty"`
	StopReason    string     `json:"stopReason,omitempty"`
	Usage         TokenUsage `json:"usage"`
	Errors        []string   `json:"errors,omitempty"`
}

// Entry is the kind-specific payload of one timeline message.
type Entry struct {
	Kind       Kind        `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Init       *Init       `json:"init,omitempty"`
	ToolUse    *ToolUse    `json:"toolUse,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
	Result     *Result     `json:"result,omitempty"`
}

// Classification is everything one record contributes to a session.
type Classification struct {
	Entries []Entry

	// Turn is set for assistant records; each counts as exactly one turn.
	Turn bool
	// Init is set when the record describes the agent.
	Init *Init
	// ToolCalls lists tool invocations to append to the session.
	ToolCalls []ToolUse
	// Result replaces the session aggregates when set.
	Result *Result

	// Ignored names why the record contributed nothing, if it did not.
	Ignored string
}

// Empty reports whether the record had no effect.
func (c Classification) Empty() bool {
	return len(c.Entries) == 0 && !c.Turn && c.Init == nil && c.Result == nil
}

// Classify maps a decoded record to timeline entries and aggregate updates.
// It is deterministic and total: unknown types yield an empty result.
func Classify(rec Record) Classification {
	switch rec.Type {
	case TypeSystem:
		return classifySystem(rec)
	case TypeAssistant:
		return classifyAssistant(rec)
	case TypeUser:
		return classifyUser(rec)
	case TypeContentBlockDelta:
		return classifyDelta(rec.Delta)
	case TypeStreamEvent:
		if rec.Event == nil {
			return Classification{Ignored: IgnoredMalformed}
		}
		if rec.Event.Type != TypeContentBlockDelta {
			return Classification{Ignored: IgnoredSubtype}
		}
		return classifyDelta(rec.Event.Delta)
	case TypeResult:
		return classifyResult(rec)
	default:
		return Classification{Ignored: IgnoredUnknownType}
	}
}

func classifySystem(rec Record) Classification {
	if rec.Subtype != "" && rec.Subtype != "init" {
		return Classification{Ignored: IgnoredSubtype}
	}
	info := &Init{
		Tools:          rec.Tools,
		Model:          rec.Model,
		PermissionMode: rec.PermissionMode,
		Version:        rec.Version,
		CWD:            rec.CWD,
		AgentSessionID: rec.SessionID,
	}
	return Classification{
		Init:    info,
		Entries: []Entry{{Kind: KindSystemInit, Init: info}},
	}
}

func classifyAssistant(rec Record) Classification {
	if rec.Message == nil {
		return Classification{Ignored: IgnoredMalformed}
	}
	c := Classification{Turn: true}
	for _, block := range rec.Message.Content {
		switch block.Type {
		case BlockText:
			c.Entries = append(c.Entries, Entry{Kind: KindAssistantText, Text: block.Text})
		case BlockToolUse:
			call := ToolUse{ID: block.ID, Name: block.Name, Input: block.Input}
			c.ToolCalls = append(c.ToolCalls, call)
			c.Entries = append(c.Entries, Entry{Kind: KindToolUse, ToolUse: &call})
		}
	}
	return c
}

func classifyUser(rec Record) Classification {
	if rec.Message == nil {
		return Classification{Ignored: IgnoredMalformed}
	}
	var c Classification
	for _, block := range rec.Message.Content {
		if block.Type != BlockToolResult {
			continue
		}
		c.Entries = append(c.Entries, Entry{
			Kind: KindToolResult,
			ToolResult: &ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   flattenContent(block.Content),
				IsError:   block.IsError,
			},
		})
	}
	if len(c.Entries) == 0 {
		c.Ignored = IgnoredSubtype
	}
	return c
}

func classifyDelta(delta *Delta) Classification {
	if delta == nil {
		return Classification{Ignored: IgnoredMalformed}
	}
	if delta.Type != DeltaText {
		return Classification{Ignored: IgnoredSubtype}
	}
	return Classification{Entries: []Entry{{Kind: KindTextDelta, Text: delta.Text}}}
}

func classifyResult(rec Record) Classification {
	res := &Result{
		Subtype:       rec.Subtype,
		IsError:       rec.IsError,
		Text:          rec.Result,
		Turns:         rec.NumTurns,
		DurationMS:    rec.DurationMS,
		APIDurationMS: rec.DurationAPIMS,
		StopReason:    rec.StopReason,
		Errors:        flattenErrors(rec.Errors),
	}
	switch {
	case rec.TotalCostUSD != nil:
		res.TotalCost = *rec.TotalCostUSD
	case rec.CostUSD != nil:
		res.TotalCost = *rec.CostUSD
	}
	if rec.Usage != nil {
		res.Usage = TokenUsage{
			Input:      rec.Usage.InputTokens,
			Output:     rec.Usage.OutputTokens,
			CacheRead:  rec.Usage.CacheReadInputTokens,
			CacheWrite: rec.Usage.CacheCreationInputTokens,
		}
	}
	return Classification{
		Result:  res,
		Entries: []Entry{{Kind: KindResult, Result: res}},
	}
}
