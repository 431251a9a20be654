package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionStart:     true,
	TypeSessionStop:      true,
	TypeSessionGet:       true,
	TypeSessionListReq:   true,
	TypeSessionMessagesQ: true,
	TypeTerminalInput:    true,
	TypeTerminalResize:   true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Type == TypeSessionListReq && len(msg.Payload) == 0 {
		return &msg, nil
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionStart:
		var p SessionStartPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.Prompt == "" {
			return nil, missing("prompt", msg.Type)
		}
		if p.MaxTurns < 0 {
			return nil, fmt.Errorf("'maxTurns' must be positive in %s payload", msg.Type)
		}
		if p.TimeoutMinutes != nil && *p.TimeoutMinutes < 0 {
			return nil, fmt.Errorf("'timeoutMinutes' must be non-negative in %s payload", msg.Type)
		}

	case TypeSessionStop, TypeSessionGet:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}

	case TypeSessionMessagesQ:
		var p SessionMessagesPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if p.Offset < 0 {
			return nil, fmt.Errorf("'offset' must be non-negative in %s payload", msg.Type)
		}

	case TypeTerminalInput:
		var p TerminalInputPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if p.Data == "" {
			return nil, missing("data", msg.Type)
		}

	case TypeTerminalResize:
		var p TerminalResizePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if p.Rows == 0 || p.Cols == 0 {
			return nil, fmt.Errorf("'rows' and 'cols' must be positive in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
