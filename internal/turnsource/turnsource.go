// Package turnsource converts provider responses and user input into the
// storage-level turn shape, so callers record model output without hand
// assembling turns and tool-call requests.
package turnsource

import (
	"encoding/json"
	"strings"

	"github.com/spaquet/convoguard/internal/convstore"
)

// ParsedTurn is one appendable unit: the turn plus the tool-call requests it
// issues (assistant turns only).
type ParsedTurn struct {
	Turn     convstore.Turn
	Requests []convstore.ToolCallRequest
}

// UserTurn wraps plain user text.
func UserTurn(text string) ParsedTurn {
	return ParsedTurn{Turn: convstore.Turn{
		Role:        convstore.RoleUser,
		TextContent: strings.TrimSpace(text),
	}}
}

// SystemTurn wraps an injected system message.
func SystemTurn(text string) ParsedTurn {
	return ParsedTurn{Turn: convstore.Turn{
		Role:        convstore.RoleSystem,
		TextContent: strings.TrimSpace(text),
	}}
}

// ToolResultTurn wraps a tool execution result answering callID.
func ToolResultTurn(callID string, result any) (ParsedTurn, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return ParsedTurn{}, err
	}
	return ParsedTurn{Turn: convstore.Turn{
		Role:        convstore.RoleTool,
		ToolCallID:  strings.TrimSpace(callID),
		TextContent: string(payload),
	}}, nil
}
