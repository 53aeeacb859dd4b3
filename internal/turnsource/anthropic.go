package turnsource

import (
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/spaquet/convoguard/internal/convstore"
)

// FromAnthropicMessage flattens a Messages API result into one assistant
// turn: text blocks concatenate into the text content, tool_use blocks become
// tool-call requests.
func FromAnthropicMessage(msg *anthropic.Message) (ParsedTurn, error) {
	if msg == nil {
		return ParsedTurn{}, fmt.Errorf("nil message")
	}

	var sb strings.Builder
	var requests []convstore.ToolCallRequest

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text := strings.TrimSpace(variant.Text)
			if text == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(text)
		case anthropic.ToolUseBlock:
			callID := strings.TrimSpace(variant.ID)
			if callID == "" {
				return ParsedTurn{}, fmt.Errorf("tool_use %q has no id", strings.TrimSpace(variant.Name))
			}
			args := "{}"
			if len(variant.Input) > 0 {
				args = strings.TrimSpace(string(variant.Input))
			}
			requests = append(requests, convstore.ToolCallRequest{
				CallID:   callID,
				ToolName: strings.TrimSpace(variant.Name),
				ArgsJSON: args,
			})
		}
	}

	return ParsedTurn{
		Turn: convstore.Turn{
			Role:        convstore.RoleAssistant,
			TextContent: sb.String(),
			TurnJSON:    msg.RawJSON(),
		},
		Requests: requests,
	}, nil
}
