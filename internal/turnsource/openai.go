package turnsource

import (
	"fmt"
	"strings"

	oresponses "github.com/openai/openai-go/responses"

	"github.com/spaquet/convoguard/internal/convstore"
)

// FromOpenAIResponse flattens a Responses API result into one assistant turn:
// output_text parts concatenate into the text content, function_call items
// become tool-call requests. The full response output is preserved as the
// turn's raw JSON.
func FromOpenAIResponse(resp oresponses.Response) (ParsedTurn, error) {
	var sb strings.Builder
	var requests []convstore.ToolCallRequest

	for _, item := range resp.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			msg := item.AsMessage()
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "output_text" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(strings.TrimSpace(part.Text))
			}
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			if callID == "" {
				return ParsedTurn{}, fmt.Errorf("function_call %q has no call id", strings.TrimSpace(item.Name))
			}
			args := strings.TrimSpace(item.Arguments)
			if args == "" {
				args = "{}"
			}
			requests = append(requests, convstore.ToolCallRequest{
				CallID:   callID,
				ToolName: strings.TrimSpace(item.Name),
				ArgsJSON: args,
			})
		}
	}

	return ParsedTurn{
		Turn: convstore.Turn{
			Role:        convstore.RoleAssistant,
			TextContent: sb.String(),
			TurnJSON:    resp.RawJSON(),
		},
		Requests: requests,
	}, nil
}
