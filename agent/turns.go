package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulse-ide/pulse/llm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnRecap       TurnKind = "recap"
	TurnSteering    TurnKind = "steering"
)

// ToolOutput is the normalized result of one tool invocation. Exactly one is
// produced per requested call, success or not.
type ToolOutput struct {
	ToolCallID       string      `json:"tool_call_id"`
	Success          bool        `json:"success"`
	Result           string      `json:"result,omitempty"`
	Error            string      `json:"error,omitempty"`
	Failure          FailureKind `json:"failure,omitempty"`
	Summary          string      `json:"summary,omitempty"`
	RequiresApproval bool        `json:"requires_approval,omitempty"`
}

// Content returns what the model sees for this output.
func (o ToolOutput) Content() string {
	if o.Success {
		return o.Result
	}
	return o.Error
}

// Turn is a single entry in the conversation history.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	Recap       *RecapTurn       `json:"recap,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds the model's response, including every tool call the
// model issued in that turn.
type AssistantTurn struct {
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	Usage      llm.Usage      `json:"usage"`
	ResponseID string         `json:"response_id,omitempty"`
}

// ToolResultsTurn holds tool execution results in original request order.
type ToolResultsTurn struct {
	Results []ToolOutput `json:"results"`
}

// RecapTurn replaces compacted older history: a generated digest plus the
// monotonic set of must-keep facts.
type RecapTurn struct {
	Digest           string   `json:"digest"`
	ImportantContext []string `json:"important_context,omitempty"`
}

// SteeringTurn holds a message injected by the loop itself, such as a
// repeated-action warning.
type SteeringTurn struct {
	Content string `json:"content"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{Kind: TurnUser, Timestamp: time.Now(), User: &UserTurn{Content: content}}
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(content string, toolCalls []llm.ToolCall, usage llm.Usage, responseID string) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    content,
			ToolCalls:  toolCalls,
			Usage:      usage,
			ResponseID: responseID,
		},
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []ToolOutput) Turn {
	return Turn{Kind: TurnToolResults, Timestamp: time.Now(), ToolResults: &ToolResultsTurn{Results: results}}
}

// NewRecapTurn creates a Turn wrapping a compaction recap.
func NewRecapTurn(digest string, important []string) Turn {
	facts := make([]string, len(important))
	copy(facts, important)
	return Turn{Kind: TurnRecap, Timestamp: time.Now(), Recap: &RecapTurn{Digest: digest, ImportantContext: facts}}
}

// NewSteeringTurn creates a Turn wrapping an injected steering message.
func NewSteeringTurn(content string) Turn {
	return Turn{Kind: TurnSteering, Timestamp: time.Now(), Steering: &SteeringTurn{Content: content}}
}

// TextContent returns the text content of a turn regardless of its kind.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnRecap:
		if t.Recap != nil {
			return t.Recap.Digest
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	}
	return ""
}

// recapText renders a recap turn as the leading system message the model sees.
func (r *RecapTurn) recapText() string {
	var sb strings.Builder
	sb.WriteString("Recap of earlier conversation (older turns were condensed):\n\n")
	sb.WriteString(r.Digest)
	if len(r.ImportantContext) > 0 {
		sb.WriteString("\n\nKey facts to keep in mind:\n")
		for _, fact := range r.ImportantContext {
			fmt.Fprintf(&sb, "- %s\n", fact)
		}
	}
	return sb.String()
}

// TurnsToMessages converts the turn-based history into model messages.
// Tool results keep their original request order.
func TurnsToMessages(turns []Turn) []llm.Message {
	var messages []llm.Message
	for _, turn := range turns {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, llm.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := llm.AssistantMessage(turn.Assistant.Content)
				for _, tc := range turn.Assistant.ToolCalls {
					msg.Content = append(msg.Content, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, result := range turn.ToolResults.Results {
					messages = append(messages, llm.ToolResultMessage(result.ToolCallID, result.Content(), !result.Success))
				}
			}
		case TurnRecap:
			if turn.Recap != nil {
				messages = append(messages, llm.SystemMessage(turn.Recap.recapText()))
			}
		case TurnSteering:
			// Steering turns go out as user messages so the model treats
			// them as additional instructions.
			if turn.Steering != nil {
				messages = append(messages, llm.UserMessage(turn.Steering.Content))
			}
		}
	}
	return messages
}
