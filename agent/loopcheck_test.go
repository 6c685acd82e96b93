package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pulse-ide/pulse/llm"
)

func assistantWithCalls(calls ...llm.ToolCall) Turn {
	return NewAssistantTurn("", calls, llm.Usage{}, "")
}

func TestDetectLoopSingleRepeated(t *testing.T) {
	turns := []Turn{
		NewUserTurn("fix the bug"),
	}
	for i := 0; i < 6; i++ {
		turns = append(turns, assistantWithCalls(call("c", "read_file", `{"path":"a.go"}`)))
	}
	assert.True(t, DetectLoop(turns, 6))
}

func TestDetectLoopAlternatingPair(t *testing.T) {
	var turns []Turn
	for i := 0; i < 3; i++ {
		turns = append(turns,
			assistantWithCalls(call("c", "read_file", `{"path":"a.go"}`)),
			assistantWithCalls(call("c", "grep", `{"pattern":"foo"}`)),
		)
	}
	assert.True(t, DetectLoop(turns, 6))
}

func TestDetectLoopNoLoop(t *testing.T) {
	turns := []Turn{
		assistantWithCalls(call("c", "read_file", `{"path":"a.go"}`)),
		assistantWithCalls(call("c", "read_file", `{"path":"b.go"}`)),
		assistantWithCalls(call("c", "read_file", `{"path":"c.go"}`)),
		assistantWithCalls(call("c", "grep", `{"pattern":"x"}`)),
		assistantWithCalls(call("c", "read_file", `{"path":"d.go"}`)),
		assistantWithCalls(call("c", "write_file", `{"path":"e.go"}`)),
	}
	assert.False(t, DetectLoop(turns, 6))
}

func TestDetectLoopDifferentArgsNotALoop(t *testing.T) {
	// Same tool, distinct arguments each time: normal exploration.
	var turns []Turn
	paths := []string{"a", "b", "c", "d", "e", "f"}
	for _, p := range paths {
		turns = append(turns, assistantWithCalls(call("c", "read_file", `{"path":"`+p+`"}`)))
	}
	assert.False(t, DetectLoop(turns, 6))
}

func TestDetectLoopTooFewCalls(t *testing.T) {
	turns := []Turn{
		assistantWithCalls(call("c", "read_file", `{"path":"a.go"}`)),
		assistantWithCalls(call("c", "read_file", `{"path":"a.go"}`)),
	}
	assert.False(t, DetectLoop(turns, 6))
}

func TestDetectLoopIgnoresNonAssistantTurns(t *testing.T) {
	var turns []Turn
	for i := 0; i < 6; i++ {
		turns = append(turns,
			assistantWithCalls(call("c", "read_file", `{"path":"a.go"}`)),
			NewToolResultsTurn([]ToolOutput{{ToolCallID: "c", Success: true, Result: "data"}}),
		)
	}
	assert.True(t, DetectLoop(turns, 6))
}
