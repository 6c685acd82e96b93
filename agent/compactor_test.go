package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-ide/pulse/llm"
)

// fixedCounter makes token budgets predictable in tests.
type fixedCounter struct{ perTurn int }

func (f fixedCounter) Count(string) int { return f.perTurn }

func longHistory(n int) []Turn {
	turns := []Turn{NewUserTurn("refactor the config loader to support YAML")}
	for len(turns) < n {
		turns = append(turns,
			assistantWithCalls(call("c", "read_file", `{"path":"config/loader.go"}`)),
			NewToolResultsTurn([]ToolOutput{{ToolCallID: "c", Success: true, Result: "package config"}}),
		)
	}
	return turns[:n]
}

func TestNeedsCompaction(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 1000, RetainTurns: 4})

	assert.False(t, c.NeedsCompaction(longHistory(5)))
	assert.True(t, c.NeedsCompaction(longHistory(15)))
}

func TestNeedsCompactionDisabled(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{RetainTurns: 4})
	assert.False(t, c.NeedsCompaction(longHistory(50)))
}

func TestCompactFoldsOlderTurns(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 4})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(13)

	require.NoError(t, c.Compact(context.Background(), state))

	require.NotEmpty(t, state.Turns)
	assert.Equal(t, TurnRecap, state.Turns[0].Kind)
	assert.NotEmpty(t, state.MemoryDigest)
	// Retained tail plus the recap.
	assert.Less(t, len(state.Turns), 13)
}

func TestCompactPreservesOriginalRequest(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 4})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(13)

	require.NoError(t, c.Compact(context.Background(), state))

	found := false
	for _, fact := range state.Important.Facts() {
		if fact == "Original request: refactor the config loader to support YAML" {
			found = true
		}
	}
	assert.True(t, found, "original request must survive compaction verbatim")
}

func TestCompactHarvestsFilesAndErrors(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 2})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = []Turn{
		NewUserTurn("fix the tests"),
		assistantWithCalls(call("c1", "write_file", `{"path":"main_test.go"}`)),
		NewToolResultsTurn([]ToolOutput{{ToolCallID: "c1", Success: false, Error: "permission denied\nextra detail"}}),
		assistantWithCalls(call("c2", "read_file", `{"path":"go.mod"}`)),
		NewToolResultsTurn([]ToolOutput{{ToolCallID: "c2", Success: true, Result: "module x"}}),
		NewAssistantTurn("done", nil, llm.Usage{}, ""),
		NewUserTurn("now run them"),
	}

	require.NoError(t, c.Compact(context.Background(), state))

	facts := state.Important.Facts()
	assert.Contains(t, facts, "File touched: main_test.go")
	assert.Contains(t, facts, "Error seen: permission denied")
}

func TestCompactIsIdempotent(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 4})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(13)

	require.NoError(t, c.Compact(context.Background(), state))
	after1 := len(state.Turns)
	facts1 := state.Important.Facts()
	digest1 := state.MemoryDigest

	require.NoError(t, c.Compact(context.Background(), state))
	assert.Equal(t, after1, len(state.Turns))
	assert.Equal(t, facts1, state.Important.Facts())
	assert.Equal(t, digest1, state.MemoryDigest)
}

func TestCompactBoundaryKeepsToolCallPairs(t *testing.T) {
	// RetainTurns would slice between an assistant tool-call turn and its
	// results; the boundary must widen so the pair stays together.
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 2})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(12)

	require.NoError(t, c.Compact(context.Background(), state))

	for i, turn := range state.Turns {
		if turn.Kind == TurnToolResults {
			require.Greater(t, i, 0)
			assert.Equal(t, TurnAssistant, state.Turns[i-1].Kind,
				"tool results must directly follow their tool-call turn")
		}
	}
}

func TestCompactShortHistoryNoOp(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 4})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(3)

	require.NoError(t, c.Compact(context.Background(), state))
	assert.Len(t, state.Turns, 3)
	assert.Empty(t, state.MemoryDigest)
}

func TestCompactFactsAreMonotonic(t *testing.T) {
	c := NewCompactor(nil, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 2})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(9)

	require.NoError(t, c.Compact(context.Background(), state))
	facts1 := state.Important.Facts()

	// The session continues and outgrows the budget again.
	state.Turns = append(state.Turns,
		assistantWithCalls(call("c9", "write_file", `{"path":"new.go"}`)),
		NewToolResultsTurn([]ToolOutput{{ToolCallID: "c9", Success: true, Result: "ok"}}),
		NewAssistantTurn("added the file", nil, llm.Usage{}, ""),
		NewUserTurn("great, continue"),
	)
	require.NoError(t, c.Compact(context.Background(), state))

	facts2 := state.Important.Facts()
	for _, fact := range facts1 {
		assert.Contains(t, facts2, fact, "facts are never dropped by later compactions")
	}
	assert.Contains(t, facts2, "File touched: new.go")
}

func TestCompactUsesModelDigest(t *testing.T) {
	client := newFakeClient(textStep("The session refactored the loader.\n- Decision made: switch to YAML\n- File touched: config/loader.go"))
	c := NewCompactor(client, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 4})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(13)

	require.NoError(t, c.Compact(context.Background(), state))

	assert.Contains(t, state.MemoryDigest, "refactored the loader")
	assert.Contains(t, state.Important.Facts(), "Decision made: switch to YAML")
	assert.Equal(t, 1, client.callCount())
}

func TestCompactModelFailureFallsBack(t *testing.T) {
	client := newFakeClient(errStep(&llm.ServerError{TransportError: llm.TransportError{Message: "boom", StatusCode: 500}}))
	c := NewCompactor(client, fixedCounter{perTurn: 100}, CompactorConfig{BudgetTokens: 500, RetainTurns: 4})
	state := NewConversationState("/work", ModeAgent)
	state.Turns = longHistory(13)

	require.NoError(t, c.Compact(context.Background(), state))

	assert.True(t, strings.Contains(state.MemoryDigest, "condensed"),
		"fallback digest still summarizes the folded turns")
	assert.Equal(t, TurnRecap, state.Turns[0].Kind)
}
