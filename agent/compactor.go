package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pulse-ide/pulse/llm"
	"github.com/pulse-ide/pulse/metrics"
)

const digestPrompt = `Condense the following conversation history from a coding session.
Write a short narrative summary, then list the must-keep facts, one per line,
each starting with "- ", covering exactly these categories:
the user's original goal, files that were created or modified, decisions and
approvals that were made, and errors that were encountered.
Do not include anything else after the fact list.`

// CompactorConfig controls when and how history is condensed.
type CompactorConfig struct {
	// BudgetTokens is the serialized-size threshold that triggers
	// compaction.
	BudgetTokens int
	// RetainTurns is how many recent turns stay verbatim. The boundary is
	// widened when it would split a tool-call/result pair.
	RetainTurns int
	// Model used for the digest call; empty uses the client default.
	Model string
}

// Compactor shortens conversation history once it outgrows the budget,
// preserving recent turns verbatim and folding everything older into a
// single recap turn. Must-keep facts accumulate in the session's
// ImportantContext and are never summarized away.
type Compactor struct {
	client  llm.Client
	counter TokenCounter
	cfg     CompactorConfig
}

// NewCompactor creates a compactor. client may be nil, in which case the
// digest is built heuristically from the turns themselves.
func NewCompactor(client llm.Client, counter TokenCounter, cfg CompactorConfig) *Compactor {
	if counter == nil {
		counter = NewTokenCounter()
	}
	if cfg.RetainTurns < 2 {
		// Always keep at least the in-flight tool-call/result pair.
		cfg.RetainTurns = 2
	}
	return &Compactor{client: client, counter: counter, cfg: cfg}
}

// SerializedTokens measures the history the way the model will see it.
func (c *Compactor) SerializedTokens(turns []Turn) int {
	total := 0
	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			total += len(turn.TextContent()) / 4
			continue
		}
		total += c.counter.Count(string(data))
	}
	return total
}

// NeedsCompaction reports whether the history is over budget.
func (c *Compactor) NeedsCompaction(turns []Turn) bool {
	if c.cfg.BudgetTokens <= 0 {
		return false
	}
	return c.SerializedTokens(turns) > c.cfg.BudgetTokens
}

// Compact replaces older turns with a recap. Running it again on
// already-compacted state is a no-op: once everything older than the
// retained window is a single recap, there is nothing left to fold.
func (c *Compactor) Compact(ctx context.Context, state *ConversationState) error {
	turns := state.Turns

	cut := len(turns) - c.cfg.RetainTurns
	if cut <= 0 {
		return nil
	}
	// Never split an assistant tool-call turn from its results.
	for cut > 0 && turns[cut].Kind == TurnToolResults {
		cut--
	}
	if cut <= 0 {
		return nil
	}

	older := turns[:cut]
	if allRecap(older) {
		return nil
	}

	c.seedImportantContext(state, turns)
	c.harvestFacts(state, older)

	digest := c.generateDigest(ctx, older, state)

	recap := NewRecapTurn(digest, state.Important.Facts())
	compacted := make([]Turn, 0, 1+len(turns)-cut)
	compacted = append(compacted, recap)
	compacted = append(compacted, turns[cut:]...)

	state.Turns = compacted
	state.MemoryDigest = digest
	metrics.CompactionRun()
	return nil
}

func allRecap(turns []Turn) bool {
	for _, t := range turns {
		if t.Kind != TurnRecap {
			return false
		}
	}
	return true
}

// seedImportantContext guarantees the original request survives verbatim.
func (c *Compactor) seedImportantContext(state *ConversationState, turns []Turn) {
	for _, t := range turns {
		if t.Kind == TurnUser && t.User != nil {
			state.Important.Add("Original request: " + t.User.Content)
			return
		}
		if t.Kind == TurnRecap {
			// Already compacted once; the fact is in the set.
			return
		}
	}
}

// harvestFacts extracts deterministic facts from the turns being folded:
// files touched and errors seen. These land in ImportantContext regardless
// of whether the digest model call succeeds.
func (c *Compactor) harvestFacts(state *ConversationState, older []Turn) {
	for _, turn := range older {
		switch turn.Kind {
		case TurnAssistant:
			if turn.Assistant == nil {
				continue
			}
			for _, call := range turn.Assistant.ToolCalls {
				if path := pathArgument(call.Arguments); path != "" {
					state.Important.Add("File touched: " + path)
				}
			}
		case TurnToolResults:
			if turn.ToolResults == nil {
				continue
			}
			for _, res := range turn.ToolResults.Results {
				if !res.Success && res.Error != "" {
					state.Important.Add("Error seen: " + firstLine(res.Error))
				}
			}
		case TurnRecap:
			if turn.Recap != nil {
				for _, fact := range turn.Recap.ImportantContext {
					state.Important.Add(fact)
				}
			}
		}
	}
}

// generateDigest asks the secondary model for a summary and merges the fact
// lines it returns. On any failure it falls back to a deterministic digest
// so compaction never blocks the run.
func (c *Compactor) generateDigest(ctx context.Context, older []Turn, state *ConversationState) string {
	if c.client != nil {
		req := llm.Request{
			Model: c.cfg.Model,
			Messages: append(
				[]llm.Message{llm.SystemMessage(digestPrompt)},
				TurnsToMessages(older)...,
			),
		}
		resp, err := c.client.Complete(ctx, req)
		if err == nil && resp.Text() != "" {
			text := resp.Text()
			for _, line := range strings.Split(text, "\n") {
				line = strings.TrimSpace(line)
				if fact, ok := strings.CutPrefix(line, "- "); ok {
					state.Important.Add(strings.TrimSpace(fact))
				}
			}
			return text
		}
	}
	return c.fallbackDigest(older)
}

func (c *Compactor) fallbackDigest(older []Turn) string {
	users, tools := 0, 0
	toolNames := map[string]struct{}{}
	for _, turn := range older {
		switch turn.Kind {
		case TurnUser:
			users++
		case TurnAssistant:
			if turn.Assistant != nil {
				for _, call := range turn.Assistant.ToolCalls {
					tools++
					toolNames[call.Name] = struct{}{}
				}
			}
		}
	}
	names := make([]string, 0, len(toolNames))
	for name := range toolNames {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf(
		"Earlier in this session: %d user message(s) and %d tool invocation(s) (%s). Details were condensed; key facts are listed below.",
		users, tools, strings.Join(names, ", "),
	)
}

// pathArgument pulls a file path out of tool arguments when one exists.
func pathArgument(raw json.RawMessage) string {
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "filename"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}
