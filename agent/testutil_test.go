package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pulse-ide/pulse/llm"
)

// fakeClient plays back a scripted sequence of responses. After the script
// is exhausted it keeps returning the last entry.
type fakeClient struct {
	mu       sync.Mutex
	script   []scriptStep
	calls    int
	requests []llm.Request
}

type scriptStep struct {
	resp   *llm.Response
	err    error
	onCall func() // runs while the call is "in flight"
}

func newFakeClient(steps ...scriptStep) *fakeClient {
	return &fakeClient{script: steps}
}

func (f *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, &llm.AbortError{TransportError: llm.TransportError{Message: err.Error()}}
	}
	if len(f.script) == 0 {
		return nil, fmt.Errorf("fakeClient: no scripted responses")
	}
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++
	f.requests = append(f.requests, req)
	step := f.script[idx]
	if step.onCall != nil {
		step.onCall()
	}
	return step.resp, step.err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textStep(text string) scriptStep {
	return scriptStep{resp: &llm.Response{
		ID:           "resp-text",
		Message:      llm.AssistantMessage(text),
		FinishReason: llm.FinishReason{Reason: "stop"},
		Usage:        llm.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}}
}

func toolStep(calls ...llm.ToolCall) scriptStep {
	parts := make([]llm.ContentPart, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, llm.ToolCallPart(c.ID, c.Name, c.Arguments))
	}
	return scriptStep{resp: &llm.Response{
		ID:           "resp-tools",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: parts},
		FinishReason: llm.FinishReason{Reason: "tool_calls"},
		Usage:        llm.Usage{InputTokens: 20, OutputTokens: 10, TotalTokens: 30},
	}}
}

func errStep(err error) scriptStep {
	return scriptStep{err: err}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// readTool builds a parallel-safe tool whose invoker records the call order
// into the shared log.
func readTool(name string, log *callLog, result string) *Tool {
	return &Tool{
		Name:        name,
		Description: "test read tool",
		Kind:        ToolAtomic,
		ReadOnly:    true,
		InputSchema: map[string]any{"type": "object"},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			log.add(name)
			return result, nil
		},
	}
}

// mutateTool builds a sequential (not read-only) tool.
func mutateTool(name string, log *callLog, result string) *Tool {
	return &Tool{
		Name:        name,
		Description: "test mutating tool",
		Kind:        ToolAtomic,
		InputSchema: map[string]any{"type": "object"},
		Invoke: func(ctx context.Context, args json.RawMessage) (string, error) {
			log.add(name)
			return result, nil
		},
	}
}

// gatedTool builds an approval-required tool.
func gatedTool(name string, log *callLog, result string) *Tool {
	t := mutateTool(name, log, result)
	t.Kind = ToolPermissioned
	t.RequiresApproval = true
	return t
}

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.names))
	copy(out, l.names)
	return out
}

type memStore struct {
	mu    sync.Mutex
	turns map[string][]Turn
	fail  bool
}

func newMemStore() *memStore {
	return &memStore{turns: make(map[string][]Turn)}
}

func (s *memStore) SaveTurn(sessionID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("store unavailable")
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

func (s *memStore) count(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[sessionID])
}

func (s *memStore) saved(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns[sessionID]))
	copy(out, s.turns[sessionID])
	return out
}
