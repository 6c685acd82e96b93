// Package agent implements the conversation orchestration core: the state
// machine that alternates model calls with tool execution for one session.
//
// A Loop owns a ConversationState and drives it through deciding,
// dispatching, approval, and compaction phases until the model produces a
// final answer. Tools are registered in a Registry; gated tools pass
// through an ApprovalGate before they run; history that outgrows its token
// budget is condensed by a Compactor that never discards facts recorded in
// the session's ImportantContext. Self-contained tasks can be delegated to
// isolated sub-workflows via a WorkflowRunner.
//
// The package is transport-agnostic: everything that talks to a model goes
// through llm.Client.
package agent
