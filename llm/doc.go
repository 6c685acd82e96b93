// Package llm is the language-model transport consumed by the agent core.
//
// It presents a provider-agnostic blocking interface: a Client turns a
// Request (messages plus tool definitions) into a Response that may carry
// zero, one, or many tool calls. Provider failures surface as a typed error
// taxonomy so callers can distinguish retryable transport faults (rate
// limits, server errors, network drops) from permanent ones (auth, invalid
// request, context overflow). Retry with exponential backoff and jitter is
// provided by Retry and RetryPolicy.
//
// The production implementation wraps gollm (github.com/teilomillet/gollm);
// tests substitute their own Client.
package llm
