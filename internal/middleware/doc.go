// Package middleware implements MiddlewareChain: the ordered set of
// interceptors AgentLoop drives once per iteration (beforeIteration,
// beforeToolExecution, afterIteration, afterMessageTurn) and once per
// tool call (executeFunction). The canonical registration order is
// Retry, Timeout, ErrorFormatting, Permission, Container,
// HistoryReduction, then the tool invocation itself — see NewChain's
// doc comment on Chain.Execute for how that order becomes an onion
// around executeFunction.
package middleware
