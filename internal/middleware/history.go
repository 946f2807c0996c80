package middleware

import (
	"context"
	"fmt"

	"github.com/hpd-ai/agentruntime/pkg/types"
)

// Summarizer produces a condensed replacement for a run of older
// messages, e.g. by delegating to a small/cheap model. When nil (or
// when it fails), HistoryReductionMiddleware puts a truncation note
// in place of the summary.
type Summarizer func(ctx context.Context, messages []types.Message) (string, error)

// HistoryReductionMiddleware runs HistoryReducer in BeforeIteration
// whenever the configured budget is exceeded.
type HistoryReductionMiddleware struct {
	Base

	Config     types.HistoryReductionConfig
	Summarizer Summarizer
}

// NewHistoryReductionMiddleware constructs a HistoryReductionMiddleware.
func NewHistoryReductionMiddleware(cfg types.HistoryReductionConfig, summarizer Summarizer) *HistoryReductionMiddleware {
	return &HistoryReductionMiddleware{Base: NewBase("history_reduction"), Config: cfg, Summarizer: summarizer}
}

func (m *HistoryReductionMiddleware) BeforeIteration(tc *TurnContext) error {
	if !m.Config.Enabled {
		return nil
	}

	compacted, replaced, inserted := HistoryReducer(tc.Branch.Messages, m.Config)
	if !inserted {
		return nil
	}

	if m.Summarizer != nil && len(replaced) > 0 {
		summary, err := m.Summarizer(tc.Ctx, replaced)
		if err == nil && summary != "" {
			for i, msg := range compacted {
				if isSummaryPlaceholder(msg) {
					compacted[i].Content = []types.ContentItem{&types.TextContent{Type: "text", Text: summary}}
					break
				}
			}
		}
	}
	for i, msg := range compacted {
		if isSummaryPlaceholder(msg) {
			compacted[i].Content = []types.ContentItem{&types.TextContent{Type: "text", Text: fmt.Sprintf("[%d earlier messages truncated]", len(replaced))}}
			break
		}
	}

	tc.Branch.Messages = compacted
	return nil
}

const summaryPlaceholderMarker = "__history_reduction_summary__"

func isSummaryPlaceholder(msg types.Message) bool {
	for _, item := range msg.Content {
		if t, ok := item.(*types.TextContent); ok && t.Text == summaryPlaceholderMarker {
			return true
		}
	}
	return false
}

// estimateTokens is the same rough heuristic as the teacher's
// compaction pass: roughly four characters per token.
func estimateTokens(s string) int {
	return len(s) / 4
}

func messageTokens(msg types.Message) int {
	total := 0
	for _, item := range msg.Content {
		switch c := item.(type) {
		case *types.TextContent:
			total += estimateTokens(c.Text)
		case *types.ReasoningContent:
			total += estimateTokens(c.Text)
		case *types.FunctionCallContent:
			total += estimateTokens(string(c.Arguments))
		case *types.FunctionResultContent:
			total += estimateTokens(c.Result)
		}
	}
	return total
}

// HistoryReducer is the pure function (messages, config) -> (compacted,
// replacedMessages, changed) per spec: it never calls out to a
// provider itself (summarization is delegated, see Summarizer). It
// replaces the dropped range with one placeholder message: a truncation
// note when SummarizationThreshold is set and no more than that many
// messages were dropped, otherwise a summary marker that
// HistoryReductionMiddleware replaces. The system message (if first), the latest user message, and
// any function-call/result pair referenced by a trailing tool result
// are always preserved.
func HistoryReducer(messages []types.Message, cfg types.HistoryReductionConfig) (compacted []types.Message, replaced []types.Message, changed bool) {
	if len(messages) == 0 {
		return messages, nil, false
	}

	percentageMode := cfg.ContextWindowSize > 0

	total := 0
	for _, m := range messages {
		total += messageTokens(m)
	}

	if percentageMode {
		trigger := float64(cfg.ContextWindowSize) * cfg.TriggerPercentage
		if float64(total) < trigger {
			return messages, nil, false
		}
	} else {
		target := cfg.TargetMessageCount
		if target <= 0 {
			target = 2
		}
		if len(messages) <= target {
			return messages, nil, false
		}
	}

	protected := protectedIndices(messages)

	var targetTokens float64
	var targetCount int
	if percentageMode {
		targetTokens = float64(cfg.ContextWindowSize) * cfg.PreservePercentage
	} else {
		targetCount = cfg.TargetMessageCount
	}

	// Drop the oldest unprotected messages first, in original order,
	// until the budget is satisfied. Protected messages (system
	// preamble, latest user message, a pending function-call/result
	// pair) are never candidates regardless of where they sit.
	runningTotal := total
	runningCount := len(messages)
	toDrop := make(map[int]bool)
	for i := 0; i < len(messages); i++ {
		if protected[i] {
			continue
		}
		if percentageMode {
			if float64(runningTotal) <= targetTokens {
				break
			}
		} else if runningCount <= targetCount {
			break
		}
		toDrop[i] = true
		runningTotal -= messageTokens(messages[i])
		runningCount--
	}

	if len(toDrop) == 0 {
		return messages, nil, false
	}

	placeholder := types.Message{
		Role: types.RoleAssistant,
		Content: []types.ContentItem{&types.TextContent{
			Type: "text",
			Text: summaryPlaceholderMarker,
		}},
	}
	if cfg.SummarizationThreshold > 0 && len(toDrop) <= cfg.SummarizationThreshold {
		placeholder.Content = []types.ContentItem{&types.TextContent{
			Type: "text",
			Text: fmt.Sprintf("[%d earlier messages truncated]", len(toDrop)),
		}}
	}

	dropped := make([]types.Message, 0, len(toDrop))
	out := make([]types.Message, 0, len(messages)-len(toDrop)+1)
	placed := false
	for i, msg := range messages {
		if toDrop[i] {
			dropped = append(dropped, msg)
			if !placed {
				out = append(out, placeholder)
				placed = true
			}
			continue
		}
		out = append(out, msg)
	}

	return out, dropped, true
}

// protectedIndices marks messages HistoryReducer must never drop: the
// leading system message, the latest user message, and (if the branch
// currently ends mid tool-round) the trailing function-result message
// and the function-call message it answers.
func protectedIndices(messages []types.Message) map[int]bool {
	protected := make(map[int]bool)

	if len(messages) > 0 && messages[0].Role == types.RoleSystem {
		protected[0] = true
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			protected[i] = true
			break
		}
	}

	last := messages[len(messages)-1]
	pendingCallIDs := make(map[string]bool)
	for _, item := range last.Content {
		if r, ok := item.(*types.FunctionResultContent); ok {
			pendingCallIDs[r.CallID] = true
		}
	}
	if len(pendingCallIDs) > 0 {
		protected[len(messages)-1] = true
		for i := len(messages) - 1; i >= 0; i-- {
			for _, item := range messages[i].Content {
				if c, ok := item.(*types.FunctionCallContent); ok && pendingCallIDs[c.CallID] {
					protected[i] = true
				}
			}
		}
	}

	return protected
}
