package types

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the wire shape of an Event. Wire values are
// SCREAMING_SNAKE_CASE per the event wire format contract.
type EventType string

const (
	EventMessageTurnStarted EventType = "MESSAGE_TURN_STARTED"
	EventMessageTurnFinished EventType = "MESSAGE_TURN_FINISHED"
	EventMessageTurnError    EventType = "MESSAGE_TURN_ERROR"
	EventAgentTurnStarted    EventType = "AGENT_TURN_STARTED"
	EventAgentTurnFinished   EventType = "AGENT_TURN_FINISHED"
	EventStateSnapshot       EventType = "STATE_SNAPSHOT"

	EventTextMessageStart EventType = "TEXT_MESSAGE_START"
	EventTextMessageDelta EventType = "TEXT_MESSAGE_DELTA"
	EventTextMessageEnd   EventType = "TEXT_MESSAGE_END"

	EventReasoningMessageStart EventType = "REASONING_MESSAGE_START"
	EventReasoningMessageDelta EventType = "REASONING_MESSAGE_DELTA"
	EventReasoningMessageEnd   EventType = "REASONING_MESSAGE_END"

	EventToolCallStart  EventType = "TOOL_CALL_START"
	EventToolCallArgs   EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd    EventType = "TOOL_CALL_END"
	EventToolCallResult EventType = "TOOL_CALL_RESULT"

	EventPermissionRequest  EventType = "PERMISSION_REQUEST"
	EventPermissionResponse EventType = "PERMISSION_RESPONSE"

	EventClarificationRequest  EventType = "CLARIFICATION_REQUEST"
	EventClarificationResponse EventType = "CLARIFICATION_RESPONSE"

	EventContinuationRequest  EventType = "CONTINUATION_REQUEST"
	EventContinuationResponse EventType = "CONTINUATION_RESPONSE"

	EventClientToolInvokeRequest  EventType = "CLIENT_TOOL_INVOKE_REQUEST"
	EventClientToolInvokeResponse EventType = "CLIENT_TOOL_INVOKE_RESPONSE"

	EventFunctionRetry        EventType = "FUNCTION_RETRY"
	EventMiddlewareProgress   EventType = "MIDDLEWARE_PROGRESS"
	EventContainerExpanded    EventType = "CONTAINER_EXPANDED"
	EventCheckpoint           EventType = "CHECKPOINT"
)

// CurrentEventVersion is embedded in every emitted Event.
const CurrentEventVersion = "1.0"

// ExecutionContext is the optional breadcrumb carried on an Event,
// attributing it to a (possibly nested, subagent-delegated) run.
type ExecutionContext struct {
	AgentID       string `json:"agentID,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	ParentAgentID string `json:"parentAgentID,omitempty"`
}

// Event is an immutable, strictly-ordered record in a run's event
// stream. Data holds one of the typed payload structs declared below;
// MarshalJSON flattens it alongside Type/Version/Context so the wire
// format is one flat JSON object, not a nested envelope.
type Event struct {
	Type    EventType         `json:"type"`
	Version string            `json:"version"`
	Context *ExecutionContext `json:"context,omitempty"`
	Data    any               `json:"-"`
}

// NewEvent constructs an Event with the current wire version set.
func NewEvent(t EventType, ctx *ExecutionContext, data any) Event {
	return Event{Type: t, Version: CurrentEventVersion, Context: ctx, Data: data}
}

func (e Event) MarshalJSON() ([]byte, error) {
	payload := map[string]any{}
	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
	}
	payload["type"] = e.Type
	payload["version"] = e.Version
	if e.Context != nil {
		payload["context"] = e.Context
	}
	return json.Marshal(payload)
}

// UnmarshalEvent decodes a wire-format event, dispatching the
// type-specific fields into the matching Data struct based on the
// "type" discriminator. Unknown fields in the payload are ignored by
// encoding/json by default, satisfying forward compatibility.
func UnmarshalEvent(raw []byte) (Event, error) {
	var head struct {
		Type    EventType         `json:"type"`
		Version string            `json:"version"`
		Context *ExecutionContext `json:"context,omitempty"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Event{}, fmt.Errorf("event: %w", err)
	}

	data, err := newEventData(head.Type)
	if err != nil {
		return Event{}, err
	}
	if data != nil {
		if err := json.Unmarshal(raw, data); err != nil {
			return Event{}, fmt.Errorf("event %s payload: %w", head.Type, err)
		}
	}

	return Event{Type: head.Type, Version: head.Version, Context: head.Context, Data: data}, nil
}

func newEventData(t EventType) (any, error) {
	switch t {
	case EventMessageTurnStarted:
		return &MessageTurnStartedData{}, nil
	case EventMessageTurnFinished:
		return &MessageTurnFinishedData{}, nil
	case EventMessageTurnError:
		return &MessageTurnErrorData{}, nil
	case EventAgentTurnStarted:
		return &AgentTurnStartedData{}, nil
	case EventAgentTurnFinished:
		return &AgentTurnFinishedData{}, nil
	case EventStateSnapshot:
		return &StateSnapshotData{}, nil
	case EventTextMessageStart, EventReasoningMessageStart:
		return &ContentStartData{}, nil
	case EventTextMessageDelta, EventReasoningMessageDelta:
		return &ContentDeltaData{}, nil
	case EventTextMessageEnd, EventReasoningMessageEnd:
		return &ContentEndData{}, nil
	case EventToolCallStart:
		return &ToolCallStartData{}, nil
	case EventToolCallArgs:
		return &ToolCallArgsData{}, nil
	case EventToolCallEnd:
		return &ToolCallEndData{}, nil
	case EventToolCallResult:
		return &ToolCallResultData{}, nil
	case EventPermissionRequest:
		return &PermissionRequestData{}, nil
	case EventPermissionResponse:
		return &PermissionResponseData{}, nil
	case EventClarificationRequest:
		return &ClarificationRequestData{}, nil
	case EventClarificationResponse:
		return &ClarificationResponseData{}, nil
	case EventContinuationRequest:
		return &ContinuationRequestData{}, nil
	case EventContinuationResponse:
		return &ContinuationResponseData{}, nil
	case EventClientToolInvokeRequest:
		return &ClientToolInvokeRequestData{}, nil
	case EventClientToolInvokeResponse:
		return &ClientToolInvokeResponseData{}, nil
	case EventFunctionRetry:
		return &FunctionRetryData{}, nil
	case EventMiddlewareProgress:
		return &MiddlewareProgressData{}, nil
	case EventContainerExpanded:
		return &ContainerExpandedData{}, nil
	case EventCheckpoint:
		return &CheckpointData{}, nil
	default:
		return &map[string]any{}, nil
	}
}

// --- Turn lifecycle payloads ---

type MessageTurnStartedData struct {
	SessionID string `json:"sessionID"`
	BranchID  string `json:"branchID"`
	MessageID string `json:"userMessageID"`
}

type MessageTurnFinishedData struct {
	SessionID string            `json:"sessionID"`
	BranchID  string            `json:"branchID"`
	Reason    TerminationReason `json:"reason"`
}

type MessageTurnErrorData struct {
	SessionID string            `json:"sessionID"`
	BranchID  string            `json:"branchID"`
	Reason    TerminationReason `json:"reason"`
	Message   string            `json:"message"`
}

type AgentTurnStartedData struct {
	SessionID string `json:"sessionID"`
	BranchID  string `json:"branchID"`
	Iteration int    `json:"iteration"`
}

type AgentTurnFinishedData struct {
	SessionID string `json:"sessionID"`
	BranchID  string `json:"branchID"`
	Iteration int    `json:"iteration"`
}

type StateSnapshotData struct {
	SessionID string          `json:"sessionID"`
	BranchID  string          `json:"branchID"`
	State     *ExecutionState `json:"state"`
}

// --- Content streaming payloads (shared by text and reasoning) ---

type ContentStartData struct {
	MessageID string `json:"messageID"`
}

type ContentDeltaData struct {
	MessageID string `json:"messageID"`
	Delta     string `json:"delta"`
}

type ContentEndData struct {
	MessageID string `json:"messageID"`
	Text      string `json:"text"`
}

// --- Tool execution payloads ---

type ToolCallStartData struct {
	CallID string `json:"callID"`
	Name   string `json:"name"`
}

type ToolCallArgsData struct {
	CallID string `json:"callID"`
	Delta  string `json:"delta"`
}

type ToolCallEndData struct {
	CallID string `json:"callID"`
}

type ToolCallResultData struct {
	CallID  string `json:"callID"`
	Result  string `json:"result"`
	IsError bool   `json:"isError,omitempty"`
}

// --- Bidirectional payloads ---

type PermissionRequestData struct {
	PermissionID string         `json:"permissionID"`
	ToolName     string         `json:"toolName"`
	Pattern      []string       `json:"pattern,omitempty"`
	Title        string         `json:"title"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type PermissionResponseData struct {
	PermissionID string `json:"permissionID"`
	Choice       string `json:"choice"` // "ask" | "allowAlways" | "denyAlways" | "deny"
}

type ClarificationRequestData struct {
	ClarificationID string `json:"clarificationID"`
	Question        string `json:"question"`
}

type ClarificationResponseData struct {
	ClarificationID string `json:"clarificationID"`
	Answer          string `json:"answer"`
}

type ContinuationRequestData struct {
	ContinuationID string `json:"continuationID"`
	IterationCount int    `json:"iterationCount"`
}

type ContinuationResponseData struct {
	ContinuationID string `json:"continuationID"`
	Continue       bool   `json:"continue"`
}

type ClientToolInvokeRequestData struct {
	RequestID string          `json:"requestID"`
	ToolName  string          `json:"toolName"`
	CallID    string          `json:"callID"`
	Arguments json.RawMessage `json:"arguments"`
}

type ClientToolInvokeResponseData struct {
	RequestID    string         `json:"requestID"`
	Content      []ContentItem  `json:"content,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Augmentation *Augmentation  `json:"augmentation,omitempty"`
}

type clientToolInvokeResponseWire struct {
	RequestID    string            `json:"requestID"`
	Content      []json.RawMessage `json:"content,omitempty"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Augmentation *Augmentation     `json:"augmentation,omitempty"`
}

func (d ClientToolInvokeResponseData) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(d.Content))
	for _, item := range d.Content {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		raws = append(raws, data)
	}
	return json.Marshal(clientToolInvokeResponseWire{
		RequestID:    d.RequestID,
		Content:      raws,
		Success:      d.Success,
		ErrorMessage: d.ErrorMessage,
		Augmentation: d.Augmentation,
	})
}

func (d *ClientToolInvokeResponseData) UnmarshalJSON(data []byte) error {
	var wire clientToolInvokeResponseWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	content := make([]ContentItem, 0, len(wire.Content))
	for _, raw := range wire.Content {
		item, err := UnmarshalContentItem(raw)
		if err != nil {
			return err
		}
		content = append(content, item)
	}
	d.RequestID = wire.RequestID
	d.Content = content
	d.Success = wire.Success
	d.ErrorMessage = wire.ErrorMessage
	d.Augmentation = wire.Augmentation
	return nil
}

// Augmentation carries client-tool-driven tool-visibility and opaque
// client-state mutations back into the run.
type Augmentation struct {
	ExpandContainers  []string       `json:"expandContainers,omitempty"`
	CollapseContainers []string      `json:"collapseContainers,omitempty"`
	ShowTools         []string       `json:"showTools,omitempty"`
	HideTools         []string       `json:"hideTools,omitempty"`
	ClientStatePatch  map[string]any `json:"clientStatePatch,omitempty"`
}

// --- Observability payloads ---

type FunctionRetryData struct {
	CallID  string `json:"callID"`
	Attempt int    `json:"attempt"`
	Delay   int64  `json:"delayMillis"`
	Reason  string `json:"reason"`
}

type MiddlewareProgressData struct {
	Middleware string `json:"middleware"`
	Hook       string `json:"hook"`
	Detail     string `json:"detail,omitempty"`
}

type ContainerExpandedData struct {
	ContainerName string   `json:"containerName"`
	Revealed      []string `json:"revealed"`
}

type CheckpointData struct {
	SessionID string `json:"sessionID"`
	BranchID  string `json:"branchID"`
}
