package types

import (
	"encoding/json"
	"fmt"
)

// ContentItem is a closed sum over the kinds of content a Message may
// carry: Text, Reasoning, FunctionCall, FunctionResult. Each variant
// implements this interface and round-trips through JSON via a "type"
// discriminator field (see UnmarshalContentItem).
type ContentItem interface {
	ContentType() string
}

// TextContent is user-visible natural-language text.
type TextContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (c *TextContent) ContentType() string { return "text" }

// ReasoningContent is extended-thinking text kept separate from
// user-visible text.
type ReasoningContent struct {
	Type string `json:"type"` // always "reasoning"
	Text string `json:"text"`
}

func (c *ReasoningContent) ContentType() string { return "reasoning" }

// FunctionCallContent is a model-issued tool invocation request.
type FunctionCallContent struct {
	Type      string          `json:"type"` // always "function_call"
	CallID    string          `json:"callID"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (c *FunctionCallContent) ContentType() string { return "function_call" }

// FunctionResultContent is the result of executing a FunctionCallContent.
// Its CallID must match a FunctionCallContent earlier in the same branch.
type FunctionResultContent struct {
	Type    string `json:"type"` // always "function_result"
	CallID  string `json:"callID"`
	Result  string `json:"result"`
	IsError bool   `json:"isError,omitempty"`
}

func (c *FunctionResultContent) ContentType() string { return "function_result" }

// BinaryContent carries a non-text payload (used by client-tool
// results and file attachments); it is never produced by a provider
// directly.
type BinaryContent struct {
	Type      string `json:"type"` // always "binary"
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

func (c *BinaryContent) ContentType() string { return "binary" }

// rawContentItem is used only to read the discriminator before
// dispatching to the concrete type.
type rawContentItem struct {
	Type string `json:"type"`
}

// UnmarshalContentItem decodes a single JSON content item into its
// concrete variant based on the "type" discriminator. Unknown types
// are rejected rather than silently coerced, since a mismatched
// variant would desynchronize call-id bookkeeping.
func UnmarshalContentItem(data []byte) (ContentItem, error) {
	var raw rawContentItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("content item: %w", err)
	}

	switch raw.Type {
	case "text":
		var c TextContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case "reasoning":
		var c ReasoningContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case "function_call":
		var c FunctionCallContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case "function_result":
		var c FunctionResultContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	case "binary":
		var c BinaryContent
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("content item: unknown type %q", raw.Type)
	}
}

// MarshalContentItems is a convenience wrapper so callers don't need to
// reach for json.Marshal directly and risk losing the interface's
// dynamic type.
func MarshalContentItems(items []ContentItem) ([]byte, error) {
	return json.Marshal(items)
}

// UnmarshalContentItems decodes a JSON array of content items.
func UnmarshalContentItems(data []byte) ([]ContentItem, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	items := make([]ContentItem, 0, len(raws))
	for _, raw := range raws {
		item, err := UnmarshalContentItem(raw)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// TextOf concatenates all TextContent items in a message, in order.
// Useful for providers/middleware that need the plain user-visible
// string without caring about reasoning or tool content.
func TextOf(items []ContentItem) string {
	var out string
	for _, item := range items {
		if t, ok := item.(*TextContent); ok {
			out += t.Text
		}
	}
	return out
}

// FunctionCalls extracts all FunctionCallContent items from a message.
func FunctionCalls(items []ContentItem) []*FunctionCallContent {
	var out []*FunctionCallContent
	for _, item := range items {
		if c, ok := item.(*FunctionCallContent); ok {
			out = append(out, c)
		}
	}
	return out
}
