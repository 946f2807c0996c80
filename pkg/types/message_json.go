package types

import "encoding/json"

// messageWire is Message's JSON shape with Content left as raw
// messages so its ContentItem variants can be dispatched individually.
type messageWire struct {
	ID            string            `json:"id"`
	Role          Role              `json:"role"`
	Content       []json.RawMessage `json:"content"`
	Time          MessageTime       `json:"time"`
	AgentID       string            `json:"agentID,omitempty"`
	Depth         int               `json:"depth,omitempty"`
	ParentAgentID string            `json:"parentAgentID,omitempty"`
}

// MarshalJSON implements json.Marshaler so Content's concrete variants
// (not just the ContentItem interface) are serialized.
func (m Message) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, 0, len(m.Content))
	for _, item := range m.Content {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		raws = append(raws, data)
	}
	return json.Marshal(messageWire{
		ID:            m.ID,
		Role:          m.Role,
		Content:       raws,
		Time:          m.Time,
		AgentID:       m.AgentID,
		Depth:         m.Depth,
		ParentAgentID: m.ParentAgentID,
	})
}

// UnmarshalJSON implements json.Unmarshaler, dispatching each content
// item through UnmarshalContentItem based on its "type" discriminator.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire messageWire
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

	m.ID = wire.ID
	m.Role = wire.Role
	m.Content = content
	m.Time = wire.Time
	m.AgentID = wire.AgentID
	m.Depth = wire.Depth
	m.ParentAgentID = wire.ParentAgentID
	return nil
}
