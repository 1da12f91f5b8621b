package mcprpc

import (
	"encoding/json"
	"errors"
)

// Batch is a JSON-RPC 2.0 batch: a non-empty array of messages of any type.
// Protocol revision 2025-03-26 and earlier allow batch framing; 2025-06-18
// removed it.
type Batch []*Message

// UnmarshalJSON parses every element as a Message. An empty array is invalid
// per JSON-RPC 2.0.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("invalid batch: empty array")
	}
	messages := make([]*Message, 0, len(items))
	for _, item := range items {
		message := &Message{}
		if err := json.Unmarshal(item, message); err != nil {
			return err
		}
		messages = append(messages, message)
	}
	*b = messages
	return nil
}

// MarshalJSON renders an empty batch as [] rather than null.
func (b Batch) MarshalJSON() ([]byte, error) {
	if len(b) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal([]*Message(b))
}

// Requests returns the request messages of the batch, in order.
func (b Batch) Requests() []*Request {
	var requests []*Request
	for _, message := range b {
		if message.Type == MessageTypeRequest {
			requests = append(requests, message.JsonRpcRequest)
		}
	}
	return requests
}
