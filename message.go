package mcprpc

import (
	"encoding/json"
	"errors"
)

// MessageType is an enumeration of the types of messages in the JSON-RPC protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
	MessageTypeError        MessageType = "error"
)

// Message is a wrapper around the different types of JSON-RPC messages (Request, Notification, Response).
// An error response is represented as MessageTypeError with both JsonRpcResponse and JsonRpcError set.
type Message struct {
	Type                MessageType
	JsonRpcRequest      *Request
	JsonRpcNotification *Notification
	JsonRpcResponse     *Response
	JsonRpcError        *Error
}

// Method returns the method of a request or notification message.
func (m *Message) Method() string {
	switch m.Type {
	case MessageTypeRequest:
		return m.JsonRpcRequest.Method
	case MessageTypeNotification:
		return m.JsonRpcNotification.Method
	default:
		return ""
	}
}

// Id returns the request id of a request or response message.
func (m *Message) Id() RequestId {
	switch m.Type {
	case MessageTypeRequest:
		return m.JsonRpcRequest.Id
	case MessageTypeResponse, MessageTypeError:
		if m.JsonRpcResponse != nil {
			return m.JsonRpcResponse.Id
		}
	}
	return nil
}

// MarshalJSON is a custom JSON marshaler for the Message type.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.JsonRpcRequest)
	case MessageTypeNotification:
		return json.Marshal(m.JsonRpcNotification)
	case MessageTypeResponse, MessageTypeError:
		return json.Marshal(m.JsonRpcResponse)
	default:
		return nil, errors.New("unknown message type, couldn't marshal")
	}
}

// UnmarshalJSON is a custom JSON unmarshaler for the Message type.
func (m *Message) UnmarshalJSON(data []byte) error {
	probe := struct {
		Id     *RequestId       `json:"id"`
		Method string           `json:"method"`
		Error  *Error           `json:"error"`
		Result *json.RawMessage `json:"result"`
	}{}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch {
	case probe.Method != "" && probe.Id != nil:
		request := &Request{}
		if err := json.Unmarshal(data, request); err != nil {
			return err
		}
		m.Type = MessageTypeRequest
		m.JsonRpcRequest = request
	case probe.Method != "":
		notification := &Notification{}
		if err := json.Unmarshal(data, notification); err != nil {
			return err
		}
		m.Type = MessageTypeNotification
		m.JsonRpcNotification = notification
	default:
		// No method means a response; a parse error reply arrives here with a
		// null id.
		response := &Response{}
		if err := json.Unmarshal(data, response); err != nil {
			return err
		}
		if response.Error != nil {
			m.Type = MessageTypeError
			m.JsonRpcError = response.Error
		} else {
			m.Type = MessageTypeResponse
		}
		m.JsonRpcResponse = response
	}
	return nil
}

// NewNotificationMessage creates a new JSON-RPC message of type Notification.
func NewNotificationMessage(notification *Notification) *Message {
	return &Message{
		Type:                MessageTypeNotification,
		JsonRpcNotification: notification,
	}
}

// NewRequestMessage creates a new JSON-RPC message of type Request.
func NewRequestMessage(request *Request) *Message {
	return &Message{
		Type:           MessageTypeRequest,
		JsonRpcRequest: request,
	}
}

// NewResponseMessage creates a new JSON-RPC message of type Response.
func NewResponseMessage(response *Response) *Message {
	if response.Error != nil {
		return &Message{
			Type:            MessageTypeError,
			JsonRpcResponse: response,
			JsonRpcError:    response.Error,
		}
	}
	return &Message{
		Type:            MessageTypeResponse,
		JsonRpcResponse: response,
	}
}

// NewErrorMessage creates a new JSON-RPC message of type Error.
func NewErrorMessage(requestId RequestId, error *Error) *Message {
	return &Message{
		Type:            MessageTypeError,
		JsonRpcResponse: NewErrorResponse(requestId, error),
		JsonRpcError:    error,
	}
}
