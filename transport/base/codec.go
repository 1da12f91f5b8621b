package base

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/viant/mcprpc"
)

// MessageType classifies a raw frame without fully decoding it. Frames with a
// method are requests or notifications depending on id presence; everything
// else is a response, error replies with a null id included.
func MessageType(data []byte) mcprpc.MessageType {
	probe := struct {
		Id     *mcprpc.RequestId `json:"id"`
		Method string            `json:"method"`
		Error  *mcprpc.Error     `json:"error"`
	}{}
	_ = json.Unmarshal(data, &probe)
	switch {
	case probe.Method != "" && probe.Id != nil:
		return mcprpc.MessageTypeRequest
	case probe.Method != "":
		return mcprpc.MessageTypeNotification
	case probe.Error != nil:
		return mcprpc.MessageTypeError
	}
	return mcprpc.MessageTypeResponse
}

// Decode parses a single JSON-RPC message of any type.
func Decode(data []byte) (*mcprpc.Message, error) {
	message := &mcprpc.Message{}
	switch MessageType(data) {
	case mcprpc.MessageTypeRequest:
		request := &mcprpc.Request{}
		if err := json.Unmarshal(data, request); err != nil {
			return nil, fmt.Errorf("failed to parse request: %w", err)
		}
		message.Type = mcprpc.MessageTypeRequest
		message.JsonRpcRequest = request
	case mcprpc.MessageTypeNotification:
		notification := &mcprpc.Notification{}
		if err := json.Unmarshal(data, notification); err != nil {
			return nil, fmt.Errorf("failed to parse notification: %w", err)
		}
		message.Type = mcprpc.MessageTypeNotification
		message.JsonRpcNotification = notification
	default:
		response := &mcprpc.Response{}
		if err := json.Unmarshal(data, response); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return mcprpc.NewResponseMessage(response), nil
	}
	return message, nil
}

// DecodeBatch parses either a single message or a JSON array of messages.
func DecodeBatch(data []byte) (mcprpc.Batch, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	if trimmed[0] != '[' {
		message, err := Decode(data)
		if err != nil {
			return nil, err
		}
		return mcprpc.Batch{message}, nil
	}
	var batch mcprpc.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to parse batch: %w", err)
	}
	return batch, nil
}
