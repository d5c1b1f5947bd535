package mcpstdio

import (
	"encoding/json"
	"errors"
	"fmt"
)

// rpcRequest and rpcResponse use json.Number-compatible `any` ids because
// the JSON-RPC 2.0 spec allows either an integer or a string id; the
// manager assigns its own monotonically increasing integer ids for
// requests it originates, and preserves whatever id a server echoes back,
// correlating purely by id equality.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      any    `json:"id,omitempty"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

func (e *rpcError) callerError() *Error {
	if e == nil {
		return nil
	}
	return &Error{Code: e.Code, Message: e.Message}
}

type toolsCallResult struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError"`
}

type toolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type contentItem struct {
	Type     string  `json:"type"`
	Text     *string `json:"text"`
	MimeType *string `json:"mimeType"`
}

func (c contentItem) text() string {
	if c.Text == nil {
		return ""
	}
	return *c.Text
}

// normalizeToolResult flattens the MCP content-array response into a single
// JSON payload, preferring structured JSON when the server tags the first
// content item "application/json".
func normalizeToolResult(result toolsCallResult) (CallResponse, error) {
	if len(result.Content) == 0 {
		return CallResponse{}, errors.New("mcpstdio: empty tool response")
	}
	item := result.Content[0]
	var payload, structured json.RawMessage
	if item.Text != nil {
		textBytes := []byte(*item.Text)
		if json.Valid(textBytes) {
			payload = append(json.RawMessage(nil), textBytes...)
			if item.MimeType != nil && *item.MimeType == "application/json" {
				structured = append(json.RawMessage(nil), textBytes...)
			}
		} else {
			marshaled, err := json.Marshal(*item.Text)
			if err != nil {
				return CallResponse{}, err
			}
			payload = marshaled
		}
	}
	if len(payload) == 0 {
		text := item.text()
		if text == "" {
			return CallResponse{}, errors.New("mcpstdio: tool returned no content")
		}
		marshaled, err := json.Marshal(text)
		if err != nil {
			return CallResponse{}, err
		}
		payload = marshaled
	}
	if structured == nil && json.Valid(payload) {
		structured = append(json.RawMessage(nil), payload...)
	}
	return CallResponse{Result: payload, Structured: structured}, nil
}

// normalizeID renders a JSON-RPC id (int or string, per spec) as a map key
// so requests this manager originates (integer ids) and ids a server may
// echo back as a JSON number or string both correlate correctly.
func normalizeID(id any) string {
	switch v := id.(type) {
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprint(v)
	}
}
