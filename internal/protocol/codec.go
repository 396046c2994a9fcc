package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeRequest serializes a Request into a single frame payload (no framing).
// Returns an error if the request is invalid or marshaling fails.
func EncodeRequest(req *Request) ([]byte, error) {
	if req.Protocol != Version {
		return nil, fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("request missing required field: command")
	}
	if req.ID == 0 {
		return nil, fmt.Errorf("request missing required field: id")
	}
	if req.Args == nil {
		req.Args = []any{}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// DecodeRequest parses a frame written by EncodeRequest. Used by backends.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(data), &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Command == "" {
		return nil, fmt.Errorf("request missing required field: command")
	}
	return &req, nil
}

// DecodeResponse parses and validates a single frame payload.
// Unknown fields are tolerated so backends can add diagnostics.
func DecodeResponse(data []byte) (*Response, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty response frame")
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}

	if resp.ID == nil {
		return nil, fmt.Errorf("response missing required field: id")
	}
	if resp.Status == "" {
		return nil, fmt.Errorf("response missing required field: status")
	}
	if resp.Status != StatusOK && resp.Status != StatusError {
		return nil, fmt.Errorf("invalid status value: %q (must be 'ok' or 'error')", resp.Status)
	}
	if resp.Status == StatusError && (resp.Error == nil || resp.Error.Message == "") {
		return nil, fmt.Errorf("response has status=error but no error message")
	}

	return &resp, nil
}

// EncodeResponse serializes a Response. Used by backends and test doubles.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return data, nil
}

// OK builds a success response for token carrying result.
func OK(token uint64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{ID: &token, Status: StatusOK, Result: raw}, nil
}

// Fail builds an error response for token.
func Fail(token uint64, kind, message string) *Response {
	return &Response{ID: &token, Status: StatusError, Error: &ErrorBody{Kind: kind, Message: message}}
}
