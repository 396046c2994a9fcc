package protocol

import (
	"strings"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "valid ping request",
			req: &Request{
				Protocol: 1,
				ID:       7,
				Command:  "ping",
			},
			wantErr: false,
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"protocol":1`) {
					t.Error("missing protocol field")
				}
				if !strings.Contains(output, `"id":7`) {
					t.Error("missing id field")
				}
				if !strings.Contains(output, `"args":[]`) {
					t.Error("nil args should encode as an empty array")
				}
				if strings.Contains(output, "\n") {
					t.Error("payload must not contain a newline")
				}
			},
		},
		{
			name: "request with args",
			req: &Request{
				Protocol: 1,
				ID:       8,
				Command:  "set_preset",
				Args:     []any{map[string]any{"preset": "Deep 50/10"}},
			},
			wantErr: false,
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"args":[{"preset":"Deep 50/10"}]`) {
					t.Errorf("args not encoded: %s", output)
				}
			},
		},
		{
			name:    "unsupported protocol version",
			req:     &Request{Protocol: 2, ID: 1, Command: "ping"},
			wantErr: true,
		},
		{
			name:    "missing command",
			req:     &Request{Protocol: 1, ID: 1},
			wantErr: true,
		},
		{
			name:    "zero token",
			req:     &Request{Protocol: 1, Command: "ping"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := EncodeRequest(tt.req)

			if (err != nil) != tt.wantErr {
				t.Errorf("EncodeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, string(out))
			}
		})
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		checkFn func(t *testing.T, resp *Response)
	}{
		{
			name:    "valid ok response",
			input:   `{"id":3,"status":"ok","result":"pong"}`,
			wantErr: false,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Token() != 3 {
					t.Errorf("want token 3, got %d", resp.Token())
				}
				if string(resp.Result) != `"pong"` {
					t.Errorf("result not preserved: %s", resp.Result)
				}
			},
		},
		{
			name:    "valid error response",
			input:   `{"id":4,"status":"error","error":{"kind":"unknown_command","message":"Unknown action: fly"}}`,
			wantErr: false,
			checkFn: func(t *testing.T, resp *Response) {
				if resp.Error.Message != "Unknown action: fly" {
					t.Errorf("want error message, got %q", resp.Error.Message)
				}
			},
		},
		{
			name:    "unknown fields tolerated",
			input:   `{"id":5,"status":"ok","elapsed_ms":12}`,
			wantErr: false,
		},
		{
			name:    "trailing whitespace",
			input:   "{\"id\":6,\"status\":\"ok\"}\r\n",
			wantErr: false,
		},
		{
			name:    "missing id",
			input:   `{"status":"ok"}`,
			wantErr: true,
		},
		{
			name:    "missing status",
			input:   `{"id":1}`,
			wantErr: true,
		},
		{
			name:    "invalid status value",
			input:   `{"id":1,"status":"maybe"}`,
			wantErr: true,
		},
		{
			name:    "error status without message",
			input:   `{"id":1,"status":"error"}`,
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `{not json}`,
			wantErr: true,
		},
		{
			name:    "empty input",
			input:   ``,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse([]byte(tt.input))

			if (err != nil) != tt.wantErr {
				t.Errorf("DecodeResponse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, resp)
			}
		})
	}
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"protocol":1,"id":9,"command":"$/cancel","args":[4]}`))
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if req.Command != CancelCommand || req.ID != 9 || len(req.Args) != 1 {
		t.Errorf("unexpected request: %+v", req)
	}

	if _, err := DecodeRequest([]byte(`{"id":1}`)); err == nil {
		t.Error("expected error for request without command")
	}
}

func TestOKAndFail(t *testing.T) {
	resp, err := OK(11, map[string]any{"running": true})
	if err != nil {
		t.Fatalf("OK: %v", err)
	}
	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	back, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if back.Token() != 11 || string(back.Result) != `{"running":true}` {
		t.Errorf("unexpected response: %s", data)
	}

	failed := Fail(12, "unknown_command", "nope")
	if failed.Status != StatusError || failed.Error.Kind != "unknown_command" {
		t.Errorf("unexpected failure response: %+v", failed)
	}
}
