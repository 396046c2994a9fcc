package protocol

import "encoding/json"

// Version is the wire protocol version carried on every request.
const Version = 1

// CancelCommand is the default out-of-band command used to tell the backend a
// request was abandoned. Its single argument is the cancelled token.
const CancelCommand = "$/cancel"

// Status values carried by responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the envelope the host writes to the backend, one per frame.
type Request struct {
	Protocol int    `json:"protocol"`
	ID       uint64 `json:"id"`
	Command  string `json:"command"`
	Args     []any  `json:"args"`
}

// Response is the envelope the backend writes back, one per frame.
type Response struct {
	ID     *uint64         `json:"id"`
	Status string          `json:"status"` // ok | error
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the failure descriptor inside an error response.
type ErrorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Token returns the correlation token, or 0 if the response carries none.
func (r *Response) Token() uint64 {
	if r.ID == nil {
		return 0
	}
	return *r.ID
}
