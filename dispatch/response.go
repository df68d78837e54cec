package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nostria/signer/activation"
)

// Error codes sent back to clients.
const (
	CodeBadRequest       = 400
	CodeUnauthorized     = 401
	CodePermissionDenied = 403
	CodeInternal         = 500
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrBadRequest        = errors.New("invalid parameters")
	ErrUnsupportedMethod = errors.New("unsupported method")
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Response carries either Result or Error. On the wire the other one is null.
type Response struct {
	ID     string
	Result string
	Error  *Error
}

type wireResponse struct {
	ID     string  `json:"id"`
	Result *string `json:"result"`
	Error  *Error  `json:"error"`
}

func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{ID: r.ID, Error: r.Error}
	if r.Error == nil {
		w.Result = &r.Result
	}
	return json.Marshal(w)
}

func (r *Response) UnmarshalJSON(b []byte) error {
	var w wireResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	r.ID = w.ID
	r.Error = w.Error
	r.Result = ""
	if w.Result != nil {
		r.Result = *w.Result
	}
	return nil
}

func (r Response) String() string {
	j, _ := json.Marshal(r)
	return string(j)
}

// toError maps a handler error to what the client is told.
func toError(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, activation.ErrUnauthorized):
		return &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	case errors.Is(err, ErrPermissionDenied):
		return &Error{Code: CodePermissionDenied, Message: err.Error()}
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrUnsupportedMethod):
		return &Error{Code: CodeBadRequest, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}
