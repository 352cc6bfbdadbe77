package gateway

import "fmt"

// Result is the normalized outcome of one gateway call. OK is false for any
// gateway rejection, network failure, timeout or malformed response; Reason
// then carries a short description and Raw the response body, if any.
type Result[T any] struct {
	OK         bool
	Value      T
	Reason     string
	StatusCode int
	Raw        []byte
	Err        error
}

func succeeded[T any](v T, status int, raw []byte) Result[T] {
	return Result[T]{OK: true, Value: v, StatusCode: status, Raw: raw}
}

func failed[T any](reason string, status int, raw []byte, err error) Result[T] {
	return Result[T]{Reason: reason, StatusCode: status, Raw: raw, Err: err}
}

func (r Result[T]) String() string {
	if r.OK {
		return fmt.Sprintf("ok (status %d)", r.StatusCode)
	}
	if r.StatusCode != 0 {
		return fmt.Sprintf("failed (status %d): %s", r.StatusCode, r.Reason)
	}
	return "failed: " + r.Reason
}

// fault is the error body the gateway returns on 4xx/5xx responses.
type fault struct {
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
	Response *struct {
		Rmsg string `json:"rmsg"`
	} `json:"response,omitempty"`
	Details []struct {
		Field  string `json:"field"`
		Reason string `json:"reason"`
	} `json:"details,omitempty"`
}

func (f *fault) describe() string {
	var s string
	switch {
	case f.Reason != "" && f.Message != "":
		s = f.Reason + ": " + f.Message
	case f.Message != "":
		s = f.Message
	case f.Reason != "":
		s = f.Reason
	case f.Response != nil && f.Response.Rmsg != "":
		s = f.Response.Rmsg
	case f.Status != "":
		s = f.Status
	}
	for _, d := range f.Details {
		s += fmt.Sprintf(" [%s %s]", d.Field, d.Reason)
	}
	return s
}
