package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Reader parses incoming JSON-RPC request bodies. It's not thread-safe, every
// request is supposed to have its own Reader.
type Reader struct {
	raw struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		ID      json.RawMessage `json:"id"`
	}
	named    map[string]json.RawMessage
	parseErr *Error
}

// Parse decodes the given body. It returns false if the body is not a JSON
// object, the error can then be retrieved with ParseError.
func (r *Reader) Parse(body []byte) bool {
	r.named = nil
	r.parseErr = nil
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		r.parseErr = NewParseError("empty body")
		return false
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			r.parseErr = NewParseError("invalid JSON")
		} else {
			r.parseErr = NewInvalidRequestError("request is not a JSON object")
		}
		return false
	}
	if err := json.Unmarshal(trimmed, &r.raw); err != nil {
		r.parseErr = NewParseError(err.Error())
		return false
	}
	return true
}

// ParseError returns the error of the last Parse call, nil if it succeeded.
func (r *Reader) ParseError() *Error {
	return r.parseErr
}

// Method returns the method name of the request.
func (r *Reader) Method() string {
	return r.raw.Method
}

// ID returns raw request identifier, nil if there is none.
func (r *Reader) ID() json.RawMessage {
	if len(r.raw.ID) == 0 || string(r.raw.ID) == "null" {
		return nil
	}
	return r.raw.ID
}

// Version returns the "jsonrpc" field of the request.
func (r *Reader) Version() string {
	return r.raw.JSONRPC
}

// Params returns raw request parameters.
func (r *Reader) Params() json.RawMessage {
	return r.raw.Params
}

// Param returns raw named parameter. Only object params have names.
func (r *Reader) Param(name string) (json.RawMessage, bool) {
	if r.named == nil {
		if len(r.raw.Params) == 0 || bytes.TrimSpace(r.raw.Params)[0] != '{' {
			return nil, false
		}
		r.named = make(map[string]json.RawMessage)
		if err := json.Unmarshal(r.raw.Params, &r.named); err != nil {
			return nil, false
		}
	}
	v, ok := r.named[name]
	return v, ok
}

// ParamString returns named string parameter. Numbers are returned in their
// textual form.
func (r *Reader) ParamString(name string) (string, bool) {
	raw, ok := r.Param(name)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// ParamUint returns named unsigned integer parameter. String values (like
// the ones coming from GET query) are accepted if they contain a decimal or
// 0x-prefixed hexadecimal number.
func (r *Reader) ParamUint(name string) (uint64, bool) {
	s, ok := r.ParamString(name)
	if !ok {
		return 0, false
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
