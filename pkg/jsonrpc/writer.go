package jsonrpc

import (
	"encoding/json"

	orderedjson "github.com/nspcc-dev/go-ordered-json"
)

// Writer builds JSON-RPC response (or request) documents. Error and result are
// mutually exclusive, setting one of them clears the other. It's not
// thread-safe.
type Writer struct {
	id     json.RawMessage
	method string
	params any
	err    *Error
	result any
	doc    orderedjson.OrderedObject
	hasDoc bool
}

// SetID sets raw identifier of the document, nil ID is rendered as null.
func (w *Writer) SetID(id json.RawMessage) {
	w.id = id
}

// ID returns identifier set with SetID.
func (w *Writer) ID() json.RawMessage {
	return w.id
}

// SetMethod sets the method name, it's only needed for requests.
func (w *Writer) SetMethod(method string) {
	w.method = method
}

// SetParams sets request parameters, it's only needed for requests.
func (w *Writer) SetParams(params any) {
	w.params = params
}

// SetError sets an error and drops any result set previously.
func (w *Writer) SetError(code int64, message string) {
	w.SetErrorObject(NewError(code, 0, message, ""))
}

// SetErrorObject is the same as SetError, but accepts an existing error.
func (w *Writer) SetErrorObject(e *Error) {
	w.err = e
	w.result = nil
	w.doc = nil
	w.hasDoc = false
}

// Error returns the error set, if any.
func (w *Writer) Error() *Error {
	return w.err
}

// SetResult sets the result and drops any error set previously.
func (w *Writer) SetResult(v any) {
	w.err = nil
	w.result = v
	w.doc = nil
	w.hasDoc = false
}

// Doc returns mutable result document. Handlers building structured payloads
// append members to it directly, the document replaces any result or error
// set before.
func (w *Writer) Doc() *orderedjson.OrderedObject {
	if !w.hasDoc {
		w.err = nil
		w.result = nil
		w.doc = orderedjson.OrderedObject{}
		w.hasDoc = true
	}
	return &w.doc
}

// Set appends (or replaces) a member of the result document.
func (w *Writer) Set(key string, value any) {
	doc := w.Doc()
	for i := range *doc {
		if (*doc)[i].Key == key {
			(*doc)[i].Value = value
			return
		}
	}
	*doc = append(*doc, orderedjson.Member{Key: key, Value: value})
}

// HasResult reports whether either result or error is set.
func (w *Writer) HasResult() bool {
	return w.err != nil || w.result != nil || w.hasDoc
}

// Stringify serializes the document. Documents with the method set are
// rendered as requests, everything else as responses. Serialization failures
// of the result are reported as internal errors.
func (w *Writer) Stringify() []byte {
	if w.method != "" {
		req := Request{
			JSONRPC: JSONRPCVersion,
			Method:  w.method,
			Params:  w.params,
			ID:      w.id,
		}
		b, err := req.Bytes()
		if err == nil {
			return b
		}
		return w.internal(err)
	}
	var resp = struct {
		HeaderAndError
		Result any `json:"result,omitempty"`
	}{
		HeaderAndError: HeaderAndError{
			Header: Header{ID: w.id, JSONRPC: JSONRPCVersion},
			Error:  w.err,
		},
	}
	switch {
	case w.err != nil:
	case w.hasDoc:
		resp.Result = w.doc
	case w.result != nil:
		resp.Result = w.result
	default:
		resp.Result = json.RawMessage("null")
	}
	b, err := orderedjson.Marshal(resp)
	if err != nil {
		return w.internal(err)
	}
	return b
}

func (w *Writer) internal(err error) []byte {
	b, _ := orderedjson.Marshal(HeaderAndError{
		Header: Header{ID: w.id, JSONRPC: JSONRPCVersion},
		Error:  WrapErrorWithData(NewInternalServerError("Internal error"), err.Error()),
	})
	return b
}
