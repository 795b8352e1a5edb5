/*
Package jsonrpc contains a set of types used for JSON-RPC communication between
nodes. It defines basic request/response types, a request reader used by the
dispatcher and a response writer used by handlers, as well as a set of errors.
*/
package jsonrpc

import (
	"encoding/json"

	orderedjson "github.com/nspcc-dev/go-ordered-json"
)

// JSONRPCVersion is the only JSON-RPC protocol version supported.
const JSONRPCVersion = "2.0"

type (
	// Request represents JSON-RPC request. Params can be anything that can be
	// marshaled to JSON, the node itself uses named parameters (objects).
	Request struct {
		// JSONRPC is the protocol version, only valid when it contains JSONRPCVersion.
		JSONRPC string `json:"jsonrpc"`
		// Method is the method being called.
		Method string `json:"method"`
		// Params is a set of method-specific parameters passed to the call.
		Params any `json:"params,omitempty"`
		// ID is an identifier associated with this request, absent for
		// notifications.
		ID json.RawMessage `json:"id,omitempty"`
	}

	// Header is a generic JSON-RPC 2.0 response header (ID and JSON-RPC version).
	Header struct {
		ID      json.RawMessage `json:"id"`
		JSONRPC string          `json:"jsonrpc"`
	}

	// HeaderAndError adds an Error (that can be empty) to the Header, it's used
	// to construct type-specific responses.
	HeaderAndError struct {
		Header
		Error *Error `json:"error,omitempty"`
	}

	// Response represents a standard raw JSON-RPC 2.0
	// response: http://www.jsonrpc.org/specification#response_object.
	Response struct {
		HeaderAndError
		Result json.RawMessage `json:"result,omitempty"`
	}
)

// Bytes returns JSON representation of the request. Ordered objects
// (see github.com/nspcc-dev/go-ordered-json) used as params keep their key
// order.
func (r *Request) Bytes() ([]byte, error) {
	if r.JSONRPC == "" {
		r.JSONRPC = JSONRPCVersion
	}
	return orderedjson.Marshal(r)
}

// NewID returns raw JSON representation of the numeric identifier.
func NewID(id uint64) json.RawMessage {
	b, _ := json.Marshal(id) // Never fails for integers.
	return b
}
