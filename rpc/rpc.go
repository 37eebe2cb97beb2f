// Package rpc implements the line-delimited JSON-RPC 2.0 envelope the
// management interface speaks (spec §6 "Management RPC"), scoped to the
// wire/dispatch contract: batch handling, notification-vs-call
// semantics, and the domain error-code ranges. Handler bodies for the
// specific verbs (admin_server_start_drain, etc.) are out of scope (spec
// §1) — callers register their own via Handle. Grounded on
// original_source/include/mgmt/rpc/jsonrpc/JsonRPC.h's named-handler
// registration shape and mgmt2/rpc/handlers/*'s per-domain error
// ranges.
package rpc

import (
	"encoding/json"
	"errors"
)

// Error codes (spec §6): JSON-RPC standard codes plus domain ranges
// (1xxx config, 2xxx record, 3xxx server, 4xxx storage, 5xxx plugin).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeEmptyID is the domain code for an empty-string id (spec §8
	// boundary behaviour: "a JSON-RPC request with empty string id
	// returns error code 11").
	CodeEmptyID = 11
)

// Request is one JSON-RPC 2.0 request object. ID is json.RawMessage so
// "13", 13, and null/absent are all distinguishable (spec §9 open
// question: the source's strict/lenient inconsistency around id type).
// validateID rejects an empty-string id and an explicit null id; any
// other JSON value is accepted as the id without a type check.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether this request omits id (spec §6:
// "notifications omit id").
func (r *Request) IsNotification() bool { return len(r.ID) == 0 }

// ErrorObject is the JSON-RPC error shape.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is one JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Handler processes one method's params and returns a result (marshaled
// to JSON) or an error.
type Handler func(params json.RawMessage) (result any, err error)

// HandlerError lets a Handler specify a domain error code/message
// explicitly instead of always mapping to CodeInternalError.
type HandlerError struct {
	Code    int
	Message string
}

func (e *HandlerError) Error() string { return e.Message }

// Dispatcher routes named methods to Handlers.
type Dispatcher struct {
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher { return &Dispatcher{handlers: make(map[string]Handler)} }

// Handle registers a method handler, the Go analogue of
// rpc::add_method_handler.
func (d *Dispatcher) Handle(method string, h Handler) { d.handlers[method] = h }

// HandleLine dispatches one line of input: either a single request
// object or a batch array, per spec §6/§8. A malformed line yields a
// single ParseError response. An empty batch returns a single
// "Invalid Request" error, not an empty array (spec §8 boundary
// behaviour).
func (d *Dispatcher) HandleLine(line []byte) []byte {
	trimmed := trimSpace(line)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return d.handleBatch(trimmed)
	}
	return d.handleSingle(trimmed)
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func (d *Dispatcher) handleBatch(raw []byte) []byte {
	var reqs []json.RawMessage
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return mustMarshal(errorResponse(nil, CodeParseError, "Parse error"))
	}
	if len(reqs) == 0 {
		return mustMarshal(errorResponse(nil, CodeInvalidRequest, "Invalid Request"))
	}

	var out []Response
	for _, rr := range reqs {
		resp := d.process(rr)
		if resp != nil {
			out = append(out, *resp)
		}
	}
	if out == nil {
		return nil // every entry was a notification
	}
	return mustMarshal(out)
}

func (d *Dispatcher) handleSingle(raw []byte) []byte {
	if !json.Valid(raw) {
		return mustMarshal(errorResponse(nil, CodeParseError, "Parse error"))
	}
	resp := d.process(raw)
	if resp == nil {
		return nil
	}
	return mustMarshal(resp)
}

// process validates and dispatches one request object, returning nil for
// a well-formed notification (no reply expected).
func (d *Dispatcher) process(raw json.RawMessage) *Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, CodeInvalidRequest, "Invalid Request")
	}

	if err := validateID(req.ID); err != nil {
		var he *HandlerError
		if errors.As(err, &he) {
			return errorResponse(req.ID, he.Code, he.Message)
		}
		return errorResponse(req.ID, CodeInvalidRequest, err.Error())
	}

	h, ok := d.handlers[req.Method]
	if !ok {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeMethodNotFound, "Method not found")
	}

	result, err := h(req.Params)
	if req.IsNotification() {
		return nil // notifications never receive a reply, even on error
	}
	if err != nil {
		var he *HandlerError
		if errors.As(err, &he) {
			return errorResponse(req.ID, he.Code, he.Message)
		}
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}

	resultJSON, merr := json.Marshal(result)
	if merr != nil {
		return errorResponse(req.ID, CodeInternalError, merr.Error())
	}
	return &Response{JSONRPC: "2.0", Result: resultJSON, ID: req.ID}
}

// validateID rejects an empty-string or explicit-null id (spec §6: "IDs
// of empty string or null are rejected"). An absent id (the field
// omitted entirely) is not rejected here — that's the notification
// case, handled separately by IsNotification.
func validateID(id json.RawMessage) error {
	if len(id) == 0 {
		return nil // field omitted: notification, not a malformed id
	}
	if string(id) == `""` {
		return &HandlerError{Code: CodeEmptyID, Message: "Use of an empty string as id is discouraged"}
	}
	if string(id) == "null" {
		return &HandlerError{Code: CodeInvalidRequest, Message: "Use of null as id is discouraged"}
	}
	return nil
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", Error: &ErrorObject{Code: code, Message: msg}, ID: id}
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(errorResponse(nil, CodeInternalError, err.Error()))
	}
	return b
}
