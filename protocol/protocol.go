// Package protocol implements the wire-level pieces of the Electrum JSON-RPC
// dialect: building request frames, parsing inbound statements, and the
// constants both sides agree on. It holds no state and none of its functions
// can fail on well-formed input.
package protocol

import (
	"encoding/json"
	"regexp"
)

// StatementDelimiter separates statements on the wire. Electrum frames are
// newline-terminated JSON values, never length-prefixed.
const StatementDelimiter = "\n"

// VersionRegex validates a protocol version string such as "1.4.1".
var VersionRegex = regexp.MustCompile(`^\d+(\.\d+)+$`)

// KeepAliveID is the sentinel request id used for server.ping keep-alive
// requests. A statement carrying this id is recognized and silently
// discarded by the Client rather than routed to a pending request.
const KeepAliveID = "keepAlive"

// VersionNegotiationID is the request id used for the server.version
// handshake call.
const VersionNegotiationID = "versionNegotiation"

// Request is the shape of an outbound frame. No "jsonrpc" field is included:
// some Electrum servers disconnect clients that advertise "jsonrpc":"2.0"
// incorrectly, so omitting it entirely is the portable choice.
type Request struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     interface{}   `json:"id"`
}

// BuildRequest serializes a method call into a single wire frame, without a
// trailing delimiter (the caller appends StatementDelimiter when writing to
// the socket).
func BuildRequest(method string, params []interface{}, id interface{}) (string, error) {
	req := Request{
		Method: method,
		Params: params,
		ID:     id,
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}

// RPCError is the error object a server attaches to a failed request. The
// Extra field preserves any additional properties beyond "message" so that
// applications can see the whole object rather than just its human-readable
// summary. The Cluster's canonical-form comparison does not use it: a peer
// that answers with an error object counts as not agreeing.
type RPCError struct {
	Message string          `json:"message"`
	Extra   json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler, capturing the raw object in
// Extra in addition to decoding the well-known Message field.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	type alias RPCError
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	e.Message = a.Message
	e.Extra = append(json.RawMessage(nil), data...)

	return nil
}

// MarshalJSON implements json.Marshaler by returning the original object
// verbatim when available, falling back to {"message": ...} otherwise.
func (e RPCError) MarshalJSON() ([]byte, error) {
	if len(e.Extra) > 0 {
		return e.Extra, nil
	}

	type alias RPCError
	return json.Marshal(alias{Message: e.Message})
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Statement is the decoded form of a single inbound wire frame. Exactly one
// of the following is true of a well-formed statement:
//   - it is a response: ID is non-nil and one of Result/Error is set.
//   - it is a notification: Method is non-empty and ID is nil.
type Statement struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether this statement is server-initiated, i.e.
// carries no id.
func (s *Statement) IsNotification() bool {
	return s.ID == nil && s.Method != ""
}

// IsKeepAlive reports whether this statement is the response to a
// server.ping keep-alive request, identified by its sentinel id.
func (s *Statement) IsKeepAlive() bool {
	id, ok := s.ID.(string)
	return ok && id == KeepAliveID
}

// ParseStatements decodes a single raw wire statement. An inbound value may
// be a JSON object (a single response or notification) or a JSON array (a
// batch of responses); ParseStatements normalizes both shapes into a slice
// of individually-routable Statements.
func ParseStatements(raw []byte) ([]Statement, error) {
	trimmed := trimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var batch []Statement
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	var single Statement
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}

	return []Statement{single}, nil
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

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
