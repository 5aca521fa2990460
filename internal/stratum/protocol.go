package stratum

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/pkg/jsonx"
)

// Message is one line received from a stratum server. Params, Result and
// Error are decoded lazily because their shape depends on the method.
type Message struct {
	ID     any              `json:"id"`
	Method string           `json:"method,omitempty"`
	Params jsonx.RawMessage `json:"params,omitempty"`
	Result jsonx.RawMessage `json:"result,omitempty"`
	Error  jsonx.RawMessage `json:"error,omitempty"`
}

// Request is one line sent to a stratum server
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// Response answers a server-initiated request such as client.get_version
type Response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Subscription is the result of mining.subscribe
type Subscription struct {
	SessionID string
	Nonce1    string
	N2Size    int
}

var jsonNull = []byte("null")

func isNull(raw jsonx.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := jsonx.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalRequest marshals a request to a newline terminated line
func MarshalRequest(req *Request) ([]byte, error) {
	data, err := jsonx.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(data, '\n'), nil
}

// IsResponse returns true if the message answers one of our requests
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the server initiated the message. Some
// server requests (client.get_version) carry an id and expect an answer.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// RequestID returns the numeric id of a response
func (m *Message) RequestID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		return uint64(v), v >= 0
	case uint64:
		return v, true
	case string:
		var id uint64
		if _, err := fmt.Sscan(v, &id); err != nil {
			return 0, false
		}
		return id, true
	}
	return 0, false
}

// Err decodes the error member. Servers send it as an object, as a
// [code, message, traceback] array, or as a bare string.
func (m *Message) Err() *Error {
	if isNull(m.Error) {
		return nil
	}

	var obj Error
	if err := jsonx.Unmarshal(m.Error, &obj); err == nil && (obj.Message != "" || obj.Code != 0) {
		return &obj
	}

	var arr []any
	if err := jsonx.Unmarshal(m.Error, &arr); err == nil {
		e := &Error{Code: ErrorOther}
		if len(arr) > 0 {
			if code, ok := arr[0].(float64); ok {
				e.Code = int(code)
			}
		}
		if len(arr) > 1 {
			if msg, ok := arr[1].(string); ok {
				e.Message = msg
			}
		}
		if len(arr) > 2 {
			e.Data = arr[2]
		}
		return e
	}

	var s string
	if err := jsonx.Unmarshal(m.Error, &s); err == nil {
		return &Error{Code: ErrorOther, Message: s}
	}
	return &Error{Code: ErrorOther, Message: string(m.Error)}
}

// ResultTrue reports whether the result member is the boolean true
func (m *Message) ResultTrue() bool {
	var ok bool
	if err := jsonx.Unmarshal(m.Result, &ok); err != nil {
		return false
	}
	return ok
}

func params(raw jsonx.RawMessage) ([]any, error) {
	var p []any
	if isNull(raw) {
		return nil, nil
	}
	if err := jsonx.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("params are not an array: %w", err)
	}
	return p, nil
}

func hexParam(p []any, i int, name string, size int) (string, error) {
	s, ok := p[i].(string)
	if !ok {
		return "", fmt.Errorf("%s must be string", name)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%s is not hex: %w", name, err)
	}
	if size > 0 && len(s) != size*2 {
		return "", fmt.Errorf("%s must be %d bytes, got %d", name, size, len(s)/2)
	}
	return s, nil
}

// ParseNotify parses mining.notify parameters into a job
func ParseNotify(raw jsonx.RawMessage) (pool.StratumJob, error) {
	var job pool.StratumJob
	p, err := params(raw)
	if err != nil {
		return job, err
	}
	if len(p) < 9 {
		return job, fmt.Errorf("insufficient parameters: %d", len(p))
	}

	switch id := p[0].(type) {
	case string:
		job.JobID = id
	case float64:
		job.JobID = fmt.Sprintf("%.0f", id)
	default:
		return job, fmt.Errorf("job_id must be string")
	}
	if job.PrevHash, err = hexParam(p, 1, "prevhash", 32); err != nil {
		return job, err
	}
	if job.Coinb1, err = hexParam(p, 2, "coinb1", 0); err != nil {
		return job, err
	}
	if job.Coinb2, err = hexParam(p, 3, "coinb2", 0); err != nil {
		return job, err
	}

	branch, ok := p[4].([]any)
	if !ok {
		return job, fmt.Errorf("merkle_branch must be array")
	}
	job.Merkle = make([]string, 0, len(branch))
	for i := range branch {
		h, err := hexParam(branch, i, "merkle_branch", 32)
		if err != nil {
			return job, err
		}
		job.Merkle = append(job.Merkle, h)
	}

	if job.Version, err = hexParam(p, 5, "version", 4); err != nil {
		return job, err
	}
	if job.NBits, err = hexParam(p, 6, "nbits", 4); err != nil {
		return job, err
	}
	if job.NTime, err = hexParam(p, 7, "ntime", 4); err != nil {
		return job, err
	}
	clean, ok := p[8].(bool)
	if !ok {
		return job, fmt.Errorf("clean_jobs must be bool")
	}
	job.Clean = clean
	return job, nil
}

// ParseSubscribe parses the mining.subscribe result
// [subscriptions, extranonce1, extranonce2_size]
func ParseSubscribe(raw jsonx.RawMessage) (*Subscription, error) {
	p, err := params(raw)
	if err != nil {
		return nil, err
	}
	if len(p) < 3 {
		return nil, fmt.Errorf("insufficient subscribe result: %d", len(p))
	}

	sub := &Subscription{SessionID: notifySession(p[0])}
	if sub.Nonce1, err = hexParam(p, 1, "extranonce1", 0); err != nil {
		return nil, err
	}
	n2, ok := p[2].(float64)
	if !ok {
		return nil, fmt.Errorf("extranonce2_size must be number")
	}
	sub.N2Size = int(n2)
	if sub.N2Size < 1 || sub.N2Size > 16 {
		return nil, fmt.Errorf("extranonce2_size out of range: %d", sub.N2Size)
	}
	return sub, nil
}

// notifySession extracts the mining.notify subscription id, which servers
// send either as one pair or as a list of pairs.
func notifySession(v any) string {
	arr, ok := v.([]any)
	if !ok {
		return ""
	}
	if len(arr) >= 2 {
		if name, ok := arr[0].(string); ok && name == "mining.notify" {
			id, _ := arr[1].(string)
			return id
		}
	}
	for _, e := range arr {
		if id := notifySession(e); id != "" {
			return id
		}
	}
	return ""
}

// ParseSetDifficulty parses mining.set_difficulty parameters
func ParseSetDifficulty(raw jsonx.RawMessage) (float64, error) {
	p, err := params(raw)
	if err != nil {
		return 0, err
	}
	if len(p) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}
	diff, ok := p[0].(float64)
	if !ok || diff <= 0 {
		return 0, fmt.Errorf("difficulty must be a positive number")
	}
	return diff, nil
}

// ParseReconnect parses client.reconnect parameters. Empty strings mean
// "same as before".
func ParseReconnect(raw jsonx.RawMessage) (host, port string, err error) {
	p, err := params(raw)
	if err != nil {
		return "", "", err
	}
	if len(p) > 0 {
		host, _ = p[0].(string)
	}
	if len(p) > 1 {
		switch v := p[1].(type) {
		case string:
			port = v
		case float64:
			port = fmt.Sprintf("%.0f", v)
		}
	}
	return host, port, nil
}

// ParseShowMessage parses client.show_message parameters
func ParseShowMessage(raw jsonx.RawMessage) (string, error) {
	p, err := params(raw)
	if err != nil {
		return "", err
	}
	if len(p) < 1 {
		return "", fmt.Errorf("insufficient parameters")
	}
	msg, ok := p[0].(string)
	if !ok {
		return "", fmt.Errorf("message must be string")
	}
	return msg, nil
}
