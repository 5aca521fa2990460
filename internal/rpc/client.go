// Package rpc is the HTTP JSON-RPC transport used for getwork and
// getblocktemplate pools. Unlike a generic node client it exposes the
// response headers pools use to advertise longpoll, ntime rolling and
// stratum endpoints.
package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/jsonx"
)

// UserAgent is sent with every request
var UserAgent = "gominer/0.3"

var nextID atomic.Uint64

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	Result jsonx.RawMessage `json:"result"`
	Error  *Error           `json:"error"`
	ID     any              `json:"id"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call describes one request
type Call struct {
	URL    string
	User   string
	Pass   string
	Method string
	Params any

	// Longpoll disables the request timeout; cancellation comes from ctx only.
	Longpoll bool
}

// Reply is a decoded response together with the headers pools care about
type Reply struct {
	Result   jsonx.RawMessage
	Error    *Error
	Header   http.Header
	Elapsed  time.Duration
	RollTime time.Duration
	CanRoll  bool
	LPPath   string
	Stratum  string
}

// Null reports whether the result is JSON null or missing
func (r *Reply) Null() bool {
	s := strings.TrimSpace(string(r.Result))
	return s == "" || s == "null"
}

// Do performs the call on conn. Transport and HTTP failures are network
// errors; a JSON-RPC error object is returned in Reply.Error without an error.
func (c *Conn) Do(ctx context.Context, call Call) (*Reply, error) {
	body, err := jsonx.Marshal(request{
		ID:     nextID.Add(1),
		Method: call.Method,
		Params: call.Params,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "rpc_encode", call.Method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "rpc_request", "bad pool url")
	}
	if call.User != "" || call.Pass != "" {
		req.SetBasicAuth(call.User, call.Pass)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("X-Mining-Extensions", "longpoll midstate rollntime submitold")
	req.Header.Set("X-Mining-Hashrate", "0")

	client := c.client
	if call.Longpoll {
		client = c.lpClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	c.touch(start)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_call", call.Method)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "rpc_read", call.Method)
	}
	elapsed := time.Since(start)

	var decoded response
	decodeErr := jsonx.Unmarshal(data, &decoded)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && decoded.Error != nil {
			return replyFrom(resp.Header, decoded, elapsed), nil
		}
		return nil, errors.New(errors.ErrorTypeNetwork, "rpc_call",
			fmt.Sprintf("http status %s", resp.Status)).WithContext("method", call.Method)
	}
	if decodeErr != nil {
		return nil, errors.Wrap(decodeErr, errors.ErrorTypeProtocol, "rpc_decode", call.Method)
	}

	return replyFrom(resp.Header, decoded, elapsed), nil
}

func replyFrom(h http.Header, r response, elapsed time.Duration) *Reply {
	rt, roll := ParseRollTime(h)
	return &Reply{
		Result:   r.Result,
		Error:    r.Error,
		Header:   h,
		Elapsed:  elapsed,
		RollTime: rt,
		CanRoll:  roll,
		LPPath:   h.Get("X-Long-Polling"),
		Stratum:  h.Get("X-Stratum"),
	}
}

// DefaultRollTime applies when a pool sends X-Roll-NTime without an expiry
const DefaultRollTime = 60 * time.Second

// ParseRollTime reads X-Roll-NTime. "Y" enables rolling for the default
// period, "expire=N" for N seconds.
func ParseRollTime(h http.Header) (time.Duration, bool) {
	v := strings.TrimSpace(h.Get("X-Roll-NTime"))
	if v == "" {
		return 0, false
	}
	if strings.EqualFold(v, "Y") {
		return DefaultRollTime, true
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(v), "expire="); ok {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || n <= 0 {
			return 0, false
		}
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// ResolveURL resolves a longpoll path or uri against the pool's rpc url
func ResolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	resolved := b.ResolveReference(r)
	if r.User == nil {
		resolved.User = b.User
	}
	return resolved.String()
}

// StratumURL normalises an X-Stratum header value into a stratum+tcp url
func StratumURL(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if strings.Contains(v, "://") {
		return v
	}
	return "stratum+tcp://" + v
}
