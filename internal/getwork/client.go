// Package getwork talks to pools over HTTP JSON-RPC using either getwork or
// getblocktemplate, including longpoll and share submission.
package getwork

import (
	"context"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/rpc"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/jsonx"
	"github.com/bardlex/gominer/pkg/log"
)

var gbtCapabilities = []string{"coinbasetxn", "workid", "coinbase/append", "longpoll"}

// Result is a fetched unit together with the reply it came from
type Result struct {
	Unit     *work.Unit
	Reply    *rpc.Reply
	Template *btcjson.GetBlockTemplateResult
}

// Client fetches work from and submits shares to HTTP pools
type Client struct {
	algo     target.Algorithm
	coinbase CoinbaseConfig
	logger   *log.Logger
	now      func() time.Time
}

// NewClient creates a client for algo
func NewClient(algo target.Algorithm, cb CoinbaseConfig, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	jsonx.Pretouch(btcjson.GetBlockTemplateResult{}, getworkResult{})
	return &Client{
		algo:     algo,
		coinbase: cb,
		logger:   logger.WithComponent("getwork"),
		now:      time.Now,
	}
}

// call runs one request on a pooled connection behind the pool's breaker
func (c *Client) call(ctx context.Context, p *pool.Pool, url, method string, params any) (*rpc.Reply, error) {
	breaker := p.Breaker()
	if !breaker.Allow() {
		return nil, errors.New(errors.ErrorTypeNetwork, "getwork.call", "pool circuit open").
			WithContext("pool", p.Index())
	}

	conn, err := p.Conns().Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "getwork.call", "no connection available")
	}
	defer p.Conns().Put(conn)

	reply, err := conn.Do(ctx, rpc.Call{
		URL:    url,
		User:   p.User(),
		Pass:   p.Pass(),
		Method: method,
		Params: params,
	})
	if errors.IsType(err, errors.ErrorTypeNetwork) {
		breaker.Record(err)
	} else {
		breaker.Record(nil)
	}
	return reply, err
}

func (c *Client) templateParams(longpollID string) []any {
	return []any{btcjson.TemplateRequest{
		Mode:         "template",
		Capabilities: gbtCapabilities,
		Rules:        []string{"segwit"},
		LongPollID:   longpollID,
	}}
}

func (c *Client) decode(reply *rpc.Reply, p *pool.Pool, proto pool.Protocol, now time.Time) (*Result, error) {
	if reply.Error != nil {
		return nil, errors.Wrap(reply.Error, errors.ErrorTypeProtocol, "getwork.decode", "pool returned an error")
	}
	if reply.Null() {
		return nil, decodeErr("null result", nil)
	}

	res := &Result{Reply: reply}
	var err error
	if proto == pool.ProtoGBT {
		res.Unit, res.Template, err = DecodeTemplate(reply, p, c.algo, c.coinbase, now)
	} else {
		res.Unit, err = DecodeGetwork(reply, p, c.algo)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Fetch gets one unit of work using the pool's current protocol
func (c *Client) Fetch(ctx context.Context, p *pool.Pool) (*Result, error) {
	return c.fetch(ctx, p, p.Protocol(), p.URL(), "")
}

func (c *Client) fetch(ctx context.Context, p *pool.Pool, proto pool.Protocol, url, lpID string) (*Result, error) {
	start := c.now()

	var reply *rpc.Reply
	var err error
	switch proto {
	case pool.ProtoGBT:
		reply, err = c.call(ctx, p, url, "getblocktemplate", c.templateParams(lpID))
	default:
		reply, err = c.call(ctx, p, url, "getwork", []any{})
	}
	if err != nil {
		return nil, err
	}

	now := c.now()
	res, err := c.decode(reply, p, proto, now)
	if err != nil {
		c.logger.WithPool(p.Index(), p.URL()).Debug("Failed to decode work",
			"protocol", proto.String(), "error", err)
		return nil, err
	}

	p.RecordGetwork(reply.Elapsed)
	res.Unit.FetchStarted = start
	res.Unit.FetchCompleted = now
	p.RecordWorkDiff(res.Unit.Difficulty)
	return res, nil
}

// Probe finds a protocol the pool answers. getblocktemplate is tried first
// and getwork second; the working protocol is stored on the pool.
func (c *Client) Probe(ctx context.Context, p *pool.Pool) (*Result, error) {
	proto := p.Protocol()
	if proto == pool.ProtoStratum {
		proto = pool.ProtoGBT
	}

	var lastErr error
	for {
		res, err := c.fetch(ctx, p, proto, p.URL(), "")
		if err == nil {
			p.SetProtocol(proto)
			return res, nil
		}
		lastErr = err
		if errors.IsType(err, errors.ErrorTypeNetwork) || ctx.Err() != nil {
			return nil, err
		}
		next, ok := proto.Fallback()
		if !ok {
			break
		}
		c.logger.WithPool(p.Index(), p.URL()).Info("Falling back",
			"from", proto.String(), "to", next.String())
		proto = next
	}
	return nil, lastErr
}

// Longpoll blocks until the pool announces new work at url. conn is a
// dedicated connection held by the caller for the lifetime of its loop.
func (c *Client) Longpoll(ctx context.Context, conn *rpc.Conn, p *pool.Pool, url string) (*Result, error) {
	proto := p.Protocol()
	method := "getwork"
	var params any = []any{}
	if proto == pool.ProtoGBT {
		_, lpID := p.Longpoll()
		method = "getblocktemplate"
		params = c.templateParams(lpID)
	}

	start := c.now()
	reply, err := conn.Do(ctx, rpc.Call{
		URL:      url,
		User:     p.User(),
		Pass:     p.Pass(),
		Method:   method,
		Params:   params,
		Longpoll: true,
	})
	if err != nil {
		return nil, err
	}

	now := c.now()
	res, err := c.decode(reply, p, proto, now)
	if err != nil {
		return nil, err
	}
	res.Unit.Longpoll = true
	res.Unit.FetchStarted = start
	res.Unit.FetchCompleted = now
	return res, nil
}

// SubmitResult is the pool's verdict on a share
type SubmitResult struct {
	Accepted bool
	Reason   string
	Elapsed  time.Duration
}

// Submit sends a solved unit to its pool
func (c *Client) Submit(ctx context.Context, u *work.Unit) (*SubmitResult, error) {
	p := u.Pool
	if tmpl, ok := u.Template(); ok {
		return c.submitBlock(ctx, p, u, tmpl)
	}

	reply, err := c.call(ctx, p, p.URL(), "getwork", []any{EncodeGetworkSubmit(u)})
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{Elapsed: reply.Elapsed}
	if reply.Error != nil {
		res.Reason = reply.Error.Message
		return res, nil
	}
	if err := jsonx.Unmarshal(reply.Result, &res.Accepted); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getwork.submit", "unexpected submit result")
	}
	if !res.Accepted {
		res.Reason = rejectReason(reply)
	}
	return res, nil
}

func (c *Client) submitBlock(ctx context.Context, p *pool.Pool, u *work.Unit, tmpl *work.Template) (*SubmitResult, error) {
	src, ok := tmpl.Source().(*TemplateSource)
	if !ok {
		return nil, errors.New(errors.ErrorTypeInternal, "getwork.submitblock", "unit template is not a getblocktemplate source")
	}
	ext := u.Ext.(*work.TemplateExt)

	blockHex, err := src.BlockHex(ext.DataID, u.Data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "getwork.submitblock", "failed to assemble block")
	}
	params := []any{blockHex}
	if id := src.WorkID(); id != "" {
		params = append(params, btcjson.SubmitBlockOptions{WorkID: id})
	}

	reply, err := c.call(ctx, p, p.URL(), "submitblock", params)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{Elapsed: reply.Elapsed}
	switch {
	case reply.Error != nil:
		res.Reason = reply.Error.Message
	case reply.Null():
		res.Accepted = true
	default:
		var verdict any
		if err := jsonx.Unmarshal(reply.Result, &verdict); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "getwork.submitblock", "unexpected submit result")
		}
		switch v := verdict.(type) {
		case bool:
			res.Accepted = v
			if !v {
				res.Reason = rejectReason(reply)
			}
		case string:
			res.Reason = v
		default:
			res.Reason = "unknown"
		}
	}
	return res, nil
}

func rejectReason(reply *rpc.Reply) string {
	if reason := strings.TrimSpace(reply.Header.Get("X-Reject-Reason")); reason != "" {
		return reason
	}
	return ""
}
