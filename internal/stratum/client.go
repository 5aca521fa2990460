package stratum

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/jsonx"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// DefaultReadTimeout is how long a session may stay silent before it
	// is considered dead
	DefaultReadTimeout = 120 * time.Second
	// DefaultRetryDelay paces reconnection attempts to a dead pool
	DefaultRetryDelay = 30 * time.Second

	dialTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	idlePoll     = 5 * time.Second
	maxLineSize  = 1 << 20
)

var (
	// ErrNotActive is returned when submitting on a session that is not
	// subscribed and authorized
	ErrNotActive = errors.New(errors.ErrorTypeNetwork, "stratum.submit", "stratum session not active")
	// ErrDisconnected is returned for submissions pending when the
	// session dropped
	ErrDisconnected = errors.New(errors.ErrorTypeNetwork, "stratum.submit", "stratum session disconnected")
	// ErrAuth is returned when the pool refuses mining.authorize
	ErrAuth = errors.New(errors.ErrorTypeValidation, "stratum.authorize", "stratum authorization failed")
)

var errReconnect = errors.New(errors.ErrorTypeNetwork, "stratum.reconnect", "pool requested reconnect")

// Handler receives session events. Calls are made from the session
// goroutine and must not block for long.
type Handler interface {
	// CleanJob is called after a mining.notify that invalidates older jobs,
	// with one unit generated from the new job.
	CleanJob(p *pool.Pool, u *work.Unit)
	// Disconnected is called after the session dropped and pending
	// submissions were failed.
	Disconnected(p *pool.Pool)
	// Died is called when reconnecting failed.
	Died(p *pool.Pool)
	// Resumed is called when a pool marked idle delivers traffic again.
	Resumed(p *pool.Pool)
	// Needed reports whether the session should be kept open.
	Needed(p *pool.Pool) bool
}

// SubmitResult is the pool's verdict on a share
type SubmitResult struct {
	Accepted bool
	Reason   string
	Elapsed  time.Duration
}

// Client is the stratum session of one pool
type Client struct {
	pool    *pool.Pool
	algo    target.Algorithm
	handler Handler
	agent   string
	logger  *log.Logger

	ReadTimeout time.Duration
	RetryDelay  time.Duration

	now    func() time.Time
	nextID atomic.Uint64
	kick   chan struct{}

	connMu  sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	conn    net.Conn
	scanner *bufio.Scanner
	pending map[uint64]chan *Message
}

// NewClient creates the stratum session for p. agent is sent with
// mining.subscribe and client.get_version.
func NewClient(p *pool.Pool, algo target.Algorithm, handler Handler, agent string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Nop()
	}
	jsonx.Pretouch(Message{}, Request{})
	return &Client{
		pool:        p,
		algo:        algo,
		handler:     handler,
		agent:       agent,
		logger:      logger.WithComponent("stratum").WithPool(p.Index(), p.URL()),
		ReadTimeout: DefaultReadTimeout,
		RetryDelay:  DefaultRetryDelay,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
		pending:     make(map[uint64]chan *Message),
	}
}

// Pool returns the pool this session belongs to
func (c *Client) Pool() *pool.Pool { return c.pool }

// Kick wakes a suspended session so it re-evaluates whether it is needed
func (c *Client) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func hostPort(url string) string {
	if _, rest, ok := strings.Cut(url, "://"); ok {
		url = rest
	}
	url, _, _ = strings.Cut(url, "/")
	return url
}

// Connect dials the pool, subscribes and authorizes. It must not be called
// concurrently with Run.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.close()
	st := c.pool.Stratum()
	addr := hostPort(st.URL)

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "stratum.connect", "dial failed").
			WithContext("addr", addr)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	c.mu.Lock()
	c.conn = conn
	c.scanner = scanner
	c.mu.Unlock()
	c.pool.UpdateStratum(func(s *pool.StratumState) { s.Connected = true })
	c.logger.LogConnection("connected", conn.RemoteAddr().String())

	if err := c.handshake(ctx, st); err != nil {
		c.close()
		return err
	}
	return nil
}

func (c *Client) handshake(ctx context.Context, prev pool.StratumState) error {
	deadline := c.now().Add(c.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.mu.Lock()
	_ = c.conn.SetReadDeadline(deadline)
	c.mu.Unlock()

	resumed := prev.SessionID != ""
	sub, err := c.subscribe(prev.SessionID)
	if err != nil && resumed {
		c.logger.Info("Failed to resume stratum session, trying afresh", "error", err)
		resumed = false
		sub, err = c.subscribe("")
	}
	if err != nil {
		return err
	}
	resumed = resumed && sub.Nonce1 == prev.Nonce1

	c.pool.UpdateStratum(func(s *pool.StratumState) {
		s.SessionID = sub.SessionID
		s.Nonce1 = sub.Nonce1
		s.N2Size = sub.N2Size
		s.Subscribed = true
		if !resumed {
			s.Nonce2 = 0
			s.Diff = 1
		}
	})
	c.logger.Debug("Stratum subscribed",
		"session", sub.SessionID, "nonce1", sub.Nonce1, "n2size", sub.N2Size, "resumed", resumed)

	resp, err := c.roundTrip("mining.authorize", []any{c.pool.User(), c.pool.Pass()})
	if err != nil {
		return err
	}
	if e := resp.Err(); e != nil || !resp.ResultTrue() {
		err := errors.Wrap(ErrAuth, errors.ErrorTypeValidation, "stratum.authorize", "pool refused credentials")
		if e != nil {
			err = err.WithContext("reason", e.Message)
		}
		return err
	}

	c.pool.UpdateStratum(func(s *pool.StratumState) {
		s.Authorized = true
		s.Active = true
	})
	c.logger.Info("Stratum authorisation success")
	return nil
}

func (c *Client) subscribe(sessionID string) (*Subscription, error) {
	params := []any{c.agent}
	if sessionID != "" {
		params = append(params, sessionID)
	}
	resp, err := c.roundTrip("mining.subscribe", params)
	if err != nil {
		return nil, err
	}
	if e := resp.Err(); e != nil {
		return nil, errors.Wrap(e, errors.ErrorTypeProtocol, "stratum.subscribe", "subscribe refused")
	}
	sub, err := ParseSubscribe(resp.Result)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.subscribe", "bad subscribe result")
	}
	return sub, nil
}

// roundTrip sends a request and reads lines synchronously until its
// response arrives. Only used before Run owns the connection.
func (c *Client) roundTrip(method string, params []any) (*Message, error) {
	id := c.nextID.Add(1)
	if err := c.send(&Request{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.Debug("Ignoring unparseable stratum line", "error", err)
			continue
		}
		if msg.IsResponse() {
			if got, ok := msg.RequestID(); ok && got == id {
				return msg, nil
			}
			continue
		}
		if err := c.dispatch(msg); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(req *Request) error {
	line, err := MarshalRequest(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "stratum.send", "encode request")
	}
	return c.writeLine(line)
}

func (c *Client) writeLine(line []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.now().Add(writeTimeout))
	if _, err := conn.Write(line); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "stratum.send", "write failed")
	}
	c.logger.LogStratumMessage("send", strings.TrimSpace(string(line)))
	return nil
}

func (c *Client) readLine() ([]byte, error) {
	c.mu.Lock()
	conn, scanner := c.conn, c.scanner
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrDisconnected
	}

	for {
		if scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			c.logger.LogStratumMessage("recv", string(line))
			return append([]byte(nil), line...), nil
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "stratum.read", "read failed")
	}
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// close drops the socket and fails every pending submission
func (c *Client) close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.scanner = nil
	pending := c.pending
	c.pending = make(map[uint64]chan *Message)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	for _, ch := range pending {
		close(ch)
	}
	c.pool.UpdateStratum(func(s *pool.StratumState) {
		s.Connected = false
		s.Active = false
		s.Notify = false
		s.Subscribed = false
		s.Authorized = false
	})
}

// Close shuts the session down. Pending submissions fail with ErrDisconnected.
func (c *Client) Close() {
	c.close()
}

// Run owns the session until ctx is cancelled or the pool is removed. It
// keeps the connection open while the handler needs it, reconnects once
// after a failure and retries a dead pool every RetryDelay.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, c.close)
	defer stop()
	defer c.close()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.pool.Removed() {
			return nil
		}

		if !c.connected() || !c.handler.Needed(c.pool) {
			if c.connected() {
				c.logger.Debug("Suspending unneeded stratum session")
				c.close()
				c.handler.Disconnected(c.pool)
			}
			if err := c.waitNeeded(ctx); err != nil {
				return err
			}
			if err := c.connectLoop(ctx); err != nil {
				return err
			}
			continue
		}

		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.SetReadDeadline(c.now().Add(c.ReadTimeout))
		}
		c.mu.Unlock()

		line, err := c.readLine()
		if err == nil {
			err = c.handleLine(line)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.interrupted(err)
		if err := c.connectLoop(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) handleLine(line []byte) error {
	msg, err := ParseMessage(line)
	if err != nil {
		c.logger.Debug("Ignoring unparseable stratum line", "error", err)
		return nil
	}
	c.resumed()
	return c.dispatch(msg)
}

// resumed reactivates a pool that was marked idle once it talks again
func (c *Client) resumed() {
	if !c.pool.StratumActive() {
		return
	}
	if c.pool.ClearIdle() {
		c.logger.Info("Stratum connection resumed")
		c.handler.Resumed(c.pool)
	}
}

func (c *Client) interrupted(cause error) {
	if errors.Is(cause, errReconnect) {
		c.logger.Info("Reconnecting at pool request")
	} else {
		c.logger.Warn("Stratum connection interrupted", "error", cause)
		c.pool.UpdateStats(func(s *pool.Stats) { s.GetFailures++ })
	}
	c.pool.SetSubmitOld(false)
	c.pool.BumpRestartID()
	c.close()
	c.handler.Disconnected(c.pool)
}

// connectLoop reconnects, reporting the pool dead after the first failed
// attempt and retrying every RetryDelay afterwards.
func (c *Client) connectLoop(ctx context.Context) error {
	reported := false
	for {
		err := c.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !reported {
			c.logger.Warn("Stratum connection failed", "error", err)
			c.handler.Died(c.pool)
			reported = true
		}
		if c.pool.Removed() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.RetryDelay):
		}
		if c.pool.Removed() {
			return nil
		}
	}
}

func (c *Client) waitNeeded(ctx context.Context) error {
	for !c.handler.Needed(c.pool) {
		if c.pool.Removed() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.kick:
		case <-time.After(idlePoll):
		}
	}
	return nil
}

func (c *Client) dispatch(msg *Message) error {
	if msg.IsResponse() {
		id, ok := msg.RequestID()
		if !ok {
			return nil
		}
		c.mu.Lock()
		ch, found := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if found {
			ch <- msg
		} else {
			c.logger.Debug("Unexpected stratum response", "id", id)
		}
		return nil
	}
	if !msg.IsNotification() {
		return nil
	}

	switch msg.Method {
	case "mining.notify":
		return c.handleNotify(msg)
	case "mining.set_difficulty":
		diff, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			c.logger.Warn("Bad set_difficulty", "error", err)
			return nil
		}
		c.pool.UpdateStratum(func(s *pool.StratumState) { s.Diff = diff })
		c.logger.Info("Pool difficulty changed", "difficulty", diff)
	case "client.reconnect":
		return c.handleReconnect(msg)
	case "client.get_version":
		return c.reply(msg.ID, c.agent, nil)
	case "client.show_message":
		text, err := ParseShowMessage(msg.Params)
		if err == nil {
			c.logger.Info("Pool message", "message", text)
		}
		if msg.ID != nil {
			return c.reply(msg.ID, true, nil)
		}
	default:
		c.logger.Debug("Unknown stratum method", "method", msg.Method)
		if msg.ID != nil {
			return c.reply(msg.ID, nil, &Error{Code: ErrorMethodNotFound, Message: "Method not found"})
		}
	}
	return nil
}

func (c *Client) reply(id, result any, e *Error) error {
	line, err := jsonx.Marshal(&Response{ID: id, Result: result, Error: e})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "stratum.reply", "encode response")
	}
	return c.writeLine(append(line, '\n'))
}

func (c *Client) handleNotify(msg *Message) error {
	job, err := ParseNotify(msg.Params)
	if err != nil {
		c.logger.Warn("Bad mining.notify", "error", err)
		return nil
	}
	c.pool.UpdateStratum(func(s *pool.StratumState) {
		s.Job = job
		s.Notify = true
	})
	if !job.Clean {
		return nil
	}

	u, err := GenWork(c.pool, c.algo, c.now())
	if err != nil {
		c.logger.Warn("Failed to generate work from clean job", "job", job.JobID, "error", err)
		return nil
	}
	c.pool.BumpRestartID()
	c.handler.CleanJob(c.pool, u)
	return nil
}

func (c *Client) handleReconnect(msg *Message) error {
	host, port, err := ParseReconnect(msg.Params)
	if err != nil {
		c.logger.Warn("Bad client.reconnect", "error", err)
		return nil
	}
	oldHost, oldPort, _ := net.SplitHostPort(hostPort(c.pool.Stratum().URL))
	if host == "" {
		host = oldHost
	}
	if port == "" {
		port = oldPort
	}
	url := fmt.Sprintf("stratum+tcp://%s", net.JoinHostPort(host, port))
	c.pool.UpdateStratum(func(s *pool.StratumState) { s.URL = url })
	c.logger.Info("Pool requested reconnect", "url", url)
	return errReconnect
}

// Submit sends a share for u and waits for the verdict. Shares pending when
// the session drops fail with ErrDisconnected.
func (c *Client) Submit(ctx context.Context, u *work.Unit) (*SubmitResult, error) {
	ext, ok := u.Stratum()
	if !ok {
		return nil, errors.New(errors.ErrorTypeValidation, "stratum.submit", "unit has no stratum job")
	}
	if !c.pool.StratumActive() || !c.connected() {
		return nil, ErrNotActive
	}

	id := c.nextID.Add(1)
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	start := c.now()
	req := &Request{
		ID:     id,
		Method: "mining.submit",
		Params: []any{c.pool.User(), ext.JobID, ext.Nonce2, ext.NTime, fmt.Sprintf("%08x", u.Nonce())},
	}
	if err := c.send(req); err != nil {
		c.forget(id)
		return nil, errors.Wrap(ErrDisconnected, errors.ErrorTypeNetwork, "stratum.submit", "write failed").
			WithContext("cause", err.Error())
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrDisconnected
		}
		res := &SubmitResult{Elapsed: c.now().Sub(start)}
		e := msg.Err()
		res.Accepted = e == nil && msg.ResultTrue()
		if e != nil {
			res.Reason = e.Message
		}
		return res, nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
