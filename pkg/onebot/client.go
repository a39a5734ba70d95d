package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sipeed/onebridge/pkg/logger"
)

// DefaultCallTimeout bounds socket-transported action calls.
const DefaultCallTimeout = 10 * time.Second

// Params is the JSON parameter object of an action.
type Params map[string]any

// FrameWriter is the socket side of the fallback transport: it writes
// one JSON action frame to the live connection.
type FrameWriter interface {
	WriteFrame(v any) error
}

// actionFrame is the socket wire form of an action call.
type actionFrame struct {
	Action string `json:"action"`
	Params Params `json:"params"`
	Echo   string `json:"echo"`
}

type callResult struct {
	resp *ActionResponse
	err  error
}

// Client issues actions against the IM endpoint. Transport selection is
// a hard precedence rule evaluated per call: a configured HTTP endpoint
// always wins; otherwise the attached socket is used; otherwise the
// call fails with ErrNoTransport.
type Client struct {
	httpURL string
	token   string
	timeout time.Duration
	http    *resty.Client

	seq atomic.Uint64

	mu      sync.Mutex
	socket  FrameWriter
	pending map[string]chan callResult
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout overrides the socket call timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds an action client. httpURL may be empty, in which
// case only the socket fallback is available once a socket is attached.
func NewClient(httpURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		httpURL: trimSlash(httpURL),
		token:   token,
		timeout: DefaultCallTimeout,
		pending: make(map[string]chan callResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpURL != "" {
		c.http = resty.New().SetTimeout(c.timeout)
		if c.token != "" {
			c.http.SetAuthToken(c.token)
		}
	}
	return c
}

func trimSlash(url string) string {
	for len(url) > 0 && url[len(url)-1] == '/' {
		url = url[:len(url)-1]
	}
	return url
}

// HasHTTP reports whether an HTTP endpoint is configured.
func (c *Client) HasHTTP() bool {
	return c.httpURL != ""
}

// AttachSocket hands the live socket to the client so socket-fallback
// calls can use it.
func (c *Client) AttachSocket(w FrameWriter) {
	c.mu.Lock()
	c.socket = w
	c.mu.Unlock()
}

// DetachSocket removes the socket and fails every pending request: once
// the connection is gone their responses can never arrive.
func (c *Client) DetachSocket() {
	c.mu.Lock()
	c.socket = nil
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: ErrSocketClosed}
	}
}

// Call issues a generic action and returns the response data payload.
func (c *Client) Call(ctx context.Context, action string, params Params) (json.RawMessage, error) {
	if c.httpURL != "" {
		return c.callHTTP(ctx, action, params)
	}
	return c.callSocket(ctx, action, params)
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func (c *Client) callHTTP(ctx context.Context, action string, params Params) (json.RawMessage, error) {
	if params == nil {
		params = Params{}
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(params).
		Post(c.httpURL + "/" + action)
	if err != nil {
		return nil, fmt.Errorf("action %s over http: %w", action, err)
	}

	var ar ActionResponse
	if jsonErr := json.Unmarshal(resp.Body(), &ar); jsonErr != nil {
		if !resp.IsSuccess() {
			return nil, &ActionError{Action: action, RetCode: int64(resp.StatusCode()), Message: resp.Status()}
		}
		return nil, fmt.Errorf("action %s: malformed response: %w", action, jsonErr)
	}

	if !resp.IsSuccess() || !ar.OK() {
		retcode := ar.RetCode
		if retcode == 0 {
			retcode = int64(resp.StatusCode())
		}
		return nil, &ActionError{Action: action, RetCode: retcode, Message: ar.Message, Wording: ar.Wording}
	}

	return ar.Data, nil
}

// ---------------------------------------------------------------------------
// Socket transport
// ---------------------------------------------------------------------------

// nextEcho generates a correlation token unique among outstanding calls
// on this client: a monotonic counter combined with issue time.
func (c *Client) nextEcho() string {
	return fmt.Sprintf("%d-%d", c.seq.Add(1), time.Now().UnixMilli())
}

func (c *Client) callSocket(ctx context.Context, action string, params Params) (json.RawMessage, error) {
	if params == nil {
		params = Params{}
	}

	c.mu.Lock()
	socket := c.socket
	if socket == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("action %s: %w", action, ErrNoTransport)
	}
	echo := c.nextEcho()
	ch := make(chan callResult, 1)
	c.pending[echo] = ch
	c.mu.Unlock()

	if err := socket.WriteFrame(actionFrame{Action: action, Params: params, Echo: echo}); err != nil {
		c.removePending(echo)
		return nil, fmt.Errorf("action %s over socket: %w", action, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("action %s: %w", action, result.err)
		}
		resp := result.resp
		if !resp.OK() {
			return nil, &ActionError{Action: action, RetCode: resp.RetCode, Message: resp.Message, Wording: resp.Wording}
		}
		return resp.Data, nil

	case <-timer.C:
		c.removePending(echo)
		return nil, fmt.Errorf("action %s: %w", action, ErrActionTimeout)

	case <-ctx.Done():
		c.removePending(echo)
		return nil, fmt.Errorf("action %s: %w", action, ctx.Err())
	}
}

func (c *Client) removePending(echo string) {
	c.mu.Lock()
	delete(c.pending, echo)
	c.mu.Unlock()
}

// HandleResponse routes a socket response frame to its pending call.
// Unknown or already-settled tokens are dropped; each pending entry is
// resolved at most once.
func (c *Client) HandleResponse(resp *ActionResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.Echo]
	if ok {
		delete(c.pending, resp.Echo)
	}
	c.mu.Unlock()

	if !ok {
		logger.DebugCF("onebot", "Dropping response with unknown echo", map[string]interface{}{
			"echo": resp.Echo,
		})
		return
	}
	ch <- callResult{resp: resp}
}

// PendingCount returns the number of outstanding socket calls.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
