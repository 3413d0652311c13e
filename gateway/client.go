// Package gateway speaks JSON-RPC over WebSocket to the agent-execution
// daemon. It implements worker.Gateway and worker.ContextExtractor.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/coracle/workq/errors"
	"github.com/coracle/workq/worker"
)

// Conn is the transport the client runs over. *websocket.Conn satisfies
// it; tests substitute a channel-backed pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

// Client is a JSON-RPC client multiplexing calls over one connection.
// A single reader goroutine routes responses to waiting callers by id.
type Client struct {
	conn   Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan response

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the gateway daemon at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Client, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial gateway %s", url)
	}
	return NewClient(wsConn, logger), nil
}

// NewClient wraps an established connection and starts the read loop.
func NewClient(conn Conn, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Client{
		conn:    conn,
		logger:  logger.Named("gateway"),
		pending: make(map[int64]chan response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the connection. In-flight calls fail with the close
// reason.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.shutdown(errors.New("gateway connection closed"))
	return err
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.shutdown(errors.Wrap(err, "gateway read failed"))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debugw("Dropping response with no waiting call", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// shutdown fails every pending call and marks the client closed.
func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return c.closeErr
	default:
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return errors.Wrapf(err, "failed to send %s", method)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return errors.Wrapf(ctx.Err(), "%s cancelled", method)
	case <-c.closed:
		return c.closeErr
	case resp, ok := <-ch:
		if !ok {
			return c.closeErr
		}
		if resp.Error != nil {
			return errors.Wrapf(resp.Error, "%s failed", method)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return errors.Wrapf(err, "failed to decode %s result", method)
			}
		}
		return nil
	}
}

type spawnRequest struct {
	AgentID    string `json:"agentId"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message"`
	Model      string `json:"model,omitempty"`
	Lane       string `json:"lane"`
	Label      string `json:"label,omitempty"`
}

type spawnResponse struct {
	RunID string `json:"runId"`
}

// Spawn starts an agent run for the work item and returns its run id.
func (c *Client) Spawn(ctx context.Context, params worker.SpawnParams) (string, error) {
	message := params.Title
	if params.Description != "" {
		if message != "" {
			message += "\n\n"
		}
		message += params.Description
	}

	var resp spawnResponse
	err := c.call(ctx, "agent", spawnRequest{
		AgentID:    params.AgentID,
		SessionKey: params.SessionKey,
		Message:    message,
		Model:      params.Model,
		Lane:       "worker",
		Label:      params.Label,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.RunID == "" {
		return "", errors.New("gateway returned no run id")
	}
	return resp.RunID, nil
}

type waitRequest struct {
	RunID string `json:"runId"`
}

type waitResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Await blocks until the run reaches a terminal state.
func (c *Client) Await(ctx context.Context, runID string) (worker.AwaitResult, error) {
	var resp waitResponse
	if err := c.call(ctx, "agent.wait", waitRequest{RunID: runID}, &resp); err != nil {
		return worker.AwaitResult{}, err
	}
	return worker.AwaitResult{
		OK:    resp.Status == "ok",
		Error: resp.Error,
	}, nil
}

type deleteSessionRequest struct {
	Key              string `json:"key"`
	DeleteTranscript bool   `json:"deleteTranscript"`
}

// Cleanup deletes the run's session on the daemon.
func (c *Client) Cleanup(ctx context.Context, sessionKey string) error {
	return c.call(ctx, "sessions.delete", deleteSessionRequest{
		Key:              sessionKey,
		DeleteTranscript: true,
	}, nil)
}

type historyRequest struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
}

type historyMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Summarize returns the last assistant reply in the session transcript,
// as the item's result summary.
func (c *Client) Summarize(ctx context.Context, sessionKey string) (string, error) {
	var resp historyResponse
	if err := c.call(ctx, "chat.history", historyRequest{SessionKey: sessionKey, Limit: 20}, &resp); err != nil {
		return "", err
	}

	for i := len(resp.Messages) - 1; i >= 0; i-- {
		if resp.Messages[i].Role != "assistant" {
			continue
		}
		if text := messageText(resp.Messages[i].Content); text != "" {
			return text, nil
		}
	}
	return "", nil
}

// messageText flattens a transcript message body. The daemon sends either
// a plain string or a list of typed content blocks.
func messageText(content json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	text := ""
	for _, block := range blocks {
		if block.Type == "text" && block.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += block.Text
		}
	}
	return text
}
