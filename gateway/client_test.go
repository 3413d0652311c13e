package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coracle/workq/worker"
)

// fakeConn is a channel-backed Conn; a test goroutine plays the daemon on
// the other side.
type fakeConn struct {
	incoming chan []byte
	outgoing chan []byte
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case data := <-c.incoming:
		return json.Unmarshal(data, v)
	case <-c.done:
		return context.Canceled
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return context.Canceled
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return nil
}

// respond reads one request off the wire and answers it.
func (c *fakeConn) respond(t *testing.T, wantMethod string, result interface{}) map[string]interface{} {
	t.Helper()

	var req struct {
		ID     int64                  `json:"id"`
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}
	select {
	case data := <-c.outgoing:
		require.NoError(t, json.Unmarshal(data, &req))
	case <-time.After(2 * time.Second):
		t.Fatal("no request on the wire")
	}
	require.Equal(t, wantMethod, req.Method)

	resultJSON, err := json.Marshal(result)
	require.NoError(t, err)
	reply, err := json.Marshal(map[string]interface{}{"id": req.ID, "result": json.RawMessage(resultJSON)})
	require.NoError(t, err)
	c.incoming <- reply
	return req.Params
}

func (c *fakeConn) respondError(t *testing.T, code int, message string) {
	t.Helper()

	var req struct {
		ID int64 `json:"id"`
	}
	select {
	case data := <-c.outgoing:
		require.NoError(t, json.Unmarshal(data, &req))
	case <-time.After(2 * time.Second):
		t.Fatal("no request on the wire")
	}

	reply, err := json.Marshal(map[string]interface{}{
		"id":    req.ID,
		"error": map[string]interface{}{"code": code, "message": message},
	})
	require.NoError(t, err)
	c.incoming <- reply
}

func newTestClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	client := NewClient(conn, nil)
	t.Cleanup(func() { client.Close() })
	return client, conn
}

func TestSpawnBuildsMessageAndReturnsRunID(t *testing.T) {
	client, conn := newTestClient(t)

	go func() {
		params := conn.respond(t, "agent", map[string]string{"runId": "run-42"})
		assert.Equal(t, "worker-1", params["agentId"])
		assert.Equal(t, "agent:worker-1:workq:PROJ-1:abc", params["sessionKey"])
		assert.Equal(t, "Fix login\n\nUsers cannot sign in.", params["message"])
		assert.Equal(t, "worker", params["lane"])
		assert.Equal(t, "workq:PROJ-1", params["label"])
	}()

	runID, err := client.Spawn(context.Background(), worker.SpawnParams{
		AgentID:     "worker-1",
		SessionKey:  "agent:worker-1:workq:PROJ-1:abc",
		Title:       "Fix login",
		Description: "Users cannot sign in.",
		Label:       "workq:PROJ-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)
}

func TestSpawnRejectsEmptyRunID(t *testing.T) {
	client, conn := newTestClient(t)
	go conn.respond(t, "agent", map[string]string{})

	_, err := client.Spawn(context.Background(), worker.SpawnParams{AgentID: "worker-1", Title: "x"})
	assert.ErrorContains(t, err, "no run id")
}

func TestAwaitMapsStatus(t *testing.T) {
	client, conn := newTestClient(t)

	go conn.respond(t, "agent.wait", map[string]string{"status": "ok"})
	result, err := client.Await(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, result.OK)

	go conn.respond(t, "agent.wait", map[string]string{"status": "error", "error": "tool crashed"})
	result, err = client.Await(context.Background(), "run-2")
	require.NoError(t, err)
	assert.False(t, result.OK)
	assert.Equal(t, "tool crashed", result.Error)
}

func TestCleanupDeletesSession(t *testing.T) {
	client, conn := newTestClient(t)

	go func() {
		params := conn.respond(t, "sessions.delete", nil)
		assert.Equal(t, "session-key-1", params["key"])
		assert.Equal(t, true, params["deleteTranscript"])
	}()

	require.NoError(t, client.Cleanup(context.Background(), "session-key-1"))
}

func TestSummarizePicksLastAssistantMessage(t *testing.T) {
	client, conn := newTestClient(t)

	go conn.respond(t, "chat.history", map[string]interface{}{
		"messages": []map[string]interface{}{
			{"role": "user", "content": "do the thing"},
			{"role": "assistant", "content": "working on it"},
			{"role": "assistant", "content": []map[string]string{
				{"type": "text", "text": "Opened PR #7."},
				{"type": "text", "text": "All tests green."},
			}},
		},
	})

	summary, err := client.Summarize(context.Background(), "session-key-1")
	require.NoError(t, err)
	assert.Equal(t, "Opened PR #7.\nAll tests green.", summary)
}

func TestSummarizeEmptyTranscript(t *testing.T) {
	client, conn := newTestClient(t)
	go conn.respond(t, "chat.history", map[string]interface{}{"messages": []interface{}{}})

	summary, err := client.Summarize(context.Background(), "session-key-1")
	require.NoError(t, err)
	assert.Empty(t, summary)
}

func TestRPCErrorSurfaces(t *testing.T) {
	client, conn := newTestClient(t)
	go conn.respondError(t, -32000, "unknown agent")

	_, err := client.Spawn(context.Background(), worker.SpawnParams{AgentID: "nope", Title: "x"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown agent")
}

func TestCallAfterCloseFails(t *testing.T) {
	conn := newFakeConn()
	client := NewClient(conn, nil)
	require.NoError(t, client.Close())

	_, err := client.Await(context.Background(), "run-1")
	assert.Error(t, err)
}

func TestCallCancellation(t *testing.T) {
	client, _ := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Await(ctx, "run-never-answered")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
