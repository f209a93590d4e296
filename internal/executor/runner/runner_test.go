package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agor-sh/agor/internal/common/logger"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/rpc"
)

func TestWSEndpoint(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"http://127.0.0.1:3030", "ws://127.0.0.1:3030/ws"},
		{"https://agor.example.com", "wss://agor.example.com/ws"},
		{"ws://localhost:3030/ws", "ws://localhost:3030/ws"},
		{"http://localhost:3030/api/ws", "ws://localhost:3030/api/ws"},
	}
	for _, tt := range tests {
		u, err := wsEndpoint(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.expected, u.String())
	}

	_, err := wsEndpoint("ftp://nope")
	require.Error(t, err)
	_, err = wsEndpoint("")
	require.Error(t, err)
}

func TestParseFrameSplitsBatchedMessages(t *testing.T) {
	frame := []byte(`{"id":"a","type":"response","action":"sessions.get","payload":{}}` + "\n" +
		`{"type":"notification","action":"sessions.patched","payload":{}}` + "\n" +
		`{"id":"b","type":"error","action":"tasks.get","payload":{"code":"NOT_FOUND","message":"gone"}}`)

	msgs := parseFrame(frame)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, rpc.MessageTypeNotification, msgs[1].Type)
	assert.Equal(t, "b", msgs[2].ID)
}

func TestParseFrameTolerantOfTrailingGarbage(t *testing.T) {
	frame := []byte(`{"id":"a","type":"response","action":"x.get"}` + "\nnot-json")
	msgs := parseFrame(frame)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].ID)
}

// stubDaemon upgrades one websocket connection and answers every request
// from the routes map. Responses are batched with a leading notification to
// exercise multi-document frames.
func stubDaemon(t *testing.T, routes map[string]func(payload json.RawMessage) *rpc.Message) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg rpc.Message
			require.NoError(t, json.Unmarshal(raw, &msg))
			handler, ok := routes[msg.Action]
			if !ok || msg.ID == "" {
				continue
			}
			resp := handler(msg.Payload)
			resp.ID = msg.ID
			resp.Action = msg.Action

			note, _ := rpc.NewNotification("sessions.patched", map[string]any{"noise": true})
			noteData, _ := json.Marshal(note)
			respData, _ := json.Marshal(resp)
			frame := bytes.Join([][]byte{noteData, respData}, []byte{'\n'})
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
		}
	}))
}

func TestClientCallCorrelatesBatchedResponse(t *testing.T) {
	srv := stubDaemon(t, map[string]func(json.RawMessage) *rpc.Message{
		"sessions.get": func(payload json.RawMessage) *rpc.Message {
			var req struct {
				ID string `json:"id"`
			}
			require.NoError(t, json.Unmarshal(payload, &req))
			resp, _ := rpc.NewResponse("", "", map[string]any{"session_id": req.ID})
			return resp
		},
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.URL, "test-token", logger.Default())
	require.NoError(t, err)
	defer client.Close()

	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, client.Call(ctx, "sessions.get", map[string]any{"id": "s-1"}, &out))
	assert.Equal(t, "s-1", out.SessionID)
}

func TestClientCallSurfacesCodedErrors(t *testing.T) {
	srv := stubDaemon(t, map[string]func(json.RawMessage) *rpc.Message{
		"tasks.get": func(json.RawMessage) *rpc.Message {
			return rpc.NewErrorMessage("", "", rpc.CodeNotFound, "no such task", nil)
		},
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, srv.URL, "test-token", logger.Default())
	require.NoError(t, err)
	defer client.Close()

	err = client.Call(ctx, "tasks.get", map[string]any{"id": "t-404"}, nil)
	require.Error(t, err)
	assert.Equal(t, rpc.CodeNotFound, rpc.CodeOf(err))
}

func TestRunRejectsMalformedPayload(t *testing.T) {
	r := New(logger.Default())

	var stdout bytes.Buffer
	err := r.Run(context.Background(), strings.NewReader("not a payload"), &stdout)
	require.NoError(t, err)

	var res executor.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, rpc.CodeValidationFailed, res.Error.Code)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	r := New(logger.Default())

	var stdout bytes.Buffer
	err := r.Run(context.Background(), strings.NewReader(`{"command":"rm.rf","sessionToken":"tok","params":{}}`), &stdout)
	require.NoError(t, err)

	var res executor.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.False(t, res.Success)
}

func TestModelFrom(t *testing.T) {
	assert.Equal(t, "", modelFrom(nil))
	assert.Equal(t, "", modelFrom(json.RawMessage(`{}`)))
	assert.Equal(t, "claude-sonnet-4-5", modelFrom(json.RawMessage(`{"model":"claude-sonnet-4-5"}`)))
}

func TestUsersGroupFallback(t *testing.T) {
	assert.Equal(t, "agor_users", usersGroupOr(""))
	assert.Equal(t, "custom", usersGroupOr("custom"))
}
