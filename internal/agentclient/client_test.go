package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mateo/fleet/internal/protocol"
)

// controlPlane accepts one agent connection and hands its frames to the test.
func controlPlane(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readResponse(t *testing.T, conn *websocket.Conn) (int, protocol.Response) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	format := protocol.FormatJSON
	if messageType == websocket.BinaryMessage {
		format = protocol.FormatCBOR
	}
	var resp protocol.Response
	require.NoError(t, protocol.Unmarshal(format, data, &resp))
	return messageType, resp
}

func writeRequest(t *testing.T, conn *websocket.Conn, req protocol.Request) {
	t.Helper()
	data, err := protocol.Marshal(protocol.FormatJSON, req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestClient_RetriesRegistrationUntilAcknowledged(t *testing.T) {
	seen := make(chan int, 1)
	url := controlPlane(t, func(conn *websocket.Conn) {
		var first protocol.Response
		for i := 0; i < 3; i++ {
			_, first = readResponse(t, conn)
			assert.Equal(t, protocol.TypeRegistrationRequest, first.Type)
		}
		writeRequest(t, conn, protocol.NewAck(first.UUID))
		seen <- 3
		conn.ReadMessage()
	})

	c := New(Config{URL: url, Hostname: "h1", RegisterRetry: 10 * time.Millisecond}, NewSimulatedHost())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-c.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("registration was not acknowledged")
	}
	assert.Equal(t, 3, <-seen)
}

func TestClient_IgnoresAckForAnotherAgent(t *testing.T) {
	url := controlPlane(t, func(conn *websocket.Conn) {
		_, reg := readResponse(t, conn)
		other := reg.UUID
		other[0] ^= 0xff
		writeRequest(t, conn, protocol.NewAck(other))
		conn.ReadMessage()
	})

	c := New(Config{URL: url, Hostname: "h1", RegisterRetry: time.Hour}, NewSimulatedHost())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case <-c.Registered():
		t.Fatal("acknowledged by a foreign ack")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_AnswersCommandsInBinaryFrames(t *testing.T) {
	result := make(chan protocol.Response, 1)
	url := controlPlane(t, func(conn *websocket.Conn) {
		messageType, reg := readResponse(t, conn)
		assert.Equal(t, websocket.BinaryMessage, messageType)
		assert.True(t, reg.IsLxc)

		req := protocol.NewExecute(reg.UUID, protocol.ActionCreateContainer, map[string]string{
			protocol.ArgName:     "db",
			protocol.ArgTemplate: "postgres",
		})
		req.RequestID = "r-1"
		writeRequest(t, conn, req)

		for {
			_, resp := readResponse(t, conn)
			if resp.Type == protocol.TypeExecuteResponse {
				result <- resp
				return
			}
		}
	})

	c := New(Config{URL: url, Hostname: "h1-lxc-db", IsContainer: true, Format: protocol.FormatCBOR, RegisterRetry: time.Hour}, NewSimulatedHost())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case resp := <-result:
		assert.Equal(t, "r-1", resp.RequestID)
		assert.Empty(t, resp.Error)
		assert.NotEmpty(t, resp.Result[protocol.ArgIP])
	case <-time.After(5 * time.Second):
		t.Fatal("no command result")
	}
}

func TestClient_RunFailsOnBadURL(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1/agents"}, NewSimulatedHost())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, c.Run(ctx))
}
