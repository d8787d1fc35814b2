package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corridorchat/messaging-core/internal/auth"
	"github.com/corridorchat/messaging-core/internal/logging"
	"github.com/corridorchat/messaging-core/internal/resume"
	"github.com/corridorchat/messaging-core/internal/stream"
	"github.com/corridorchat/messaging-core/internal/websockettest"
)

type allowAllAuthenticator struct {
	identity auth.Identity
}

func (a allowAllAuthenticator) Authenticate(http.Header) (auth.Identity, error) {
	return a.identity, nil
}

func dialTestWebSocket(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func newTestHub(opts Options) (*Hub, *httptest.Server) {
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = allowAllAuthenticator{identity: auth.Identity{AccountID: "acct-1", DeviceID: "device-1"}}
	}
	if opts.ResumeStore == nil {
		opts.ResumeStore = resume.NewMemoryStore()
	}
	h := New(opts)
	server := httptest.NewServer(h)
	return h, server
}

func TestServeHTTPAcceptsConnectionAndAcksMessages(t *testing.T) {
	h, server := newTestHub(Options{})
	defer server.Close()

	conn := dialTestWebSocket(t, server.URL)
	defer conn.Close()

	ack := readFrame(t, conn)
	if ack["type"] != "connection_ack" {
		t.Fatalf("expected connection_ack, got %+v", ack)
	}

	payload := map[string]any{
		"conversation_id": "conv-1",
		"payload":         "aGVsbG8=",
	}
	raw, _ := json.Marshal(payload)
	env := map[string]any{"v": 1, "id": "msg-1", "type": "msg", "payload": json.RawMessage(raw)}
	envRaw, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, envRaw); err != nil {
		t.Fatalf("write msg frame: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "ack" || frame["status"] != "accepted" {
		t.Fatalf("expected accepted ack, got %+v", frame)
	}
	if h.ConnectionCount() != 1 {
		t.Fatalf("expected 1 connection, got %d", h.ConnectionCount())
	}
}

func TestServeHTTPClosesProtocolErrorOnMalformedEnvelope(t *testing.T) {
	_, server := newTestHub(Options{})
	defer server.Close()

	conn := dialTestWebSocket(t, server.URL)
	defer conn.Close()
	readFrame(t, conn) // connection_ack

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after malformed envelope")
	} else if !websocket.IsCloseError(err, CloseProtocolError) {
		t.Fatalf("expected protocol_error close (1002), got %v", err)
	}
}

func TestServeHTTPClosesMessageTooLargeOnOversizeFrame(t *testing.T) {
	_, server := newTestHub(Options{MessageMaxBytes: 32})
	defer server.Close()

	conn := dialTestWebSocket(t, server.URL)
	defer conn.Close()
	readFrame(t, conn) // connection_ack

	oversized := []byte(`{"v":1,"id":"big","type":"msg","payload":{"conversation_id":"` + strings.Repeat("x", 64) + `"}}`)
	if err := conn.WriteMessage(websocket.TextMessage, oversized); err != nil {
		t.Fatalf("write oversized frame: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after oversized frame")
	} else if !websocket.IsCloseError(err, CloseMessageTooLarge) {
		t.Fatalf("expected message_too_large close (1009), got %v", err)
	}
}

func TestResumeRestoresPendingTail(t *testing.T) {
	store := resume.NewMemoryStore()
	if err := store.Persist(context.Background(), "resume-tok", resume.Snapshot{
		AccountID:     "acct-1",
		DeviceID:      "device-1",
		LastServerSeq: 5,
		PendingTail: []resume.PendingEntry{
			{ServerSeq: 6, ConversationID: "conv-1", MessageID: "m-6", Payload: []byte("hi")},
		},
	}, time.Minute); err != nil {
		t.Fatalf("seed resume snapshot: %v", err)
	}

	_, server := newTestHub(Options{ResumeStore: store})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "?resume_token=resume-tok"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial with resume token: %v", err)
	}
	defer conn.Close()

	ack := readFrame(t, conn)
	if ack["type"] != "connection_ack" {
		t.Fatalf("expected connection_ack, got %+v", ack)
	}
	tail := readFrame(t, conn)
	if tail["type"] != "msg" || tail["message_id"] != "m-6" {
		t.Fatalf("expected pending tail entry after connection_ack, got %+v", tail)
	}
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	_, server := newTestHub(Options{HeartbeatInterval: 50 * time.Millisecond})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websockettest.DialIgnoringPongs(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ignoring pongs: %v", err)
	}
	defer conn.Close()
	readFrame(t, conn) // connection_ack

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after heartbeat timeout")
	}
}

func TestDeliverBroadcastsToAuthorizedConnections(t *testing.T) {
	h, server := newTestHub(Options{})
	defer server.Close()

	conn := dialTestWebSocket(t, server.URL)
	defer conn.Close()
	readFrame(t, conn) // connection_ack

	entry := stream.Entry{EventID: "evt-1", MessageID: "m-1", Payload: []byte("hello")}
	if err := h.Deliver(context.Background(), "conv-1", entry); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "msg" || frame["message_id"] != "m-1" {
		t.Fatalf("expected delivered msg frame, got %+v", frame)
	}
}
